package jobs

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewWorkerID はジョブのオーナーとして使うワーカーIDを生成します。
// プロセスごとに一意で、ログからホストを辿れる形式にします。
func NewWorkerID(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", role, host, uuid.NewString()[:8])
}
