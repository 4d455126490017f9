package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/speaker-forge/internal/metrics"
)

// ErrorKindAbandoned はハートビートが途絶えて放棄されたジョブのエラー種別です。
const ErrorKindAbandoned = "Abandoned"

// Reaper は一定時間更新の無い processing ジョブを failed にします。
type Reaper struct {
	store      Store
	staleAfter time.Duration
	owner      string
	log        *zap.SugaredLogger
	now        func() time.Time
}

// NewReaper は Reaper を作成します。owner は引き継ぎ時に使うオーナーIDです。
func NewReaper(store Store, staleAfter time.Duration, owner string, log *zap.SugaredLogger) *Reaper {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reaper{
		store:      store,
		staleAfter: staleAfter,
		owner:      owner,
		log:        log.Named("reaper"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reap は放棄されたジョブを引き継いで failed にし、処理した件数を返します。
// 別のワーカーが先に更新したジョブは対象外として読み飛ばします。
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	if r.staleAfter <= 0 {
		return 0, nil
	}
	staleBefore := r.now().Add(-r.staleAfter)
	stale, err := r.store.ListStale(ctx, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	reaped := 0
	for _, record := range stale {
		if _, err := r.store.Takeover(ctx, record.JobID, r.owner, staleBefore); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			return reaped, fmt.Errorf("takeover job %s: %w", record.JobID, err)
		}
		msg := fmt.Sprintf("%s 以上進捗が更新されなかったため処理を中断しました", r.staleAfter)
		if _, err := r.store.Update(ctx, record.JobID, r.owner, Fail(ErrorKindAbandoned, msg)); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return reaped, fmt.Errorf("fail job %s: %w", record.JobID, err)
		}
		reaped++
		metrics.IncreaseJobsReapedMetric()
		metrics.IncreaseJobsFinishedMetric(string(StatusFailed))
		r.log.Warnw("abandoned job marked as failed",
			"job_id", record.JobID,
			"step", record.Step,
			"last_update", record.UpdatedAt)
	}
	return reaped, nil
}
