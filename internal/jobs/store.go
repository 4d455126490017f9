package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("job is owned by another writer")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrInvalidLabel      = errors.New("invalid speaker label")
)

// Store はジョブレコードと話者トラックの永続化を担います。
//
// 1ジョブにつき書き込めるのは Claim したオーナーだけです。Update / SaveTracks は
// オーナーが一致しない場合や並行書き込みを検出した場合に ErrConflict を返します。
type Store interface {
	Create(ctx context.Context, originalFilename string, size int64) (*Record, error)
	Get(ctx context.Context, jobID string) (*Record, error)
	Claim(ctx context.Context, jobID, owner string) (*Record, error)
	Takeover(ctx context.Context, jobID, owner string, staleBefore time.Time) (*Record, error)
	Update(ctx context.Context, jobID, owner string, mutate Mutation) (*Record, error)
	// RequestCancel はオーナー以外から呼べる唯一の変更です。pending のジョブは failed になり、
	// processing のジョブには中止フラグが立ちます。終了済みのジョブは ErrInvalidTransition です。
	RequestCancel(ctx context.Context, jobID, message string) (*Record, error)
	// SaveTracks はトラックの一括作成とレコード変更を1つのトランザクションで行います。
	SaveTracks(ctx context.Context, jobID, owner string, tracks []Track, mutate Mutation) (*Record, error)
	Tracks(ctx context.Context, jobID string) ([]Track, error)
	RenameTrack(ctx context.Context, jobID, speakerLabel, displayLabel string) (*Track, error)
	ListStale(ctx context.Context, staleBefore time.Time) ([]*Record, error)
	Delete(ctx context.Context, jobID string) error
}

// NewJobID は衝突しにくい固定長のジョブIDを生成します。
func NewJobID() string {
	return uuid.NewString()
}

// ValidJobID はパスやURLに埋め込めるジョブIDかを判定します。
func ValidJobID(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.String() == id
}

func newRecord(originalFilename string, size int64, now time.Time) *Record {
	return &Record{
		JobID:            NewJobID(),
		OriginalFilename: displayFilename(originalFilename),
		FileSize:         size,
		Status:           StatusPending,
		Step:             StepUploaded,
		Progress:         0,
		Message:          "アップロードを受け付けました",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// displayFilename は表示専用のファイル名からディレクトリ部分を取り除きます。
func displayFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return truncate(name, 255)
}

// prepareTracks はトラックの所有ジョブと既定の表示名を揃えます。
func prepareTracks(jobID string, tracks []Track, now time.Time) []Track {
	out := make([]Track, len(tracks))
	for i, t := range tracks {
		t.JobID = jobID
		if t.DisplayLabel == "" {
			t.DisplayLabel = t.SpeakerLabel
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		out[i] = t
	}
	return out
}
