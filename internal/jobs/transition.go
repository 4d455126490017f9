package jobs

import (
	"fmt"
	"time"
)

// Mutation はジョブレコードへの変更です。ストアは変更をアトミックに適用し、
// 途中まで適用された状態を読み手に見せません。
type Mutation func(*Record) error

// Advance は工程・進捗・メッセージを一度に更新します。
// 進捗は前回値を下回らず、0〜100 に丸められます。
func Advance(step Step, percent int, message string) Mutation {
	return func(r *Record) error {
		r.Step = step
		r.Progress = clampPercent(percent)
		r.Message = message
		return nil
	}
}

// Fail はジョブを failed にします。工程と進捗は失敗した時点のまま残します。
func Fail(kind, message string) Mutation {
	return func(r *Record) error {
		r.Status = StatusFailed
		r.Error = &ErrorInfo{Kind: kind, Message: truncate(message, maxErrorMessageLen)}
		r.Message = truncate(message, maxErrorMessageLen)
		return nil
	}
}

// Complete はジョブを completed にします。
func Complete(message string, speakerCount int, outputDir, transcriptPath string) Mutation {
	return func(r *Record) error {
		r.Status = StatusCompleted
		r.Step = StepCompleted
		r.Progress = 100
		r.Message = message
		r.SpeakerCount = speakerCount
		r.OutputDir = outputDir
		r.TranscriptPath = transcriptPath
		return nil
	}
}

// Touch は内容を変えずに更新時刻だけを進めます。長い工程の間のハートビートに使います。
func Touch() Mutation {
	return func(*Record) error { return nil }
}

// Chain は複数の変更を順に適用します。
func Chain(mutations ...Mutation) Mutation {
	return func(r *Record) error {
		for _, m := range mutations {
			if m == nil {
				continue
			}
			if err := m(r); err != nil {
				return err
			}
		}
		return nil
	}
}

const maxErrorMessageLen = 1000

// ErrorKindCancelled は利用者の要求で中止されたジョブのエラー種別です。
const ErrorKindCancelled = "Cancelled"

func markCancelled(r *Record) error {
	r.CancelRequested = true
	return nil
}

// applyMutation はオーナー確認・状態遷移の検証・時刻の更新をまとめて行います。
// 各ストア実装はトランザクション内でこれを呼び出します。
func applyMutation(current *Record, owner string, mutate Mutation, now time.Time) (*Record, error) {
	if current.Owner != owner {
		return nil, fmt.Errorf("%w: job %s is owned by %q", ErrConflict, current.JobID, current.Owner)
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	if err := validateTransition(current, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		t := now
		next.CompletedAt = &t
	}
	return next, nil
}

// validateTransition は状態機械の不変条件を検証し、進捗の単調性を保証します。
func validateTransition(prev, next *Record) error {
	if prev.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, prev.JobID, prev.Status)
	}
	next.JobID = prev.JobID
	next.CreatedAt = prev.CreatedAt
	next.Owner = prev.Owner
	if prev.CancelRequested {
		next.CancelRequested = true
	}

	if next.Step.Index() < 0 {
		return fmt.Errorf("%w: unknown step %q", ErrInvalidTransition, next.Step)
	}
	if next.Step.Index() < prev.Step.Index() {
		return fmt.Errorf("%w: step %s -> %s", ErrInvalidTransition, prev.Step, next.Step)
	}
	next.Progress = clampPercent(next.Progress)
	if next.Progress < prev.Progress {
		next.Progress = prev.Progress
	}

	if !isValidStatusTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: status %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	switch next.Status {
	case StatusFailed:
		if next.Error == nil {
			return fmt.Errorf("%w: failed job requires error detail", ErrInvalidTransition)
		}
	case StatusCompleted:
		if next.Step != StepCompleted || next.Progress != 100 {
			return fmt.Errorf("%w: completed job must be at step completed with progress 100", ErrInvalidTransition)
		}
		next.Error = nil
	default:
		if next.Step == StepCompleted {
			return fmt.Errorf("%w: step completed requires status completed", ErrInvalidTransition)
		}
		next.Error = nil
	}
	return nil
}

// isValidStatusTransition は許可された状態遷移を定義します。
func isValidStatusTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// claimRecord は pending のジョブを processing にし、オーナーを設定します。
func claimRecord(current *Record, owner string, now time.Time) (*Record, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if current.Status != StatusPending || current.Owner != "" {
		return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, current.JobID, current.Status)
	}
	next := current.Clone()
	next.Status = StatusProcessing
	next.Owner = owner
	next.Message = "処理を開始しました"
	started := now
	next.StartedAt = &started
	next.UpdatedAt = now
	return next, nil
}

// cancelRecord は中止要求を反映します。pending のジョブはその場で failed にし、
// processing のジョブには中止フラグだけを立てます。フラグを見て止めるのはオーナーです。
// ハートビートとは無関係なので更新時刻は進めません。
func cancelRecord(current *Record, message string, now time.Time) (*Record, error) {
	switch current.Status {
	case StatusPending:
		return applyMutation(current, current.Owner, Chain(Fail(ErrorKindCancelled, message), markCancelled), now)
	case StatusProcessing:
		next := current.Clone()
		next.CancelRequested = true
		return next, nil
	default:
		return nil, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, current.JobID, current.Status)
	}
}

// takeoverRecord はハートビートが途絶えた processing ジョブのオーナーを差し替えます。
func takeoverRecord(current *Record, owner string, staleBefore, now time.Time) (*Record, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if current.Status != StatusProcessing || !current.UpdatedAt.Before(staleBefore) {
		return nil, fmt.Errorf("%w: job %s is not stale", ErrConflict, current.JobID)
	}
	next := current.Clone()
	next.Owner = owner
	next.UpdatedAt = now
	return next, nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
