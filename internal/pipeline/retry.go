package pipeline

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy は TransientEngineError に対するリトライ方針です。
// 他の種別のエラーはリトライせずにそのまま返します。
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Do は fn を実行し、一時的な失敗であれば指数バックオフで最大 MaxRetries 回まで再実行します。
// onRetry は再実行の直前に呼ばれます。
func (p RetryPolicy) Do(ctx context.Context, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	if p.MaxRetries == 0 {
		return fn(ctx)
	}

	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	b = retry.WithMaxRetries(p.MaxRetries, b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if KindOf(err) != KindTransient {
			return err
		}
		if uint64(attempt) <= p.MaxRetries && onRetry != nil {
			onRetry(attempt, err)
		}
		return retry.RetryableError(err)
	})
}
