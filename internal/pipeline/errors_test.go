package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	kind, msg := describe(IOError(CodeWriteFailure, errors.New("disk full"), "保存できませんでした"))
	assert.Equal(t, KindIO, kind)
	assert.Equal(t, "保存できませんでした", msg)

	kind, msg = describe(context.Canceled)
	assert.Equal(t, KindCancelled, kind)
	assert.Contains(t, msg, "中止")

	kind, msg = describe(fmt.Errorf("run: %w", context.DeadlineExceeded))
	assert.Equal(t, KindInternal, kind)
	assert.Contains(t, msg, "上限")

	kind, _ = describe(errors.New("boom"))
	assert.Equal(t, KindInternal, kind)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("wrapped: %w", Transient(nil, "busy"))))
	assert.Equal(t, KindCancelled, KindOf(cancelledError()))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}
