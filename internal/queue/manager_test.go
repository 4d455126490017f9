package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/speaker-forge/internal/config"
	"github.com/yourusername/speaker-forge/internal/jobs"
	"github.com/yourusername/speaker-forge/internal/logging"
)

type stubRunner struct {
	jobIDs []string
	err    error
}

func (r *stubRunner) Run(ctx context.Context, jobID string) error {
	r.jobIDs = append(r.jobIDs, jobID)
	return r.err
}

type stubReaper struct {
	calls int
	n     int
	err   error
}

func (r *stubReaper) Reap(ctx context.Context) (int, error) {
	r.calls++
	return r.n, r.err
}

func newTestManager(t *testing.T, runner Runner, reaper Reaper) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		QueueRedisURL:     "redis://" + mr.Addr(),
		WorkerConcurrency: 2,
		ReaperInterval:    time.Minute,
		JobTimeout:        4 * time.Hour,
	}
	m, err := NewManager(cfg, runner, reaper, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.client.Close() })
	return m
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, &stubRunner{}, nil, nil)
	assert.Error(t, err)

	_, err = NewManager(&config.Config{QueueRedisURL: "redis://localhost:6379"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewManager(&config.Config{QueueRedisURL: "http://localhost"}, &stubRunner{}, nil, nil)
	assert.Error(t, err)
}

func TestHandleSeparateTask(t *testing.T) {
	runner := &stubRunner{}
	m := newTestManager(t, runner, nil)

	task := asynq.NewTask(TaskTypeSeparate, []byte(`{"jobId":"0b4c9a9e-3b1f-4a55-9d57-2f5d8f3c1a10"}`))
	require.NoError(t, m.handleSeparateTask(context.Background(), task))
	assert.Equal(t, []string{"0b4c9a9e-3b1f-4a55-9d57-2f5d8f3c1a10"}, runner.jobIDs)
}

func TestHandleSeparateTaskInvalidPayload(t *testing.T) {
	runner := &stubRunner{}
	m := newTestManager(t, runner, nil)

	err := m.handleSeparateTask(context.Background(), asynq.NewTask(TaskTypeSeparate, []byte(`not-json`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = m.handleSeparateTask(context.Background(), asynq.NewTask(TaskTypeSeparate, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, runner.jobIDs)
}

func TestHandleSeparateTaskPropagatesRunnerError(t *testing.T) {
	boom := errors.New("store unavailable")
	m := newTestManager(t, &stubRunner{err: boom}, nil)

	err := m.handleSeparateTask(context.Background(), asynq.NewTask(TaskTypeSeparate, []byte(`{"jobId":"x"}`)))
	assert.ErrorIs(t, err, boom)
}

func TestHandleSeparateTaskSkipsUnclaimableJob(t *testing.T) {
	runner := &stubRunner{err: fmt.Errorf("claim job x: %w", jobs.ErrConflict)}
	m := newTestManager(t, runner, nil)

	err := m.handleSeparateTask(context.Background(), asynq.NewTask(TaskTypeSeparate, []byte(`{"jobId":"x"}`)))
	assert.NoError(t, err)
	assert.Equal(t, []string{"x"}, runner.jobIDs)
}

func TestHandleReapTask(t *testing.T) {
	reaper := &stubReaper{n: 2}
	m := newTestManager(t, &stubRunner{}, reaper)
	require.NotNil(t, m.scheduler)

	require.NoError(t, m.handleReapTask(context.Background(), asynq.NewTask(TaskTypeReap, nil)))
	assert.Equal(t, 1, reaper.calls)
}

func TestEnqueueRequiresJobID(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, nil)
	assert.Error(t, m.Enqueue(context.Background(), ""))
}

func TestSeparateOptions(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, nil)

	got := map[asynq.OptionType]any{}
	for _, opt := range m.separateOptions("0b4c9a9e-3b1f-4a55-9d57-2f5d8f3c1a10") {
		got[opt.Type()] = opt.Value()
	}
	assert.Equal(t, 4*time.Hour, got[asynq.TimeoutOpt])
	assert.Equal(t, 0, got[asynq.MaxRetryOpt])
	assert.Equal(t, queueName, got[asynq.QueueOpt])
	assert.Equal(t, "0b4c9a9e-3b1f-4a55-9d57-2f5d8f3c1a10", got[asynq.TaskIDOpt])
}
