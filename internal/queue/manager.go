// Package queue は asynq を使ったジョブ投入とワーカー管理を提供します。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/speaker-forge/internal/config"
	"github.com/yourusername/speaker-forge/internal/jobs"
)

const (
	TaskTypeSeparate = "audio:separate"
	TaskTypeReap     = "audio:reap"

	queueName = "audio"
)

// Runner は1ジョブ分のパイプラインを実行します。
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Reaper は放棄されたジョブを掃除します。
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// TaskPayload は話者分離ジョブのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// Manager はジョブの投入とワーカーの起動・停止を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	runner    Runner
	reaper    Reaper
	log       *zap.SugaredLogger
}

// NewManager は Manager を初期化します。reaper が nil の場合は定期掃除を登録しません。
func NewManager(cfg *config.Config, runner Runner, reaper Reaper, log *zap.SugaredLogger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:    cfg,
		client: client,
		server: server,
		mux:    mux,
		runner: runner,
		reaper: reaper,
		log:    log.Named("queue"),
	}
	mux.HandleFunc(TaskTypeSeparate, manager.handleSeparateTask)

	if reaper != nil && cfg.ReaperInterval > 0 {
		manager.scheduler = asynq.NewScheduler(opt, nil)
		mux.HandleFunc(TaskTypeReap, manager.handleReapTask)
		spec := fmt.Sprintf("@every %s", cfg.ReaperInterval)
		if _, err := manager.scheduler.Register(spec, asynq.NewTask(TaskTypeReap, nil), asynq.Queue(queueName), asynq.MaxRetry(0)); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to register reaper schedule: %w", err)
		}
	}
	return manager, nil
}

// StartWorkers は Asynq サーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.log.Errorw("asynq server stopped with error", "error", err)
		}
	}()
	if m.scheduler != nil {
		if err := m.scheduler.Start(); err != nil {
			m.log.Errorw("asynq scheduler failed to start", "error", err)
		}
	}
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	m.server.Shutdown()
	return m.client.Close()
}

// Enqueue はジョブをキューに投入します。同じジョブIDのタスクが既にあれば何もしません。
func (m *Manager) Enqueue(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeSeparate, body)
	_, err = m.client.EnqueueContext(ctx, task, m.separateOptions(jobID)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		m.log.Infow("job already enqueued", "job_id", jobID)
		return nil
	}
	return err
}

// separateOptions は話者分離タスクの投入オプションです。
// 工程のリトライはパイプライン側で行うため asynq では再実行しません。
// Timeout を省略すると asynq の既定値（30分）で打ち切られます。
func (m *Manager) separateOptions(jobID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
	}
	if m.cfg.JobTimeout > 0 {
		opts = append(opts, asynq.Timeout(m.cfg.JobTimeout))
	}
	return opts
}

func (m *Manager) handleSeparateTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	if err := m.runner.Run(ctx, payload.JobID); err != nil {
		// 実行前に中止されたジョブや、他のワーカーが処理中のジョブ
		if errors.Is(err, jobs.ErrConflict) {
			m.log.Infow("job is no longer pending, skipping", "job_id", payload.JobID, "error", err)
			return nil
		}
		m.log.Errorw("job run failed", "job_id", payload.JobID, "error", err)
		return err
	}
	return nil
}

func (m *Manager) handleReapTask(ctx context.Context, _ *asynq.Task) error {
	n, err := m.reaper.Reap(ctx)
	if err != nil {
		m.log.Errorw("reaper failed", "error", err)
		return err
	}
	if n > 0 {
		m.log.Infow("reaped abandoned jobs", "count", n)
	}
	return nil
}
