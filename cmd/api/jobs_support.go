package main

import (
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/speaker-forge/internal/config"
	"github.com/yourusername/speaker-forge/internal/engine"
	"github.com/yourusername/speaker-forge/internal/jobs"
	"github.com/yourusername/speaker-forge/internal/pipeline"
	"github.com/yourusername/speaker-forge/internal/queue"
	"github.com/yourusername/speaker-forge/internal/storage"
)

// jobDeps はジョブ処理に必要なコンポーネントです。
type jobDeps struct {
	service *jobs.Service
	files   *storage.Local
	manager *queue.Manager
	log     *zap.SugaredLogger
	closers []func() error
}

// Close はストアの接続を閉じます。
func (d *jobDeps) Close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			d.log.Warnw("failed to close resource", "error", err)
		}
	}
}

func setupJobs(cfg *config.Config, log *zap.SugaredLogger) (*jobDeps, error) {
	deps := &jobDeps{log: log}

	store, err := setupStore(cfg, deps)
	if err != nil {
		return nil, err
	}

	files, err := storage.NewLocal(cfg.WorkspaceDir)
	if err != nil {
		return nil, err
	}

	orchestrator, err := pipeline.NewOrchestrator(store, files, setupEngines(cfg, log), pipeline.Options{
		Owner:             jobs.NewWorkerID("worker"),
		Format:            pipeline.Format{SampleRate: cfg.AudioSampleRate, Channels: cfg.AudioChannels},
		MinDiarizeSeconds: cfg.DiarizeMinSeconds,
		Retry: pipeline.RetryPolicy{
			MaxRetries: uint64(cfg.MaxRetries),
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		KeepIntermediate: cfg.KeepIntermediate,
		StaleAfter:       cfg.JobStaleAfter,
		PollInterval:     cfg.JobCancelPoll,
	}, log)
	if err != nil {
		return nil, err
	}

	reaper := jobs.NewReaper(store, cfg.JobStaleAfter, jobs.NewWorkerID("reaper"), log)
	manager, err := queue.NewManager(cfg, orchestrator, reaper, log)
	if err != nil {
		return nil, err
	}

	deps.service = jobs.NewService(store)
	deps.files = files
	deps.manager = manager
	return deps, nil
}

func setupStore(cfg *config.Config, deps *jobDeps) (jobs.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, err
		}
		redisClient := redis.NewClient(opt)
		deps.closers = append(deps.closers, redisClient.Close)
		ttl := time.Duration(cfg.JobRetentionHours) * time.Hour
		return jobs.NewRedisStore(redisClient, ttl), nil
	case config.StoreBackendSQLite, config.StoreBackendPostgres:
		db, err := jobs.OpenDB(cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, sqlDB.Close)
		return jobs.NewSQLStore(db)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// setupEngines は設定に従ってエンジンとフォールバックを選びます。
func setupEngines(cfg *config.Config, log *zap.SugaredLogger) pipeline.Engines {
	engines := pipeline.Engines{
		Codec:       engine.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath),
		Transcriber: engine.NewWhisperX(cfg.WhisperXPath, cfg.WhisperXModel, cfg.WhisperXDevice, cfg.WhisperXLanguage),
		Diarizer:    engine.NewRTTMDiarizer(cfg.DiarizeCommand, cfg.DiarizeMinSpeakers, cfg.DiarizeMaxSpeakers),
	}
	if cfg.TranscribeFallback == "whispercpp" {
		engines.TranscribeFallback = engine.NewWhisperCpp(cfg.WhisperCppPath, cfg.WhisperCppModel, cfg.WhisperXLanguage)
	}
	if cfg.DiarizeFallback == "gap" {
		engines.DiarizeFallback = engine.NewGapDiarizer(engine.DefaultGapThreshold)
	}
	log.Infow("engines configured",
		"transcriber", engines.Transcriber.Name(),
		"transcribe_fallback", cfg.TranscribeFallback,
		"diarizer", engines.Diarizer.Name(),
		"diarize_fallback", cfg.DiarizeFallback)
	return engines
}
