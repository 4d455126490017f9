package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("PIPELINE_MAX_RETRIES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreBackendSQLite, cfg.StoreBackend)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 16000, cfg.AudioSampleRate)
	assert.Equal(t, 1, cfg.AudioChannels)
	assert.Equal(t, 30*time.Minute, cfg.JobStaleAfter)
	assert.Equal(t, 6*time.Hour, cfg.JobTimeout)
	assert.Equal(t, 5*time.Second, cfg.JobCancelPoll)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("PIPELINE_MAX_RETRIES", "5")
	t.Setenv("PIPELINE_RETRY_BASE", "250ms")
	t.Setenv("DIARIZE_MIN_SECONDS", "2.5")
	t.Setenv("KEEP_INTERMEDIATE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreBackendRedis, cfg.StoreBackend)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.InDelta(t, 2.5, cfg.DiarizeMinSeconds, 1e-9)
	assert.True(t, cfg.KeepIntermediate)
}

func TestLoadInvalidNumberFallsBackToDefault(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongodb")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsInvertedSpeakerBounds(t *testing.T) {
	t.Setenv("DIARIZE_MIN_SPEAKERS", "4")
	t.Setenv("DIARIZE_MAX_SPEAKERS", "2")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateJobTimeout(t *testing.T) {
	t.Run("override", func(t *testing.T) {
		t.Setenv("JOB_TIMEOUT", "12h")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 12*time.Hour, cfg.JobTimeout)
	})

	t.Run("shorter than stale window", func(t *testing.T) {
		t.Setenv("JOB_TIMEOUT", "20m")
		t.Setenv("JOB_STALE_AFTER", "30m")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("zero", func(t *testing.T) {
		t.Setenv("JOB_TIMEOUT", "0s")
		_, err := Load()
		require.Error(t, err)
	})
}
