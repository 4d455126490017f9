// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアの実装種別
const (
	StoreBackendRedis    = "redis"
	StoreBackendSQLite   = "sqlite"
	StoreBackendPostgres = "postgres"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zap のログレベル

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // アップロード1件あたりの最大サイズ（バイト）

	// ジョブ/キュー設定
	QueueRedisURL     string        // Asynq用Redis接続URL
	WorkerConcurrency int           // 同時に処理するジョブ数
	JobStaleAfter     time.Duration // この時間ハートビートが無い processing ジョブは放棄扱い
	JobTimeout        time.Duration // 1ジョブの処理時間の上限
	JobCancelPoll     time.Duration // 実行中ジョブの中止要求を確認する間隔
	ReaperInterval    time.Duration // 放棄ジョブ掃除の実行間隔
	JobRetentionHours int           // Redis ストア使用時のレコード保持時間（0 で無期限）

	// ストア設定
	StoreBackend string // redis / sqlite / postgres
	DatabaseDSN  string // sqlite のファイルパス、または postgres の DSN

	// ワークスペース
	WorkspaceDir     string // ジョブごとの作業ディレクトリのルート
	KeepIntermediate bool   // true の場合 finalizing で work/ を残す

	// 音声変換
	FFmpegPath      string
	FFprobePath     string
	AudioSampleRate int
	AudioChannels   int

	// 文字起こしエンジン
	WhisperXPath       string
	WhisperXModel      string
	WhisperXDevice     string
	WhisperXLanguage   string
	WhisperCppPath     string
	WhisperCppModel    string
	TranscribeFallback string // whispercpp / none

	// 話者分離エンジン
	DiarizeCommand     string  // RTTM を標準出力に書き出すコマンド
	DiarizeFallback    string  // gap / none
	DiarizeMinSpeakers int     // 推定話者数の下限
	DiarizeMaxSpeakers int     // 推定話者数の上限
	DiarizeMinSeconds  float64 // これより短い音声は話者分離しない

	// リトライ方針
	MaxRetries     int           // 一時的なエンジンエラーに対する再試行回数
	RetryBaseDelay time.Duration // 指数バックオフの初期待ち時間
	RetryMaxDelay  time.Duration // バックオフの上限
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 500*1024*1024), // 500MB

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 2),
		JobStaleAfter:     getEnvAsDuration("JOB_STALE_AFTER", 30*time.Minute),
		JobTimeout:        getEnvAsDuration("JOB_TIMEOUT", 6*time.Hour),
		JobCancelPoll:     getEnvAsDuration("JOB_CANCEL_POLL", 5*time.Second),
		ReaperInterval:    getEnvAsDuration("REAPER_INTERVAL", 5*time.Minute),
		JobRetentionHours: getEnvAsInt("JOB_RETENTION_HOURS", 0),

		// ストア設定
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreBackendSQLite)),
		DatabaseDSN:  getEnv("DATABASE_DSN", "speaker-forge.db"),

		// ワークスペース
		WorkspaceDir:     getEnv("WORKSPACE_DIR", filepath.Join(os.TempDir(), "speaker-forge")),
		KeepIntermediate: getEnvAsBool("KEEP_INTERMEDIATE", false),

		// 音声変換
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:     getEnv("FFPROBE_PATH", "ffprobe"),
		AudioSampleRate: getEnvAsInt("AUDIO_SAMPLE_RATE", 16000),
		AudioChannels:   getEnvAsInt("AUDIO_CHANNELS", 1),

		// 文字起こしエンジン
		WhisperXPath:       getEnv("WHISPERX_PATH", "whisperx"),
		WhisperXModel:      getEnv("WHISPERX_MODEL", "base"),
		WhisperXDevice:     getEnv("WHISPERX_DEVICE", "cpu"),
		WhisperXLanguage:   getEnv("WHISPERX_LANGUAGE", ""),
		WhisperCppPath:     getEnv("WHISPERCPP_PATH", "whisper-cli"),
		WhisperCppModel:    getEnv("WHISPERCPP_MODEL", ""),
		TranscribeFallback: strings.ToLower(getEnv("TRANSCRIBE_FALLBACK", "whispercpp")),

		// 話者分離エンジン
		DiarizeCommand:     getEnv("DIARIZE_COMMAND", ""),
		DiarizeFallback:    strings.ToLower(getEnv("DIARIZE_FALLBACK", "gap")),
		DiarizeMinSpeakers: getEnvAsInt("DIARIZE_MIN_SPEAKERS", 1),
		DiarizeMaxSpeakers: getEnvAsInt("DIARIZE_MAX_SPEAKERS", 8),
		DiarizeMinSeconds:  getEnvAsFloat("DIARIZE_MIN_SECONDS", 1.0),

		// リトライ方針
		MaxRetries:     getEnvAsInt("PIPELINE_MAX_RETRIES", 3),
		RetryBaseDelay: getEnvAsDuration("PIPELINE_RETRY_BASE", 2*time.Second),
		RetryMaxDelay:  getEnvAsDuration("PIPELINE_RETRY_MAX", 30*time.Second),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendRedis, StoreBackendSQLite, StoreBackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of redis, sqlite, postgres (got %q)", c.StoreBackend)
	}
	if c.StoreBackend != StoreBackendRedis && c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required for STORE_BACKEND=%s", c.StoreBackend)
	}
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required")
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("WORKSPACE_DIR is required")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.JobStaleAfter > 0 && c.JobStaleAfter >= c.JobTimeout {
		return fmt.Errorf("JOB_STALE_AFTER (%s) must be shorter than JOB_TIMEOUT (%s)", c.JobStaleAfter, c.JobTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("PIPELINE_MAX_RETRIES must not be negative")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("PIPELINE_RETRY_BASE must be positive")
	}
	if c.AudioSampleRate <= 0 || c.AudioChannels <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE and AUDIO_CHANNELS must be positive")
	}
	if c.DiarizeMinSpeakers > c.DiarizeMaxSpeakers {
		return fmt.Errorf("DIARIZE_MIN_SPEAKERS must not exceed DIARIZE_MAX_SPEAKERS")
	}
	switch c.TranscribeFallback {
	case "whispercpp", "none":
	default:
		return fmt.Errorf("TRANSCRIBE_FALLBACK must be whispercpp or none (got %q)", c.TranscribeFallback)
	}
	switch c.DiarizeFallback {
	case "gap", "none":
	default:
		return fmt.Errorf("DIARIZE_FALLBACK must be gap or none (got %q)", c.DiarizeFallback)
	}

	// 本番環境では Redis の接続先を明示させる
	if c.GinMode == "release" && os.Getenv("QUEUE_REDIS_URL") == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "30s" や "5m" 形式の環境変数を time.Duration として取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
