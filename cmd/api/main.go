// Package main はAPIサーバーとワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yourusername/speaker-forge/internal/api"
	"github.com/yourusername/speaker-forge/internal/config"
	"github.com/yourusername/speaker-forge/internal/logging"
)

const gracefulShutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()
	sugar := logger.Sugar()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	// ダウンロード時のファイル名をフロントエンドから読めるように公開
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	deps, err := setupJobs(cfg, sugar)
	if err != nil {
		sugar.Fatalw("failed to set up job processing", "error", err)
	}
	defer deps.Close()

	// ルーティングの設定
	setupRoutes(router, cfg, deps)

	deps.manager.StartWorkers()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	// サーバーの起動
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sugar.Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		if err := deps.manager.Shutdown(ctxTimeout); err != nil {
			sugar.Warnw("failed to shut down queue", "error", err)
		}
	}()

	sugar.Infof("Starting API server on %s (mode: %s, store: %s)", srv.Addr, cfg.GinMode, cfg.StoreBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalw("failed to start server", "error", err)
	}
	<-stopped
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "speaker-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループとメトリクスの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps *jobDeps) {
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := router.Group("/api")
	api.NewHandler(deps.service, deps.files, deps.manager, cfg.MaxFileSize, deps.log).Register(apiGroup)
}
