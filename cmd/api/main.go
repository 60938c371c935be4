// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdf-press/internal/compress"
	"github.com/yourusername/pdf-press/internal/config"
	"github.com/yourusername/pdf-press/internal/identity"
	"github.com/yourusername/pdf-press/internal/jobs"
	"github.com/yourusername/pdf-press/internal/metrics"
	"github.com/yourusername/pdf-press/internal/ratelimit"
	"github.com/yourusername/pdf-press/internal/store"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	logger := log.Default()

	// ジョブストアの初期化
	jobStore, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer jobStore.Close()

	// APIキーの解析（空なら匿名アクセス）
	keyring, err := identity.ParseKeyring(cfg.APIKeys, cfg.AdminAPIKeys)
	if err != nil {
		log.Fatalf("Failed to parse API keys: %v", err)
	}

	// Ghostscriptの検出と圧縮サービスの構築
	tool := compress.DetectTool(cfg.GhostscriptCommand)
	if tool == "" {
		logger.Printf("ghostscript not found; submissions will be rejected until it is installed")
	}
	prom := metrics.NewProm()
	service, err := compress.NewService(cfg, jobStore, compress.NewInvoker(tool, logger), prom, logger)
	if err != nil {
		log.Fatalf("Failed to initialize compression service: %v", err)
	}

	// レート制限の構築
	limiter, err := setupLimiter(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize rate limiter: %v", err)
	}

	// キューの構築（Redis未設定なら同期実行のみ）
	manager, err := setupJobs(cfg, service, jobStore, logger)
	if err != nil {
		log.Fatalf("Failed to initialize job queue: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(securityHeaders())

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		identity.HeaderAPIKey,
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, service, keyring, limiter, prom, manager, logger)

	// APIプロセス内のワーカーを起動（単一バイナリ構成用）
	if manager != nil {
		manager.StartWorkers()
		defer manager.Shutdown(context.Background())
	}

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes は API グループと各ゲートの配線を行います。
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	service *compress.Service,
	keyring *identity.Keyring,
	limiter ratelimit.Limiter,
	prom *metrics.Prom,
	manager *jobs.Manager,
	logger *log.Logger,
) {
	// 誰でも叩けるプローブ類。ジョブストアには触れない。
	router.GET("/healthz", compress.HealthHandler(service.ToolPath, cfg.AppVersion))
	router.GET("/metrics", gin.WrapH(prom.Handler()))

	opts := compress.HandlerOptions{
		AsyncThresholdBytes: cfg.AsyncThresholdBytes,
		AsyncThresholdPages: cfg.AsyncThresholdPages,
	}
	if manager != nil {
		opts.Scheduler = &compressJobScheduler{manager: manager}
	}

	api := router.Group("/api")
	api.Use(identity.Middleware(keyring))
	{
		api.POST("/compress",
			ratelimit.Middleware(limiter, "compress", prom, logger),
			compress.BodyLimit(cfg.MaxContentLength),
			compress.CompressHandler(service, opts),
		)
		api.GET("/version", compress.VersionHandler(cfg.AppVersion, cfg.BuildCommit, cfg.BuildTime))

		jobRoutes := api.Group("/jobs")
		{
			jobRoutes.GET("", compress.JobListHandler(service))
			jobRoutes.GET("/:id", compress.JobStatusHandler(service))
			jobRoutes.GET("/:id/download", compress.JobDownloadHandler(service))
		}
	}
}

// setupLimiter はクォータ文字列とカウンタ保存先から Limiter を構築します。
// 無効化されたデプロイではクォータ文字列を解析しないため、起動が阻害されません。
func setupLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	uri := strings.TrimSpace(cfg.RateLimitStorageURI)
	if uri == "" || strings.EqualFold(uri, "none") {
		return ratelimit.Disabled{}, nil
	}
	quota, err := ratelimit.ParseQuota(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	return ratelimit.New(ratelimit.Config{
		Quota:      quota,
		Scope:      "compress",
		KeyPrefix:  cfg.RateLimitKeyPrefix,
		StorageURI: cfg.RateLimitStorageURI,
	})
}

// securityHeaders は未設定の場合に限り防御系ヘッダーを付与するミドルウェアです。
func securityHeaders() gin.HandlerFunc {
	defaults := map[string]string{
		"Content-Security-Policy": "default-src 'self'",
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
	}
	return func(c *gin.Context) {
		header := c.Writer.Header()
		for key, value := range defaults {
			if header.Get(key) == "" {
				header.Set(key, value)
			}
		}
		c.Next()
	}
}
