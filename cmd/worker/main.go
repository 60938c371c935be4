// Package main はキューコンシューマーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"time"

	"github.com/yourusername/pdf-press/internal/compress"
	"github.com/yourusername/pdf-press/internal/config"
	"github.com/yourusername/pdf-press/internal/jobs"
	"github.com/yourusername/pdf-press/internal/metrics"
	"github.com/yourusername/pdf-press/internal/store"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()

	// ジョブストアの初期化（APIプロセスと同じデータベースを共有する）
	jobStore, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer jobStore.Close()

	// Ghostscriptの検出と圧縮サービスの構築
	tool := compress.DetectTool(cfg.GhostscriptCommand)
	if tool == "" {
		logger.Printf("ghostscript not found; queued jobs will fail until it is installed")
	}
	prom := metrics.NewProm()
	service, err := compress.NewService(cfg, jobStore, compress.NewInvoker(tool, logger), prom, logger)
	if err != nil {
		log.Fatalf("Failed to initialize compression service: %v", err)
	}

	// 非同期デプロイでは完了数や処理時間はこのプロセスでしか観測できないため、
	// ワーカー自身も /metrics を公開する。
	go serveMetrics(cfg.WorkerMetricsPort, prom, logger)

	manager, err := jobs.NewManager(cfg, service, jobStore, logger)
	if err != nil {
		log.Fatalf("Failed to initialize job queue: %v", err)
	}

	// ワーカーループをフォアグラウンドで実行
	log.Printf("Starting compression worker (queue: %s)", cfg.QueueName)
	if err := manager.Run(); err != nil {
		log.Fatalf("Worker stopped with error: %v", err)
	}
}

// serveMetrics はワーカープロセスの計測エンドポイントを公開します。
func serveMetrics(port string, prom *metrics.Prom, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Printf("worker metrics on %s/metrics", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("metrics server error: %v", err)
	}
}
