package main

import (
	"context"
	"log"

	"github.com/yourusername/pdf-press/internal/compress"
	"github.com/yourusername/pdf-press/internal/config"
	"github.com/yourusername/pdf-press/internal/jobs"
	"github.com/yourusername/pdf-press/internal/store"
)

// compressJobScheduler は jobs.Manager を compress.JobScheduler に適合させます。
type compressJobScheduler struct {
	manager *jobs.Manager
}

func (s *compressJobScheduler) Schedule(ctx context.Context, jobID string) error {
	_, err := s.manager.Enqueue(ctx, jobID)
	return err
}

// setupJobs はキューマネージャーを構築します。Redisが未設定の場合は nil を返し、
// すべての送信が同期実行になります。
func setupJobs(cfg *config.Config, service *compress.Service, jobStore *store.Store, logger *log.Logger) (*jobs.Manager, error) {
	if cfg.QueueRedisURL == "" {
		logger.Printf("queue redis url is empty; running in synchronous mode")
		return nil, nil
	}
	return jobs.NewManager(cfg, service, jobStore, logger)
}
