// Package jobs は圧縮ジョブの非同期ディスパッチを提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/yourusername/pdf-press/internal/compress"
	"github.com/yourusername/pdf-press/internal/config"
	"github.com/yourusername/pdf-press/internal/store"
)

const (
	taskTypeCompress = "compress:process"
	defaultQueueName = "pdfcompress"
)

// TaskPayload は圧縮タスクのペイロードです。ジョブの実体はストア側にあるため、
// キューにはジョブIDだけを載せます。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// Runner は1件のジョブを終了状態まで進められるサービスが実装します。
type Runner interface {
	Run(ctx context.Context, jobID string) (*compress.Result, error)
	DiscardJob(ctx context.Context, jobID, detail string) error
}

// JobReader は再配達時の状態判定に使うジョブ参照です。
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
}

// Manager はジョブの投入とワーカーループを担います。
// APIプロセス内でのバックグラウンド起動と、専用ワーカープロセスでの
// フォアグラウンド実行の両方に対応します。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	queue  string
	runner Runner
	jobs   JobReader
	logger *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner Runner, jobs JobReader, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if jobs == nil {
		return nil, errors.New("jobs is nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	queue := cfg.QueueName
	if queue == "" {
		queue = defaultQueueName
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queue: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		queue:  queue,
		runner: runner,
		jobs:   jobs,
		logger: logger,
	}
	mux.HandleFunc(taskTypeCompress, manager.handleCompressTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Run は Asynq サーバーをフォアグラウンドで実行します。ワーカープロセス用です。
func (m *Manager) Run() error {
	return m.server.Run(m.mux)
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Enqueue はジョブをキューに投入し、タスクIDを返します。
func (m *Manager) Enqueue(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("jobID is required")
	}

	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypeCompress, body, asynq.Queue(m.queue))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// handleCompressTask は1タスクを処理します。現在のジョブ状態を先に確認し、
// 終了済みなら消費、実行中のままならワーカー落ちからの復旧として失敗を記録、
// queued なら実行します。ドメイン上の失敗はジョブ行に記録済みなので消費し、
// 基盤エラーだけを再配達に回します。
func (m *Manager) handleCompressTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	job, err := m.jobs.GetJob(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Printf("dropping task for unknown job=%s", payload.JobID)
			return nil
		}
		return m.retryOrAbandon(ctx, payload.JobID, err)
	}

	switch {
	case job.Status.IsTerminal():
		return nil
	case job.Status == store.StatusRunning:
		// 実行中のままタスクが戻ってきた＝前のワーカーが途中で落ちている。
		// 二重実行はせず、失敗として記録してジョブを確実に終わらせる。
		m.logger.Printf("recovering interrupted job=%s", job.ID)
		if err := m.runner.DiscardJob(ctx, job.ID, "The compression job was interrupted before completion."); err != nil {
			return m.retryOrAbandon(ctx, job.ID, err)
		}
		return nil
	}

	if _, err := m.runner.Run(ctx, payload.JobID); err != nil {
		var coded *compress.Error
		if errors.As(err, &coded) {
			m.logger.Printf("job failed job=%s code=%s", payload.JobID, coded.Code)
			return nil
		}
		return m.retryOrAbandon(ctx, payload.JobID, err)
	}
	return nil
}

// retryOrAbandon は基盤エラーを再配達に回します。再試行の残りが無い場合は
// ジョブを失敗として記録してから諦め、ジョブが黙って消えないようにします。
func (m *Manager) retryOrAbandon(ctx context.Context, jobID string, cause error) error {
	retried, okRetried := asynq.GetRetryCount(ctx)
	maxRetry, okMax := asynq.GetMaxRetry(ctx)
	if okRetried && okMax && retried >= maxRetry {
		m.logger.Printf("abandoning job=%s after %d retries: %v", jobID, retried, cause)
		if err := m.runner.DiscardJob(ctx, jobID, "The compression job was aborted after repeated failures."); err != nil {
			m.logger.Printf("failed to record abandoned job=%s: %v", jobID, err)
		}
	}
	return cause
}
