package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/yourusername/pdf-press/internal/compress"
	"github.com/yourusername/pdf-press/internal/config"
	"github.com/yourusername/pdf-press/internal/store"
)

type stubRunner struct {
	runErr     error
	runCalls   []string
	discards   []string
	discardErr error
}

func (s *stubRunner) Run(ctx context.Context, jobID string) (*compress.Result, error) {
	s.runCalls = append(s.runCalls, jobID)
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &compress.Result{}, nil
}

func (s *stubRunner) DiscardJob(ctx context.Context, jobID, detail string) error {
	s.discards = append(s.discards, jobID+": "+detail)
	return s.discardErr
}

type stubJobs struct {
	job *store.Job
	err error
}

func (s *stubJobs) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	return s.job, s.err
}

func newTestManager(runner Runner, jobs JobReader) *Manager {
	return &Manager{
		runner: runner,
		jobs:   jobs,
		logger: log.New(io.Discard, "", 0),
		queue:  defaultQueueName,
	}
}

func compressTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return asynq.NewTask(taskTypeCompress, body)
}

func statusJob(status store.Status) *store.Job {
	return &store.Job{ID: "job-123", Status: status}
}

func TestHandleCompressTaskRunsQueuedJob(t *testing.T) {
	runner := &stubRunner{}
	manager := newTestManager(runner, &stubJobs{job: statusJob(store.StatusQueued)})

	if err := manager.handleCompressTask(context.Background(), compressTask(t, "job-123")); err != nil {
		t.Fatalf("handleCompressTask returned error: %v", err)
	}
	if len(runner.runCalls) != 1 || runner.runCalls[0] != "job-123" {
		t.Fatalf("unexpected run calls: %v", runner.runCalls)
	}
	if len(runner.discards) != 0 {
		t.Fatalf("unexpected discards: %v", runner.discards)
	}
}

func TestHandleCompressTaskDropsTerminalJob(t *testing.T) {
	for _, status := range []store.Status{store.StatusCompleted, store.StatusFailed} {
		runner := &stubRunner{}
		manager := newTestManager(runner, &stubJobs{job: statusJob(status)})

		if err := manager.handleCompressTask(context.Background(), compressTask(t, "job-123")); err != nil {
			t.Fatalf("status %s: handleCompressTask returned error: %v", status, err)
		}
		if len(runner.runCalls) != 0 || len(runner.discards) != 0 {
			t.Fatalf("status %s: a terminal job must be dropped untouched", status)
		}
	}
}

func TestHandleCompressTaskRecoversInterruptedJob(t *testing.T) {
	runner := &stubRunner{}
	manager := newTestManager(runner, &stubJobs{job: statusJob(store.StatusRunning)})

	if err := manager.handleCompressTask(context.Background(), compressTask(t, "job-123")); err != nil {
		t.Fatalf("handleCompressTask returned error: %v", err)
	}
	// 再配達時にまだ running のままなら、前のワーカーが落ちている
	if len(runner.runCalls) != 0 {
		t.Fatal("an interrupted job must not be re-run")
	}
	if len(runner.discards) != 1 {
		t.Fatalf("unexpected discards: %v", runner.discards)
	}
}

func TestHandleCompressTaskConsumesDomainFailure(t *testing.T) {
	runner := &stubRunner{
		runErr: &compress.Error{Code: compress.CodeToolError, Message: "Ghostscript failed while compressing the file."},
	}
	manager := newTestManager(runner, &stubJobs{job: statusJob(store.StatusQueued)})

	// ジョブ行には失敗が記録済みなので、タスクは消費して再配達しない
	if err := manager.handleCompressTask(context.Background(), compressTask(t, "job-123")); err != nil {
		t.Fatalf("handleCompressTask returned error: %v", err)
	}
	if len(runner.runCalls) != 1 {
		t.Fatalf("unexpected run calls: %v", runner.runCalls)
	}
}

func TestHandleCompressTaskRedeliversInfraFailure(t *testing.T) {
	cause := errors.New("database is locked")
	runner := &stubRunner{runErr: cause}
	manager := newTestManager(runner, &stubJobs{job: statusJob(store.StatusQueued)})

	err := manager.handleCompressTask(context.Background(), compressTask(t, "job-123"))
	if !errors.Is(err, cause) {
		t.Fatalf("infra failures must be returned for redelivery, got %v", err)
	}
	if len(runner.discards) != 0 {
		t.Fatalf("a retryable failure must not discard the job, got %v", runner.discards)
	}
}

func TestHandleCompressTaskDropsUnknownJob(t *testing.T) {
	runner := &stubRunner{}
	manager := newTestManager(runner, &stubJobs{err: store.ErrNotFound})

	if err := manager.handleCompressTask(context.Background(), compressTask(t, "job-123")); err != nil {
		t.Fatalf("handleCompressTask returned error: %v", err)
	}
	if len(runner.runCalls) != 0 {
		t.Fatal("an unknown job must not run")
	}
}

func TestHandleCompressTaskRejectsBadPayload(t *testing.T) {
	runner := &stubRunner{}
	manager := newTestManager(runner, &stubJobs{})

	task := asynq.NewTask(taskTypeCompress, []byte("not json"))
	if err := manager.handleCompressTask(context.Background(), task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}

	if err := manager.handleCompressTask(context.Background(), compressTask(t, "")); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for missing jobId, got %v", err)
	}
	if len(runner.runCalls) != 0 {
		t.Fatal("malformed tasks must not run")
	}
}

func TestEnqueueRequiresJobID(t *testing.T) {
	manager := newTestManager(&stubRunner{}, &stubJobs{})
	if _, err := manager.Enqueue(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty jobID")
	}
}

func TestNewManagerValidation(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cfg := &config.Config{QueueRedisURL: "redis://127.0.0.1:6379/0"}

	if _, err := NewManager(nil, &stubRunner{}, &stubJobs{}, logger); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := NewManager(cfg, nil, &stubJobs{}, logger); err == nil {
		t.Fatal("expected error for nil runner")
	}
	if _, err := NewManager(cfg, &stubRunner{}, nil, logger); err == nil {
		t.Fatal("expected error for nil jobs")
	}

	bad := &config.Config{QueueRedisURL: "not-a-url"}
	if _, err := NewManager(bad, &stubRunner{}, &stubJobs{}, logger); err == nil {
		t.Fatal("expected error for a malformed redis url")
	}
}

func TestNewManagerDefaultsQueueName(t *testing.T) {
	cfg := &config.Config{QueueRedisURL: "redis://127.0.0.1:6379/0"}
	manager, err := NewManager(cfg, &stubRunner{}, &stubJobs{}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer manager.Shutdown(context.Background())

	if manager.queue != defaultQueueName {
		t.Fatalf("unexpected queue name: %s", manager.queue)
	}
}
