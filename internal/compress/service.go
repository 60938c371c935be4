package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdf-press/internal/config"
	"github.com/yourusername/pdf-press/internal/identity"
	"github.com/yourusername/pdf-press/internal/metrics"
	"github.com/yourusername/pdf-press/internal/store"
)

// JobStore はジョブ永続化レイヤーに要求する操作の集合です。
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (*store.Job, error)
	Transition(ctx context.Context, jobID string, to store.Status, p store.TransitionParams) (*store.Job, error)
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
	ListJobs(ctx context.Context, principalID string, limit, offset int) ([]*store.Job, int, error)
	GetPrincipalByEmail(ctx context.Context, email string) (*store.Principal, error)
}

// Service は圧縮パイプラインの中核です。送信の検証とジョブ作成、
// 外部ツールの実行、終了状態への遷移、一時ファイルの後始末を担います。
type Service struct {
	cfg       *config.Config
	store     JobStore
	invoker   *Invoker
	metrics   metrics.Metrics
	logger    *log.Logger
	now       func() time.Time
	pageCount func(path string) (int, error)
}

// NewService は Service を初期化し、一時ファイル置き場を作成します。
func NewService(cfg *config.Config, jobStore JobStore, invoker *Invoker, m metrics.Metrics, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if jobStore == nil {
		return nil, errors.New("jobStore is nil")
	}
	if invoker == nil {
		return nil, errors.New("invoker is nil")
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = log.Default()
	}

	for _, dir := range []string{cfg.UploadDir, cfg.CompressedDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create temp dir %s: %w", dir, err)
		}
	}

	return &Service{
		cfg:       cfg,
		store:     jobStore,
		invoker:   invoker,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		pageCount: pdfapi.PageCountFile,
	}, nil
}

// ToolPath は解決済みのGhostscriptパスを返します。ヘルスチェック用です。
func (s *Service) ToolPath() string {
	return s.invoker.Tool()
}

// SubmitParams は1回の圧縮依頼の入力です。
type SubmitParams struct {
	Principal identity.Seed
	File      *multipart.FileHeader
	Profile   string
	Preserve  bool
}

// Submission は受理されたジョブと入力ファイルの配置結果を表します。
type Submission struct {
	Job       *store.Job
	Workspace *Workspace
	Pages     int
}

// Submit は送信を検証し、queued 状態のジョブを作成して入力ファイルを配置します。
// 検証で弾かれた送信はジョブ行も一時ファイルも一切残しません。
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*Submission, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.File == nil || p.File.Filename == "" {
		return nil, newError(CodeMissingFile, "A PDF file must be provided in the 'file' form field.", nil)
	}

	profile, err := normalizeProfile(p.Profile)
	if err != nil {
		return nil, err
	}
	if err := s.validatePDF(p.File); err != nil {
		return nil, err
	}
	if p.File.Size > s.cfg.MaxContentLength {
		detail := fmt.Sprintf("The uploaded file exceeds the %s MiB limit.", formatLimitMiB(s.cfg.MaxContentLength))
		return nil, newError(CodePayloadTooLarge, detail, nil)
	}
	// 送信内容の検査を先に済ませ、ツール不在の503は整形式の送信にだけ返す。
	if !s.invoker.Available() {
		return nil, newError(CodeToolUnavailable, "Ghostscript is not available on the server. Please install it and ensure it can be executed.", nil)
	}

	principal := p.Principal
	if principal.Email == "" {
		principal = identity.AnonymousSeed()
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Email:             principal.Email,
		FullName:          principal.FullName,
		HashedPassword:    principal.HashedCredential,
		OriginalFilename:  filepath.Base(p.File.Filename),
		OriginalSizeBytes: p.File.Size,
		CompressionLevel:  string(profile),
		PreserveImages:    p.Preserve,
	})
	if err != nil {
		return nil, newError(CodeStorageError, "Failed to persist the compression job.", err)
	}
	s.metrics.JobSubmitted(string(profile))

	ws := s.workspaceFor(job.ID)
	if err := saveUpload(p.File, ws.InputPath); err != nil {
		s.logger.Printf("failed to save uploaded file job=%s: %v", job.ID, err)
		return nil, s.failSubmission(ctx, job.ID, ws, CodeStorageError, "Failed to save the uploaded file.", err)
	}

	pages := s.countPages(ws.InputPath)
	if s.cfg.MaxPages > 0 && pages > s.cfg.MaxPages {
		detail := fmt.Sprintf("The document exceeds the %d page limit.", s.cfg.MaxPages)
		return nil, s.failSubmission(ctx, job.ID, ws, CodePayloadTooLarge, detail, nil)
	}

	return &Submission{Job: job, Workspace: ws, Pages: pages}, nil
}

// Run は queued 状態のジョブをクレームして外部ツールを実行し、終了状態まで進めます。
// クレームは現在状態を条件に含むUPDATEで行われるため、同一ジョブを同時に
// 実行できるワーカーは常に1つだけです。
func (s *Service) Run(ctx context.Context, jobID string) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("jobID is required")
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(CodeJobNotFound, "The requested job does not exist.", err)
		}
		return nil, err
	}

	ws := s.workspaceFor(job.ID)

	if _, err := s.store.Transition(ctx, job.ID, store.StatusRunning, store.TransitionParams{}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// 別ワーカーに先を越されたか、ディスパッチャの不整合。このジョブ限りの失敗に留める。
			s.logger.Printf("job claim rejected job=%s status=%s: %v", job.ID, job.Status, err)
			return nil, newError(CodeInternal, "The compression job could not be started.", err)
		}
		return nil, err
	}

	profile := Profile(job.CompressionLevel)
	started := s.now()
	invocation, err := s.invoker.Invoke(ctx, ws.InputPath, ws.OutputPath, profile, job.PreserveImages)
	if err != nil {
		return nil, s.failRun(ctx, job.ID, ws, err)
	}

	completed, err := s.store.Transition(ctx, job.ID, store.StatusCompleted, store.TransitionParams{
		CompressedSize: &invocation.BytesOut,
	})
	if err != nil {
		return nil, s.failRun(ctx, job.ID, ws, newError(CodeStorageError, "Failed to persist the compression job.", err))
	}

	s.metrics.JobCompleted(string(store.StatusCompleted))
	s.metrics.ObserveCompressDuration(string(profile), s.now().Sub(started).Seconds())
	s.scheduleExpiry(ws)

	return &Result{
		Job:             completed,
		OutputPath:      ws.OutputPath,
		OutputFilename:  buildDownloadName(completed.OriginalFilename),
		OriginalBytes:   invocation.BytesIn,
		CompressedBytes: invocation.BytesOut,
		ws:              ws,
	}, nil
}

// DiscardJob は実行に入れなかったジョブを失敗として記録し、一時ファイルを削除します。
// キュー投入の失敗や中断からの復旧で使われます。
func (s *Service) DiscardJob(ctx context.Context, jobID, detail string) error {
	if detail == "" {
		detail = "The compression job was aborted before completion."
	}
	ws := s.workspaceFor(jobID)
	defer ws.Cleanup()

	if _, err := s.store.Transition(ctx, jobID, store.StatusFailed, store.TransitionParams{ErrorMessage: detail}); err != nil {
		return err
	}
	s.metrics.JobCompleted(string(store.StatusFailed))
	return nil
}

// GetJobFor は呼び出し元が参照できるジョブを1件返します。
// 昇格済みでない限り、他の依頼主のジョブは存在しないものとして扱います。
func (s *Service) GetJobFor(ctx context.Context, caller identity.Seed, jobID string) (*store.Job, error) {
	notFound := newError(CodeJobNotFound, "The requested job does not exist.", nil)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound
		}
		return nil, newError(CodeInternal, "Failed to load the job record.", err)
	}
	if caller.Elevated {
		return job, nil
	}

	principal, err := s.store.GetPrincipalByEmail(ctx, caller.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound
		}
		return nil, newError(CodeInternal, "Failed to load the job record.", err)
	}
	if job.PrincipalID != principal.ID {
		return nil, notFound
	}
	return job, nil
}

// ListJobsFor は呼び出し元のジョブ一覧と総件数を返します。昇格済みは全件が対象です。
func (s *Service) ListJobsFor(ctx context.Context, caller identity.Seed, limit, offset int) ([]*store.Job, int, error) {
	principalID := ""
	if !caller.Elevated {
		principal, err := s.store.GetPrincipalByEmail(ctx, caller.Email)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// まだ1件もジョブを作っていない呼び出し元
				return nil, 0, nil
			}
			return nil, 0, newError(CodeInternal, "Failed to load the job records.", err)
		}
		principalID = principal.ID
	}

	jobs, total, err := s.store.ListJobs(ctx, principalID, limit, offset)
	if err != nil {
		return nil, 0, newError(CodeInternal, "Failed to load the job records.", err)
	}
	return jobs, total, nil
}

// OpenResult は完了済みジョブの成果物を開きます。保持期限を過ぎたものは存在しない扱いです。
func (s *Service) OpenResult(ctx context.Context, caller identity.Seed, jobID string) (*Result, *os.File, error) {
	job, err := s.GetJobFor(ctx, caller, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != store.StatusCompleted {
		return nil, nil, newError(CodeResultNotFound, "The job result is not available.", nil)
	}

	ws := s.workspaceFor(job.ID)
	file, err := os.Open(ws.OutputPath)
	if err != nil {
		return nil, nil, newError(CodeResultNotFound, "The job result is no longer available.", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, newError(CodeResultNotFound, "The job result is no longer available.", err)
	}

	result := &Result{
		Job:             job,
		OutputPath:      ws.OutputPath,
		OutputFilename:  buildDownloadName(job.OriginalFilename),
		OriginalBytes:   job.OriginalSizeBytes,
		CompressedBytes: info.Size(),
	}
	return result, file, nil
}

// failSubmission は実行前の失敗をジョブへ記録し、一時ファイルを削除します。
func (s *Service) failSubmission(ctx context.Context, jobID string, ws *Workspace, code, detail string, cause error) error {
	if _, err := s.store.Transition(ctx, jobID, store.StatusFailed, store.TransitionParams{ErrorMessage: detail}); err != nil {
		s.logger.Printf("failed to mark job failed job=%s: %v", jobID, err)
	} else {
		s.metrics.JobCompleted(string(store.StatusFailed))
	}
	ws.Cleanup()
	return newError(code, detail, cause)
}

// failRun は実行中の失敗を終了状態として記録し、一時ファイルを削除して原因を返します。
func (s *Service) failRun(ctx context.Context, jobID string, ws *Workspace, cause error) error {
	detail := "Ghostscript failed while compressing the file."
	var coded *Error
	if errors.As(cause, &coded) {
		detail = coded.Message
	}
	if _, err := s.store.Transition(ctx, jobID, store.StatusFailed, store.TransitionParams{ErrorMessage: detail}); err != nil {
		s.logger.Printf("failed to mark job failed job=%s: %v", jobID, err)
	} else {
		s.metrics.JobCompleted(string(store.StatusFailed))
	}
	ws.Cleanup()
	return cause
}

// scheduleExpiry は保持期限が過ぎた時点でワークスペースを削除します。
// 同期応答後の即時削除と重なっても、削除は一度しか実行されません。
func (s *Service) scheduleExpiry(ws *Workspace) {
	minutes := s.cfg.JobExpireMinutes
	if minutes <= 0 {
		minutes = defaultExpireMinutes
	}
	time.AfterFunc(time.Duration(minutes)*time.Minute, ws.Cleanup)
}

// validatePDF は拡張子、内容のスニッフィング、先頭バイトの3点でPDFであることを確かめます。
func (s *Service) validatePDF(file *multipart.FileHeader) error {
	invalid := newError(CodeUnsupportedMedia, "Only PDF documents are supported for compression.", nil)

	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
		return invalid
	}

	f, err := file.Open()
	if err != nil {
		return newError(CodeStorageError, "Failed to save the uploaded file.", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return newError(CodeStorageError, "Failed to save the uploaded file.", err)
	}
	head = head[:n]

	if !bytes.HasPrefix(head, []byte("%PDF-")) {
		return invalid
	}
	if !mimetype.Detect(head).Is("application/pdf") {
		return invalid
	}
	return nil
}

// countPages はページ数を数えます。解析に失敗した場合は 0 を返し、拒否はしません。
func (s *Service) countPages(path string) int {
	pages, err := s.pageCount(path)
	if err != nil {
		s.logger.Printf("page count failed for %s: %v", path, err)
		return 0
	}
	return pages
}

// saveUpload はアップロードされたファイルをワークスペースの入力パスへ書き出します。
func saveUpload(file *multipart.FileHeader, dst string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// formatLimitMiB はサイズ上限を MiB 表記に整形します。端数がある場合のみ小数2桁です。
func formatLimitMiB(limit int64) string {
	mib := float64(limit) / (1 << 20)
	if mib == math.Trunc(mib) {
		return strconv.FormatFloat(mib, 'f', 0, 64)
	}
	return strconv.FormatFloat(mib, 'f', 2, 64)
}
