package compress

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdf-press/internal/identity"
	"github.com/yourusername/pdf-press/internal/store"
)

// SubmissionService は圧縮送信の受理と実行を提供します。
type SubmissionService interface {
	Submit(ctx context.Context, p SubmitParams) (*Submission, error)
	Run(ctx context.Context, jobID string) (*Result, error)
	DiscardJob(ctx context.Context, jobID, detail string) error
}

// QueryService はジョブの参照系を提供します。
type QueryService interface {
	GetJobFor(ctx context.Context, caller identity.Seed, jobID string) (*store.Job, error)
	ListJobsFor(ctx context.Context, caller identity.Seed, limit, offset int) ([]*store.Job, int, error)
	OpenResult(ctx context.Context, caller identity.Seed, jobID string) (*Result, *os.File, error)
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// HandlerOptions は同期/非同期切り替えのための設定です。
type HandlerOptions struct {
	Scheduler           JobScheduler
	AsyncThresholdBytes int64
	AsyncThresholdPages int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// BodyLimit はリクエストボディの読み取りそのものに上限を課すミドルウェアを返します。
// 上限を超えた読み取りはその時点で打ち切られ、超過分はサーバーに受信されません。
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// CompressHandler は POST /api/compress のハンドラーを返します。
// 受理したジョブを閾値に応じて同期実行するかキューに投入し、
// 同期パスでは Accept ヘッダーに従ってバイナリまたはJSONで応答します。
func CompressHandler(svc SubmissionService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondWithError(c, newError(CodePayloadTooLarge, fmt.Sprintf("The request body exceeds the %d byte limit.", tooLarge.Limit), err))
				return
			}
			respondWithError(c, newError(CodeMissingFile, "A PDF file must be provided in the 'file' form field.", err))
			return
		}
		defer form.RemoveAll()

		seed, _ := identity.FromContext(c)
		preserve := isTruthyFlag(c.PostForm("preserve_images")) || isTruthyFlag(c.PostForm("keep_images"))

		submission, err := svc.Submit(c.Request.Context(), SubmitParams{
			Principal: seed,
			File:      formFile(form, "file"),
			Profile:   c.PostForm("profile"),
			Preserve:  preserve,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		job := submission.Job

		if shouldProcessAsync(submission, opts) {
			if err := opts.Scheduler.Schedule(c.Request.Context(), job.ID); err != nil {
				if discardErr := svc.DiscardJob(c.Request.Context(), job.ID, "The compression job could not be queued."); discardErr != nil {
					err = fmt.Errorf("%w (discard failed: %v)", err, discardErr)
				}
				respondWithError(c, newError(CodeQueueError, "Failed to queue the compression job.", err))
				return
			}
			c.JSON(http.StatusAccepted, gin.H{
				"ok":     true,
				"job_id": job.ID,
				"status": string(store.StatusQueued),
			})
			return
		}

		result, err := svc.Run(c.Request.Context(), job.ID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer result.Cleanup()

		if wantsJSON(c) {
			c.JSON(http.StatusOK, gin.H{
				"ok":               true,
				"original_bytes":   result.OriginalBytes,
				"compressed_bytes": result.CompressedBytes,
				"ratio":            result.Ratio(),
				"profile":          result.Job.CompressionLevel,
				"request_id":       result.Job.ID,
			})
			return
		}

		if err := streamResult(c, result); err != nil {
			respondWithError(c, newError(CodeResultNotFound, "The job result is not available.", err))
		}
	}
}

// JobStatusHandler は GET /api/jobs/:id のハンドラーを返します。
func JobStatusHandler(svc QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		seed, _ := identity.FromContext(c)
		job, err := svc.GetJobFor(c.Request.Context(), seed, c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobJSON(job))
	}
}

// JobListHandler は GET /api/jobs のハンドラーを返します。
// 昇格済みの呼び出し元を除き、一覧は自分のジョブに限定されます。
func JobListHandler(svc QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		seed, _ := identity.FromContext(c)
		limit := parseQueryInt(c, "limit", defaultListLimit)
		if limit <= 0 {
			limit = defaultListLimit
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		offset := parseQueryInt(c, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		jobs, total, err := svc.ListJobsFor(c.Request.Context(), seed, limit, offset)
		if err != nil {
			respondWithError(c, err)
			return
		}

		items := make([]gin.H, 0, len(jobs))
		for _, job := range jobs {
			items = append(items, jobJSON(job))
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":     true,
			"items":  items,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// JobDownloadHandler は GET /api/jobs/:id/download のハンドラーを返します。
// 完了済みジョブの成果物を添付ファイルとして返します。保持期限切れは404です。
func JobDownloadHandler(svc QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		seed, _ := identity.FromContext(c)
		result, file, err := svc.OpenResult(c.Request.Context(), seed, c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		writeAttachmentHeaders(c, result)
		c.DataFromReader(http.StatusOK, result.CompressedBytes, "application/pdf", file, nil)
	}
}

// HealthHandler は GET /healthz のハンドラーを返します。
// ジョブストアには一切触れず、ツールの可用性とバージョンのみを報告します。
func HealthHandler(toolPath func() string, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ghostscript any
		if path := toolPath(); path != "" {
			ghostscript = path
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"ghostscript": ghostscript,
			"version":     version,
		})
	}
}

// VersionHandler は GET /api/version のハンドラーを返します。未設定の項目は省略します。
func VersionHandler(version, commit, buildTime string) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload := gin.H{"version": version}
		if commit != "" {
			payload["commit"] = commit
		}
		if buildTime != "" {
			payload["build_time"] = buildTime
		}
		c.JSON(http.StatusOK, payload)
	}
}

func shouldProcessAsync(submission *Submission, opts HandlerOptions) bool {
	if submission == nil || opts.Scheduler == nil {
		return false
	}
	if opts.AsyncThresholdBytes > 0 && submission.Job.OriginalSizeBytes > opts.AsyncThresholdBytes {
		return true
	}
	if opts.AsyncThresholdPages > 0 && submission.Pages > opts.AsyncThresholdPages {
		return true
	}
	return false
}

// wantsJSON は Accept ヘッダーが application/json を application/pdf より
// 優先している場合に真を返します。指定が無い場合はバイナリ応答です。
func wantsJSON(c *gin.Context) bool {
	return c.NegotiateFormat("application/pdf", "application/json") == "application/json"
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"ok":     false,
			"error":  apiErr.Code,
			"detail": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"ok":     false,
			"error":  CodeRequestCanceled,
			"detail": "The request was canceled.",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":     false,
			"error":  CodeInternal,
			"detail": "An internal server error occurred.",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeMissingFile, CodeInvalidProfile:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeJobNotFound, CodeResultNotFound:
		return http.StatusNotFound
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeToolUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func jobJSON(job *store.Job) gin.H {
	payload := gin.H{
		"id":                  job.ID,
		"status":              string(job.Status),
		"original_filename":   job.OriginalFilename,
		"original_size_bytes": job.OriginalSizeBytes,
		"compression_level":   job.CompressionLevel,
		"preserve_images":     job.PreserveImages,
		"created_at":          job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		payload["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	if job.Status == store.StatusCompleted {
		if job.CompressedSizeBytes != nil {
			payload["compressed_size_bytes"] = *job.CompressedSizeBytes
		}
		payload["download_url"] = "/api/jobs/" + job.ID + "/download"
	}
	if job.Status == store.StatusFailed && job.ErrorMessage != nil {
		payload["error"] = *job.ErrorMessage
	}
	return payload
}

func streamResult(c *gin.Context, result *Result) error {
	file, err := os.Open(result.OutputPath)
	if err != nil {
		return err
	}
	defer file.Close()

	writeAttachmentHeaders(c, result)
	c.DataFromReader(http.StatusOK, result.CompressedBytes, "application/pdf", file, nil)
	return nil
}

func writeAttachmentHeaders(c *gin.Context, result *Result) {
	encodedName := url.PathEscape(result.OutputFilename)
	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.OutputFilename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", result.Job.ID)
}

func formFile(form *multipart.Form, field string) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	if files := form.File[field]; len(files) > 0 {
		return files[0]
	}
	return nil
}

// isTruthyFlag はチェックボックス由来のフォーム値を真偽値として解釈します。
func isTruthyFlag(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseQueryInt(c *gin.Context, name string, fallback int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
