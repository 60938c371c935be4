// Package compress はPDF圧縮ジョブの検証・永続化・実行を提供します。
package compress

// APIのエラーコード。レスポンスの error フィールドにそのまま載ります。
const (
	CodeMissingFile      = "missing_file"
	CodeInvalidProfile   = "invalid_profile"
	CodeUnsupportedMedia = "unsupported_media_type"
	CodePayloadTooLarge  = "payload_too_large"
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = "rate_limited"
	CodeJobNotFound      = "job_not_found"
	CodeResultNotFound   = "result_not_found"
	CodeStorageError     = "storage_error"
	CodeToolNotFound     = "ghostscript_not_found"
	CodeToolError        = "ghostscript_error"
	CodeToolUnavailable  = "ghostscript_unavailable"
	CodeQueueError       = "queue_error"
	CodeInternal         = "internal_error"
	CodeRequestCanceled  = "request_canceled"
)

// Error は呼び出し元へ返しても安全なエラー情報を保持します。
// Message には外部ツールの生の出力などを含めてはいけません。
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error は error インターフェースを実装します。
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap は原因となったエラーを返します。
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
