package compress

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/yourusername/pdf-press/internal/store"
)

const (
	defaultDownloadStem  = "document"
	defaultExpireMinutes = 10
)

// Result は完了した圧縮ジョブの成果を表します。
type Result struct {
	Job             *store.Job
	OutputPath      string
	OutputFilename  string
	OriginalBytes   int64
	CompressedBytes int64

	ws *Workspace
}

// Cleanup は成果物と入力の一時ファイルを削除します。何度呼んでも安全です。
func (r *Result) Cleanup() {
	if r == nil {
		return
	}
	r.ws.Cleanup()
}

// Ratio は圧縮後サイズの比率を小数4桁で返します。元サイズが0のときは0です。
func (r *Result) Ratio() float64 {
	if r.OriginalBytes <= 0 {
		return 0
	}
	ratio := float64(r.CompressedBytes) / float64(r.OriginalBytes)
	return math.Round(ratio*10000) / 10000
}

// buildDownloadName は元のファイル名からダウンロード用の安全な名前を作ります。
// 拡張子を除いた部分を無害化し、空になった場合は既定の名前を使います。
func buildDownloadName(originalFilename string) string {
	stem := defaultDownloadStem
	if originalFilename != "" {
		base := filepath.Base(originalFilename)
		if sanitized := sanitizeStem(strings.TrimSuffix(base, filepath.Ext(base))); sanitized != "" {
			stem = sanitized
		}
	}
	return stem + "-compressed.pdf"
}

// sanitizeStem は英数字とドット、ハイフン、アンダースコアのみを残します。
// 空白はアンダースコアに置き換え、それ以外の文字は取り除きます。
func sanitizeStem(stem string) string {
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "._-")
}
