package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"strings"
)

// Profile は圧縮プロファイルを表します。Ghostscriptのプリセットに対応します。
type Profile string

const (
	ProfileLow    Profile = "low"
	ProfileMedium Profile = "medium"
	ProfileHigh   Profile = "high"
)

// compressionPresets はプロファイルとGhostscriptプリセットの対応表です。
var compressionPresets = map[Profile]string{
	ProfileLow:    "/printer",
	ProfileMedium: "/ebook",
	ProfileHigh:   "/screen",
}

// normalizeProfile はフォーム入力のプロファイルを検証します。未指定は medium です。
func normalizeProfile(raw string) (Profile, error) {
	profile := Profile(strings.ToLower(strings.TrimSpace(raw)))
	if profile == "" {
		return ProfileMedium, nil
	}
	if _, ok := compressionPresets[profile]; !ok {
		return "", newError(CodeInvalidProfile, "Profile must be one of: low, medium, high.", nil)
	}
	return profile, nil
}

// Invocation は外部ツール実行の結果サイズを保持します。
type Invocation struct {
	BytesIn  int64
	BytesOut int64
}

// Invoker はGhostscriptコマンドを組み立てて実行します。
// ジョブの状態遷移は行わず、成否のみを呼び出し元へ返します。
type Invoker struct {
	tool   string
	logger *log.Logger
}

// NewInvoker は Invoker を作成します。tool が空の場合、実行は常に失敗します。
func NewInvoker(tool string, logger *log.Logger) *Invoker {
	if logger == nil {
		logger = log.Default()
	}
	return &Invoker{tool: tool, logger: logger}
}

// Tool は解決済みの実行ファイルパスを返します。未検出の場合は空文字列です。
func (iv *Invoker) Tool() string {
	return iv.tool
}

// Available はGhostscriptが利用可能かどうかを返します。
func (iv *Invoker) Available() bool {
	return iv.tool != ""
}

// Invoke は入力PDFを圧縮し、入出力のバイト数を返します。
// 標準出力と標準エラーはまとめて取り込み、失敗時はサーバーログにのみ全文を残します。
func (iv *Invoker) Invoke(ctx context.Context, inputPath, outputPath string, profile Profile, preserveImages bool) (*Invocation, error) {
	args := ghostscriptArgs(inputPath, outputPath, profile, preserveImages)

	cmd := exec.CommandContext(ctx, iv.tool, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			iv.logger.Printf("ghostscript executable not found: %s", iv.tool)
			return nil, newError(CodeToolNotFound, "Ghostscript is not installed on the server.", err)
		}
		iv.logger.Printf("ghostscript failed input=%s profile=%s: %v: %s", inputPath, profile, err, output.String())
		return nil, newError(CodeToolError, "Ghostscript failed while compressing the file.", err)
	}

	inInfo, err := os.Stat(inputPath)
	if err != nil {
		return nil, newError(CodeToolError, "Ghostscript failed while compressing the file.", err)
	}
	outInfo, err := os.Stat(outputPath)
	if err != nil {
		iv.logger.Printf("ghostscript produced no output input=%s: %s", inputPath, output.String())
		return nil, newError(CodeToolError, "Ghostscript failed while compressing the file.", err)
	}

	return &Invocation{
		BytesIn:  inInfo.Size(),
		BytesOut: outInfo.Size(),
	}, nil
}

// ghostscriptArgs は圧縮コマンドの引数を決定的な順序で構築します。
// preserveImages が真の場合はダウンサンプリングを無効化するオプションを加えます。
func ghostscriptArgs(inputPath, outputPath string, profile Profile, preserveImages bool) []string {
	preset := compressionPresets[profile]

	args := []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		fmt.Sprintf("-dPDFSETTINGS=%s", preset),
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		fmt.Sprintf("-sOutputFile=%s", normalizeToolPath(outputPath)),
	}

	if preserveImages {
		args = append(args,
			"-dDownsampleColorImages=false",
			"-dDownsampleGrayImages=false",
			"-dDownsampleMonoImages=false",
		)
	}

	return append(args, normalizeToolPath(inputPath))
}

// normalizeToolPath はパス区切りをGhostscriptが確実に解釈できる形に揃えます。
func normalizeToolPath(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}
