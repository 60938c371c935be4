package compress

import (
	"os"
	"os/exec"
	"path/filepath"
)

// toolCandidates はPATH上で探すGhostscript実行ファイル名の候補です。
var toolCandidates = []string{"gs", "gswin64c", "gswin32c"}

// DetectTool はGhostscript実行ファイルの場所を解決します。
// override が指定された場合はそれを優先し、PATH解決またはファイルの存在を確認します。
// 見つからない場合は空文字列を返します。このとき送信は 503 で拒否されます。
func DetectTool(override string) string {
	if override != "" {
		if resolved, err := exec.LookPath(override); err == nil {
			return resolved
		}
		if _, err := os.Stat(override); err == nil {
			return override
		}
	}

	for _, candidate := range toolCandidates {
		if resolved, err := exec.LookPath(candidate); err == nil {
			return resolved
		}
	}

	return detectWindowsInstall()
}

// detectWindowsInstall はWindowsの標準インストール先からGhostscriptを探します。
func detectWindowsInstall() string {
	roots := []string{
		os.Getenv("PROGRAMFILES"),
		os.Getenv("PROGRAMFILES(X86)"),
		os.Getenv("LOCALAPPDATA"),
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		dirs, err := filepath.Glob(filepath.Join(root, "gs", "gs*", "bin"))
		if err != nil {
			continue
		}
		for _, dir := range dirs {
			for _, name := range []string{"gswin64c.exe", "gswin32c.exe", "gs.exe"} {
				candidate := filepath.Join(dir, name)
				if _, err := os.Stat(candidate); err == nil {
					return candidate
				}
			}
		}
	}
	return ""
}
