package compress

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Workspace は1ジョブが占有する入出力の一時ファイル対です。
// パスはジョブIDから導出されるため、キュー越しの別プロセスでも再構成できます。
type Workspace struct {
	JobID      string
	InputPath  string
	OutputPath string

	logger      *log.Logger
	cleanupOnce sync.Once
}

// workspaceFor はジョブIDに対応するワークスペースを返します。
func (s *Service) workspaceFor(jobID string) *Workspace {
	return &Workspace{
		JobID:      jobID,
		InputPath:  filepath.Join(s.cfg.UploadDir, jobID+".pdf"),
		OutputPath: filepath.Join(s.cfg.CompressedDir, jobID+".pdf"),
		logger:     s.logger,
	}
}

// Cleanup は入出力の一時ファイルを削除します。何度呼ばれても削除は一度だけ実行され、
// 削除の失敗は警告ログに残すのみでジョブの結果には影響させません。
func (w *Workspace) Cleanup() {
	if w == nil {
		return
	}
	w.cleanupOnce.Do(func() {
		for _, path := range []string{w.InputPath, w.OutputPath} {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				if w.logger != nil {
					w.logger.Printf("could not remove temporary file %s: %v", path, err)
				}
			}
		}
	})
}
