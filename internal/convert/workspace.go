package convert

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourusername/heic-forge/internal/queue"
)

// workspace は試行ごとの作業ディレクトリです。同じジョブの別の試行とは共有しません。
type workspace struct {
	dir    string
	outDir string
}

func (e *Engine) createWorkspace(jobID string) (workspace, error) {
	if err := os.MkdirAll(e.cfg.WorkDir, 0o750); err != nil {
		return workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	dir, err := os.MkdirTemp(e.cfg.WorkDir, jobID+"-*")
	if err != nil {
		return workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	ws := workspace{
		dir:    dir,
		outDir: filepath.Join(dir, "out"),
	}
	if err := os.MkdirAll(ws.outDir, 0o750); err != nil {
		return workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	return ws, nil
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// ProgressFunc は進捗通知用コールバックです。
type ProgressFunc func(queue.ProgressEvent)

func reportProgress(cb ProgressFunc, ev queue.ProgressEvent) {
	if cb == nil {
		return
	}
	if ev.Percentage < 0 {
		ev.Percentage = 0
	}
	if ev.Percentage > 100 {
		ev.Percentage = 100
	}
	cb(ev)
}

// percentBefore は i 番目（0始まり）のファイルに着手する時点の進捗率です。
func percentBefore(i, total int) int {
	if total <= 0 {
		return 0
	}
	return (i*100 + total/2) / total
}
