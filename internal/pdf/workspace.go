package pdf

import (
	"fmt"
	"os"
)

// workspace は外部コマンドに渡すための一時ディレクトリです。
type workspace struct {
	dir string
}

func createWorkspace(base string) (workspace, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o750); err != nil {
			return workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "transform-*")
	if err != nil {
		return workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	return workspace{dir: dir}, nil
}

func (w workspace) remove() {
	if w.dir == "" {
		return
	}
	_ = os.RemoveAll(w.dir)
}
