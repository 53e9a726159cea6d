// Package storage はジョブの入力と成果物を保存するオブジェクトストアを提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound はキーに対応するオブジェクトがないことを表します。
	ErrNotFound = errors.New("storage: object not found")
	// ErrInvalidKey はキーが空、またはルート外を指していることを表します。
	ErrInvalidKey = errors.New("storage: invalid key")
)

// ObjectStore はオブジェクトストアの操作です。
// Put の直後に同じプロセスから Get した場合、書き込んだ内容が読めることを前提とします。
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// LocalStore はローカルファイルシステム上のオブジェクトストアです。開発環境と単一ホスト構成向けです。
type LocalStore struct {
	basePath  string
	publicURL string
}

// NewLocalStore は basePath をルートとする LocalStore を作成します。
// publicURL を指定すると Put はそのURLの下のアドレスを返します。
func NewLocalStore(basePath, publicURL string) (*LocalStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &LocalStore{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// BasePath はルートディレクトリを返します。
func (s *LocalStore) BasePath() string {
	return s.basePath
}

// Put は data を key に保存し、オブジェクトのURLを返します。
// 一時ファイルに書いてから rename するため、読み手が書きかけの内容を見ることはありません。
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, fullPath, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("storage: close file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("storage: rename file: %w", err)
	}
	return s.url(cleanKey, fullPath), nil
}

// Get は key の内容を返します。
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

// Delete は key を削除します。存在しない場合も成功します。
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete file: %w", err)
	}
	return nil
}

func (s *LocalStore) resolve(key string) (string, string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	return cleanKey, filepath.Join(s.basePath, filepath.FromSlash(cleanKey)), nil
}

func (s *LocalStore) url(cleanKey, fullPath string) string {
	if s.publicURL == "" {
		return "file://" + filepath.ToSlash(fullPath)
	}
	parts := strings.Split(cleanKey, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return s.publicURL + "/" + strings.Join(parts, "/")
}

// sanitizeKey はキーを正規化し、ルートの外に出るキーを拒否します。
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

var _ ObjectStore = (*LocalStore)(nil)
