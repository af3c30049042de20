// Package storage は変換成果物と入力ファイルの保存先を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidRef はルート外を指す、または空の参照が渡された場合に返されます。
var ErrInvalidRef = errors.New("invalid storage ref")

// Local はローカルファイルシステムをバックエンドとするストレージです。
// 参照はルートからの相対スラッシュ区切りパスで、そのままダウンロードURLに使えます。
type Local struct {
	root string
}

// NewLocal は root 配下に保存する Local を作成します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("ストレージディレクトリの作成に失敗しました: %w", err)
	}
	return &Local{root: abs}, nil
}

// Store は data を logicalPath に書き込み、参照を返します。一時ファイル経由で置き換えます。
func (l *Local) Store(ctx context.Context, data []byte, logicalPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, full, err := l.resolve(logicalPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリの作成に失敗しました: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("ファイルの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("ファイルの書き込みに失敗しました: %w", err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("ファイルの配置に失敗しました: %w", err)
	}
	return ref, nil
}

// Retrieve は参照先の内容を返します。
func (l *Local) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, full, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Open は参照先をストリーミング用に開きます。
func (l *Local) Open(ref string) (*os.File, os.FileInfo, error) {
	_, full, err := l.resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %s is a directory", ErrInvalidRef, ref)
	}
	return file, info, nil
}

// Purge は prefix 配下をまとめて削除します。
func (l *Local) Purge(ctx context.Context, prefix string) error {
	ref, full, err := l.resolve(prefix)
	if err != nil {
		return err
	}
	if ref == "" || full == l.root {
		return fmt.Errorf("%w: refusing to purge root", ErrInvalidRef)
	}
	return os.RemoveAll(full)
}

func (l *Local) resolve(ref string) (string, string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(ref, "\\", "/"))
	if trimmed == "" {
		return "", "", ErrInvalidRef
	}
	cleaned := path.Clean("/" + trimmed)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", "", ErrInvalidRef
	}
	full := filepath.Join(l.root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(l.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}
	return cleaned, full, nil
}

// ContentType は成果物の拡張子から Content-Type を返します。
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".heic", ".heif":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}
