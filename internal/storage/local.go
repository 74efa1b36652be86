package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes objects under a base directory.
type LocalStore struct {
	baseDir    string
	publicBase string
}

func NewLocalStore(baseDir, publicBase string) *LocalStore {
	if baseDir == "" {
		baseDir = "./output"
	}
	return &LocalStore{baseDir: baseDir, publicBase: publicBase}
}

func (l *LocalStore) Put(_ context.Context, body []byte, key, _ string, overwrite bool) (PutResult, error) {
	key = sanitizeKey(key)
	dest := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if !overwrite {
		if info, err := os.Stat(dest); err == nil {
			return PutResult{PublicURL: l.url(key), Size: info.Size()}, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("create dirs: %w", err)
	}
	tmp := dest + ".part"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return PutResult{}, fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return PutResult{}, fmt.Errorf("rename file: %w", err)
	}
	return PutResult{PublicURL: l.url(key), Size: int64(len(body))}, nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key))))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (l *LocalStore) url(key string) string {
	if l.publicBase == "" {
		return filepath.Join(l.baseDir, filepath.FromSlash(key))
	}
	return joinURL(l.publicBase, key)
}
