// Package storage persists episode audio and artwork and returns public URLs.
package storage

import (
	"context"
	"path"
	"strings"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
)

// PutResult describes a stored object.
type PutResult struct {
	PublicURL string `json:"public_url"`
	Size      int64  `json:"size"`
}

// Store is an object store. Put with overwrite=false leaves an existing object in place
// and reports it.
type Store interface {
	Put(ctx context.Context, body []byte, key, contentType string, overwrite bool) (PutResult, error)
	Delete(ctx context.Context, key string) error
}

// New picks S3 when a bucket is configured and the local filesystem otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.S3Bucket != "" {
		return NewS3Store(ctx, cfg)
	}
	return NewLocalStore(cfg.LocalStorageDir, cfg.LocalPublicBaseURL), nil
}

func sanitizeKey(key string) string {
	key = path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	return strings.TrimPrefix(key, "/")
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
