// Package storage keeps uploaded logs and pipeline outputs in a blob store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kiranshivaraju/procmine/internal/config"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// Blob stores opaque objects under slash-separated keys.
type Blob interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// URL is the stable public location of key.
	URL(key string) string
	Ping(ctx context.Context) error
}

// New builds the backend selected by cfg.Provider. Called once at startup.
func New(ctx context.Context, cfg config.StorageConfig) (Blob, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocalStore(cfg.Root, cfg.MediaURL)
	case "minio":
		return NewMinioStore(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("unknown storage provider %q: must be one of local, minio", cfg.Provider)
	}
}
