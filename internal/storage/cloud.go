package storage

import (
	"context"
	"io"
	"net/url"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// CloudStorage is an object store keeping client uploads.
type CloudStorage interface {
	// PresignUpload returns an URL the client can PUT the object to until
	// ttl elapses. The upload must use contentType.
	PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (*url.URL, error)
	// List returns all objects below prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// ListPrefixes returns the names of the direct sub prefixes of prefix
	// without the trailing slash.
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, key string, w io.Writer) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	TotalSize(ctx context.Context, prefix string) (int64, error)
}
