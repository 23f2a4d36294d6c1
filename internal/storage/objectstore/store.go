package objectstore

import (
	"context"
	"io"
	"time"
)

// Store abstracts S3-compatible object storage.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	// PutIfAbsent writes only when no object exists at key (If-None-Match: *).
	PutIfAbsent(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string, recursive bool) ([]ObjectInfo, error)
	FGet(ctx context.Context, bucket, key, filePath string) error
	FPut(ctx context.Context, bucket, key, filePath string) error
	EnsureBucket(ctx context.Context, bucket string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
