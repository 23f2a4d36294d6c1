package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"

	platformstore "github.com/animus-labs/animus-grid/internal/platform/objectstore"
	"github.com/animus-labs/animus-grid/internal/storage"
)

type MinioStore struct {
	client *minio.Client
	region string
}

func NewMinioStore(cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client, region: cfg.Region}, nil
}

func NewMinioStoreWithClient(client *minio.Client, region string) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioStore{client: client, region: region}, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, bucket, key, body, size, opts)
	return mapError(bucket, key, err)
}

func (s *MinioStore) PutIfAbsent(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	opts.SetMatchETagExcept("*")
	_, err := s.client.PutObject(ctx, bucket, key, body, size, opts)
	return mapError(bucket, key, err)
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if s == nil || s.client == nil {
		return nil, ObjectInfo{}, fmt.Errorf("minio store not initialized")
	}
	info, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapError(bucket, key, err)
	}
	return obj, info, nil
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if s == nil || s.client == nil {
		return ObjectInfo{}, fmt.Errorf("minio store not initialized")
	}
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapError(bucket, key, err)
	}
	return toObjectInfo(info), nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	return mapError(bucket, key, s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

func (s *MinioStore) List(ctx context.Context, bucket, prefix string, recursive bool) ([]ObjectInfo, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("minio store not initialized")
	}
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if obj.Err != nil {
			return nil, mapError(bucket, prefix, obj.Err)
		}
		out = append(out, toObjectInfo(obj))
	}
	return out, nil
}

func (s *MinioStore) FGet(ctx context.Context, bucket, key, filePath string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	return mapError(bucket, key, s.client.FGetObject(ctx, bucket, key, filePath, minio.GetObjectOptions{}))
}

func (s *MinioStore) FPut(ctx context.Context, bucket, key, filePath string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	_, err := s.client.FPutObject(ctx, bucket, key, filePath, minio.PutObjectOptions{})
	return mapError(bucket, key, err)
}

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	return platformstore.EnsureBucket(ctx, s.client, bucket, s.region)
}

func toObjectInfo(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

// mapError translates S3 error responses into storage sentinels. A 409
// ConditionalRequestConflict means a concurrent conditional write is in
// flight for the same key, which is a lost race just like 412.
func mapError(bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s/%s", storage.ErrNotFound, bucket, key)
	case resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s/%s", storage.ErrAlreadyExists, bucket, key)
	case resp.Code == "ConditionalRequestConflict":
		return fmt.Errorf("%w: %s/%s", storage.ErrAlreadyExists, bucket, key)
	}
	return err
}
