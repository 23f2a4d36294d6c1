package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/animus-labs/animus-grid/internal/storage"
)

// Backend exposes a Store through storage.Backend. Paths are "bucket/key";
// directories exist only as key prefixes or "key/" placeholder objects.
type Backend struct {
	store Store
}

func NewBackend(store Store) (*Backend, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	return &Backend{store: store}, nil
}

// Split separates a "bucket/key" path.
func Split(p string) (string, string, error) {
	p = strings.TrimLeft(strings.TrimSpace(p), "/")
	bucket, key, _ := strings.Cut(p, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("object path %q has no bucket", p)
	}
	return bucket, key, nil
}

func dirKey(key string) string {
	return strings.TrimSuffix(key, "/") + "/"
}

func (b *Backend) CreateExclusive(ctx context.Context, p string, content []byte) error {
	bucket, key, err := Split(p)
	if err != nil {
		return err
	}
	return b.store.PutIfAbsent(ctx, bucket, key, bytes.NewReader(content), int64(len(content)), "text/plain")
}

func (b *Backend) CreateDirExclusive(ctx context.Context, p string) error {
	bucket, key, err := Split(p)
	if err != nil {
		return err
	}
	return b.store.PutIfAbsent(ctx, bucket, dirKey(key), bytes.NewReader(nil), 0, "application/x-directory")
}

// stat resolves p as an object first, then as a directory placeholder.
func (b *Backend) stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := b.store.Stat(ctx, bucket, key)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return info, err
	}
	return b.store.Stat(ctx, bucket, dirKey(key))
}

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	bucket, key, err := Split(p)
	if err != nil {
		return false, err
	}
	_, err = b.stat(ctx, bucket, key)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	children, err := b.store.List(ctx, bucket, dirKey(key), false)
	if err != nil {
		return false, storage.IgnoreNotFound(err)
	}
	return len(children) > 0, nil
}

func (b *Backend) ModTime(ctx context.Context, p string) (time.Time, error) {
	bucket, key, err := Split(p)
	if err != nil {
		return time.Time{}, err
	}
	info, err := b.stat(ctx, bucket, key)
	if err != nil {
		return time.Time{}, err
	}
	return info.LastModified, nil
}

func (b *Backend) Delete(ctx context.Context, p string) error {
	bucket, key, err := Split(p)
	if err != nil {
		return err
	}
	if _, err := b.store.Stat(ctx, bucket, key); err == nil {
		return b.store.Delete(ctx, bucket, key)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	children, err := b.store.List(ctx, bucket, dirKey(key), true)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	for _, child := range children {
		if err := b.store.Delete(ctx, bucket, child.Key); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) WriteText(ctx context.Context, p string, content string) error {
	bucket, key, err := Split(p)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, bucket, key, strings.NewReader(content), int64(len(content)), "text/plain")
}

func (b *Backend) ReadText(ctx context.Context, p string) (string, error) {
	bucket, key, err := Split(p)
	if err != nil {
		return "", err
	}
	rc, _, err := b.store.Get(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return string(data), nil
}

func (b *Backend) Glob(ctx context.Context, pattern string) ([]string, error) {
	bucket, keyPattern, err := Split(pattern)
	if err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(keyPattern) {
		return nil, fmt.Errorf("glob %q: %w", pattern, doublestar.ErrBadPattern)
	}
	objects, err := b.store.List(ctx, bucket, storage.StaticPrefix(keyPattern), true)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		if ok, _ := doublestar.Match(keyPattern, obj.Key); ok {
			out = append(out, bucket+"/"+obj.Key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// EnsureDir only makes sure the bucket exists; prefixes need no creation.
func (b *Backend) EnsureDir(ctx context.Context, p string) error {
	bucket, _, err := Split(p)
	if err != nil {
		return err
	}
	return b.store.EnsureBucket(ctx, bucket)
}

func (b *Backend) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	bucket, key, err := Split(dir)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if key != "" {
		prefix = dirKey(key)
	}
	objects, err := b.store.List(ctx, bucket, prefix, false)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Entry, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == prefix {
			continue
		}
		isDir := strings.HasSuffix(obj.Key, "/")
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
		if name == "" {
			continue
		}
		out = append(out, storage.Entry{
			Name:  name,
			Path:  bucket + "/" + strings.TrimSuffix(obj.Key, "/"),
			IsDir: isDir,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	bucket, key, err := Split(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}
	return b.store.FGet(ctx, bucket, key, localPath)
}

func (b *Backend) Upload(ctx context.Context, localPath, remotePath string) error {
	bucket, key, err := Split(remotePath)
	if err != nil {
		return err
	}
	return b.store.FPut(ctx, bucket, key, localPath)
}
