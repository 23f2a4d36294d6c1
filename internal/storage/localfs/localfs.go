// Package localfs implements storage.Backend on the local filesystem (or any
// shared POSIX mount). Exclusive creation relies on O_CREATE|O_EXCL and mkdir,
// both atomic on local disks and NFSv3+.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/animus-labs/animus-grid/internal/storage"
)

type Store struct{}

func New() *Store {
	return &Store{}
}

func native(p string) string {
	return filepath.FromSlash(p)
}

func notFound(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	return err
}

func (s *Store) CreateExclusive(ctx context.Context, p string, content []byte) error {
	name := native(p)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, p)
		}
		return err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	return f.Close()
}

func (s *Store) CreateDirExclusive(ctx context.Context, p string) error {
	name := native(p)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}
	if err := os.Mkdir(name, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, p)
		}
		return err
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	_, err := os.Stat(native(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *Store) ModTime(ctx context.Context, p string) (time.Time, error) {
	info, err := os.Stat(native(p))
	if err != nil {
		return time.Time{}, notFound(p, err)
	}
	return info.ModTime(), nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	name := native(p)
	info, err := os.Lstat(name)
	if err != nil {
		return notFound(p, err)
	}
	if info.IsDir() {
		return os.RemoveAll(name)
	}
	return notFound(p, os.Remove(name))
}

func (s *Store) Rename(ctx context.Context, from, to string) error {
	dst := native(to)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}
	return notFound(from, os.Rename(native(from), dst))
}

// WriteText replaces the file through a rename so readers never see partial content.
func (s *Store) WriteText(ctx context.Context, p string, content string) error {
	name := native(p)
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := io.WriteString(tmp, content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", p, err)
	}
	return nil
}

func (s *Store) ReadText(ctx context.Context, p string) (string, error) {
	b, err := os.ReadFile(native(p))
	if err != nil {
		return "", notFound(p, err)
	}
	return string(b), nil
}

func (s *Store) Glob(ctx context.Context, pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(native(pattern), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.ToSlash(m))
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) EnsureDir(ctx context.Context, p string) error {
	return os.MkdirAll(native(p), 0o755)
}

func (s *Store) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	entries, err := os.ReadDir(native(dir))
	if err != nil {
		return nil, notFound(dir, err)
	}
	out := make([]storage.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, storage.Entry{
			Name:  e.Name(),
			Path:  storage.Join(dir, e.Name()),
			IsDir: e.IsDir(),
		})
	}
	return out, nil
}

func (s *Store) Download(ctx context.Context, remotePath, localPath string) error {
	return copyFile(native(remotePath), localPath)
}

func (s *Store) Upload(ctx context.Context, localPath, remotePath string) error {
	return copyFile(localPath, native(remotePath))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return notFound(src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
