// Package storage defines the capability surface the coordinator needs from
// a hierarchical store: local disk, S3-compatible object storage or a SQL table.
//
// Paths are slash separated. Object-storage paths start with the bucket name.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrAlreadyExists is returned by exclusive creates that lost to an existing path.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("not found")
)

// ExclusiveCreator is the one primitive the claim protocol depends on for
// mutual exclusion. Exactly one of several concurrent callers for the same
// path succeeds; the rest get ErrAlreadyExists.
type ExclusiveCreator interface {
	CreateExclusive(ctx context.Context, path string, content []byte) error
	CreateDirExclusive(ctx context.Context, path string) error
}

// Backend is the full adapter surface.
type Backend interface {
	ExclusiveCreator

	Exists(ctx context.Context, path string) (bool, error)
	ModTime(ctx context.Context, path string) (time.Time, error)
	// Delete removes a file or a whole directory tree. Missing paths yield ErrNotFound.
	Delete(ctx context.Context, path string) error
	WriteText(ctx context.Context, path string, content string) error
	ReadText(ctx context.Context, path string) (string, error)
	// Glob expands a pattern; "**" matches across directory levels.
	Glob(ctx context.Context, pattern string) ([]string, error)
	EnsureDir(ctx context.Context, path string) error
	// List returns the immediate entries of dir.
	List(ctx context.Context, dir string) ([]Entry, error)
}

// Renamer is implemented by backends that can move a path atomically. The
// claim protocol uses it to turn a lock into its terminal marker while keeping
// whatever the processing step wrote into the lock.
type Renamer interface {
	Rename(ctx context.Context, from, to string) error
}

// Transferer moves whole files between a backend and the local disk.
type Transferer interface {
	Download(ctx context.Context, remotePath, localPath string) error
	Upload(ctx context.Context, localPath, remotePath string) error
}

type Entry struct {
	Name  string
	Path  string
	IsDir bool
}

// Join joins path elements with forward slashes.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// StaticPrefix returns the part of a glob pattern before its first meta character,
// cut back to the last complete directory.
func StaticPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{\\")
	if idx < 0 {
		return pattern
	}
	prefix := pattern[:idx]
	if slash := strings.LastIndex(prefix, "/"); slash >= 0 {
		return prefix[:slash+1]
	}
	return ""
}

// IgnoreNotFound maps ErrNotFound to nil.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
