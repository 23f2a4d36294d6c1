package claim

import (
	"path"
	"strings"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/storage"
)

const (
	DefaultLockSuffix      = ".lock"
	DefaultProcessedSuffix = ".processed"
	DefaultErrorSuffix     = ".err"

	statusLocked    = "LOCKED"
	statusProcessed = "PROCESSED"
	statusFailed    = "FAILED"

	errorFileName = "error.txt"
	ownerFileName = ".grid-owner"
)

// Markers are the derived artifact paths for one unit.
type Markers struct {
	Lock      string
	Processed string
	Failed    string
	// ErrorFile receives the failure payload: Failed itself, or error.txt
	// inside it for directory markers.
	ErrorFile string
	// Owner holds the claiming worker's token. Empty when the lock itself is
	// handed to the processing step as its output location.
	Owner string
	Dir   bool
	// Carry marks schemes whose lock doubles as the output artifact; it is
	// renamed into the terminal marker when the backend supports it.
	Carry bool
}

// Scheme derives marker paths from a unit alone.
type Scheme interface {
	Namespace() string
	Markers(u batch.Unit) Markers
	IsMarker(name string) bool
}

// NamespaceScheme keeps flat {batch}{suffix} files under a coordinator directory.
type NamespaceScheme struct {
	Dir             string
	LockSuffix      string
	ProcessedSuffix string
	ErrorSuffix     string
}

func (s NamespaceScheme) suffixes() (string, string, string) {
	lock, processed, failed := s.LockSuffix, s.ProcessedSuffix, s.ErrorSuffix
	if lock == "" {
		lock = DefaultLockSuffix
	}
	if processed == "" {
		processed = DefaultProcessedSuffix
	}
	if failed == "" {
		failed = DefaultErrorSuffix
	}
	return lock, processed, failed
}

func (s NamespaceScheme) Namespace() string { return s.Dir }

func (s NamespaceScheme) Markers(u batch.Unit) Markers {
	lock, processed, failed := s.suffixes()
	base := storage.Join(s.Dir, u.ID)
	return Markers{
		Lock:      base + lock,
		Processed: base + processed,
		Failed:    base + failed,
		ErrorFile: base + failed,
		Owner:     base + lock,
	}
}

func (s NamespaceScheme) IsMarker(name string) bool {
	lock, processed, failed := s.suffixes()
	return strings.HasSuffix(name, lock) || strings.HasSuffix(name, processed) || strings.HasSuffix(name, failed)
}

// FileScheme places {stem}.STATUS{ext} files next to each other in Dir.
type FileScheme struct {
	Dir string
}

func (s FileScheme) Namespace() string { return s.Dir }

func (s FileScheme) Markers(u batch.Unit) Markers {
	name := path.Base(u.ID)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	at := func(status string) string {
		return storage.Join(s.Dir, stem+"."+status+ext)
	}
	failed := at(statusFailed)
	return Markers{
		Lock:      at(statusLocked),
		Processed: at(statusProcessed),
		Failed:    failed,
		ErrorFile: failed,
		Carry:     true,
	}
}

func (s FileScheme) IsMarker(name string) bool {
	return isStatusName(name)
}

// FolderScheme claims whole entries of a directory: subdirectories get
// {name}.STATUS directory markers, files fall back to FileScheme naming.
type FolderScheme struct {
	Dir string
}

func (s FolderScheme) Namespace() string { return s.Dir }

func (s FolderScheme) Markers(u batch.Unit) Markers {
	if !u.IsDir {
		return FileScheme(s).Markers(u)
	}
	name := path.Base(u.ID)
	at := func(status string) string {
		return storage.Join(s.Dir, name+"."+status)
	}
	lock, failed := at(statusLocked), at(statusFailed)
	return Markers{
		Lock:      lock,
		Processed: at(statusProcessed),
		Failed:    failed,
		ErrorFile: storage.Join(failed, errorFileName),
		Owner:     storage.Join(lock, ownerFileName),
		Dir:       true,
		Carry:     true,
	}
}

func (s FolderScheme) IsMarker(name string) bool {
	return isStatusName(name)
}

func isStatusName(name string) bool {
	stem := strings.TrimSuffix(name, path.Ext(name))
	for _, status := range []string{statusLocked, statusProcessed, statusFailed} {
		suffix := "." + status
		if strings.HasSuffix(name, suffix) || strings.HasSuffix(stem, suffix) {
			return true
		}
	}
	return false
}
