package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-grid/internal/storage"
)

// Lister is the slice of storage.Backend used for directory scans.
type Lister interface {
	List(ctx context.Context, dir string) ([]storage.Entry, error)
}

// ScanDirectory returns the immediate entries of dir as units, skipping
// marker artifacts and hidden files.
func ScanDirectory(ctx context.Context, l Lister, dir string, isMarker func(name string) bool) ([]Unit, error) {
	entries, err := l.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	out := make([]Unit, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name, ".") {
			continue
		}
		if isMarker != nil && isMarker(e.Name) {
			continue
		}
		out = append(out, Unit{ID: e.Name, Path: e.Path, IsDir: e.IsDir})
	}
	return out, nil
}
