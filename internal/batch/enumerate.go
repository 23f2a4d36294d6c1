package batch

import (
	"context"
	"path"
	"strings"
)

// Source describes where batches come from. The first configured strategy
// wins: manifest, then pattern plus grouping, then directory scan.
type Source struct {
	Manifest       string
	ManifestColumn string
	Patterns       []string
	GroupBy        Grouper
	ScanDir        string
	IsMarker       func(name string) bool
}

// Backends used by Enumerate. Manifests may live on a different store than
// the data itself.
type Backends struct {
	Manifests TextReader
	Data      interface {
		Globber
		Lister
	}
}

// Enumerate resolves src into a batch set.
func Enumerate(ctx context.Context, b Backends, src Source) (Set, error) {
	switch {
	case src.Manifest != "":
		units, err := LoadManifest(ctx, b.Manifests, src.Manifest, src.ManifestColumn)
		if err != nil {
			return Set{}, err
		}
		if err := checkIDs(units, "batch_manifest"); err != nil {
			return Set{}, err
		}
		set := Set{Units: units}
		if len(src.Patterns) > 0 {
			if set.Files, err = Expand(ctx, b.Data, src.Patterns, false); err != nil {
				return Set{}, err
			}
		}
		return set, nil
	case len(src.Patterns) > 0 && src.GroupBy != nil:
		set, err := FromPattern(ctx, b.Data, src.Patterns, src.GroupBy)
		if err != nil {
			return Set{}, err
		}
		if err := checkIDs(set.Units, "group_by"); err != nil {
			return Set{}, err
		}
		return set, nil
	case len(src.Patterns) > 0:
		return Set{}, ConfigErr("group_by", "required with file_pattern")
	case src.ScanDir != "":
		units, err := ScanDirectory(ctx, b.Data, src.ScanDir, src.IsMarker)
		if err != nil {
			return Set{}, err
		}
		return Set{Units: units}, nil
	}
	return Set{}, ConfigErr("", "cannot identify batches: set batch_manifest, file_pattern with group_by, or source_location for a directory scan")
}

// checkIDs rejects batch keys that would place markers outside the marker
// namespace. Leading slashes are kept; markers nest under the namespace.
func checkIDs(units []Unit, key string) error {
	for _, u := range units {
		if !safeID(u.ID) {
			return ConfigErr(key, "batch id %q escapes the marker namespace", u.ID)
		}
	}
	return nil
}

func safeID(id string) bool {
	if path.Clean(id) == "." {
		return false
	}
	for _, elem := range strings.Split(id, "/") {
		if elem == ".." {
			return false
		}
	}
	return true
}
