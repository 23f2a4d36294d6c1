package batch

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Globber is the slice of storage.Backend used for pattern expansion.
type Globber interface {
	Glob(ctx context.Context, pattern string) ([]string, error)
}

// ResolvePatterns splits a comma-separated pattern list and roots relative
// patterns under root.
func ResolvePatterns(root, patterns string) []string {
	var out []string
	for _, p := range SplitTokens(patterns) {
		out = append(out, resolve(root, p))
	}
	return out
}

func resolve(root, p string) string {
	if root == "" || path.IsAbs(p) || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/") {
		return p
	}
	return path.Join(root, p)
}

// Expand globs every pattern. With strict set, a pattern without matches is a
// configuration error; otherwise it is skipped.
func Expand(ctx context.Context, g Globber, patterns []string, strict bool) ([]string, error) {
	seen := map[string]struct{}{}
	var files []string
	for _, p := range patterns {
		matches, err := g.Glob(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", p, err)
		}
		if len(matches) == 0 && strict {
			return nil, ConfigErr("file_pattern", "found no files with pattern %s", p)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// FromPattern expands patterns and groups the matched files into batches.
func FromPattern(ctx context.Context, g Globber, patterns []string, grouper Grouper) (Set, error) {
	if len(patterns) == 0 {
		return Set{}, ConfigErr("file_pattern", "no patterns given")
	}
	if grouper == nil {
		return Set{}, ConfigErr("group_by", "required with file_pattern")
	}
	files, err := Expand(ctx, g, patterns, true)
	if err != nil {
		return Set{}, err
	}
	keys := make([]string, 0, len(files))
	for _, f := range files {
		key, err := grouper.Group(f)
		if err != nil {
			return Set{}, ConfigErr("group_by", "could not extract batch from %s: %v", f, err)
		}
		if key == "" {
			return Set{}, ConfigErr("group_by", "could not extract batch from %s", f)
		}
		keys = append(keys, key)
	}
	return Set{Units: unitsFromKeys(keys), Files: files}, nil
}

// FilesFor returns the files belonging to a batch: those whose path contains
// the batch key.
func FilesFor(files []string, id string) []string {
	var out []string
	for _, f := range files {
		if strings.Contains(f, id) {
			out = append(out, f)
		}
	}
	return out
}
