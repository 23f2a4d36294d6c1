package batch

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-grid/internal/storage"
)

const DefaultManifestColumn = "filename"

// TextReader is the slice of storage.Backend needed to read a manifest.
type TextReader interface {
	ReadText(ctx context.Context, path string) (string, error)
}

// LoadManifest reads and parses the manifest at p.
func LoadManifest(ctx context.Context, r TextReader, p string, column string) ([]Unit, error) {
	content, err := r.ReadText(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ConfigErr("batch_manifest", "manifest %s not found", p)
		}
		return nil, fmt.Errorf("read manifest %s: %w", p, err)
	}
	keys, err := ParseManifest(p, content, column)
	if err != nil {
		return nil, err
	}
	return unitsFromKeys(keys), nil
}

// ParseManifest picks a format from the file extension:
// .json/.yaml/.yml use mapping keys, .csv uses one column, .txt is comma separated.
func ParseManifest(name, content, column string) ([]string, error) {
	var (
		keys []string
		err  error
	)
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		keys, err = jsonKeys(content)
	case ".yaml", ".yml":
		keys, err = yamlKeys(content)
	case ".csv":
		keys, err = csvColumn(content, column)
	case ".txt":
		keys = SplitTokens(content)
	default:
		return nil, ConfigErr("batch_manifest",
			"unsupported manifest %s: use json (batches = mapping keys), yaml (mapping keys), csv (batches = column values) or txt (comma-separated list)", name)
	}
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ConfigErr("batch_manifest", "manifest %s has no batches", name)
	}
	return keys, nil
}

// SplitTokens splits a comma-separated string into trimmed, non-empty tokens.
func SplitTokens(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func jsonKeys(content string) ([]string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return nil, ConfigErr("batch_manifest", "json manifest must be an object: %v", err)
	}
	return sortedKeys(m), nil
}

func yamlKeys(content string) ([]string, error) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		return nil, ConfigErr("batch_manifest", "yaml manifest must be a mapping: %v", err)
	}
	return sortedKeys(m), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func csvColumn(content, column string) ([]string, error) {
	if column == "" {
		column = DefaultManifestColumn
	}
	r := csv.NewReader(strings.NewReader(content))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, ConfigErr("batch_manifest", "read csv header: %v", err)
	}
	idx := -1
	for i, h := range header {
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ConfigErr("batch_manifest_column", "column %q not in csv header %v", column, header)
	}
	var out []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, ConfigErr("batch_manifest", "read csv: %v", err)
		}
		if idx >= len(rec) {
			continue
		}
		if v := strings.TrimSpace(rec[idx]); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}
