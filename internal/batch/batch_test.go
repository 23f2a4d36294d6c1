package batch

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/animus-labs/animus-grid/internal/storage/localfs"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		column  string
		want    []string
	}{
		{name: "json keys", file: "b.json", content: `{"b2": 1, "b1": {"x": 2}, "b3": null}`, want: []string{"b1", "b2", "b3"}},
		{name: "yaml keys", file: "b.yaml", content: "b2: 1\nb1: [a]\n", want: []string{"b1", "b2"}},
		{name: "csv default column", file: "b.csv", content: "id,filename\n1,a.tif\n2,b.tif\n3,\n", want: []string{"a.tif", "b.tif"}},
		{name: "csv custom column", file: "b.CSV", content: "id,filename\n1,a.tif\n", column: "id", want: []string{"1"}},
		{name: "txt tokens", file: "b.txt", content: " b1, b2 ,,b3\n", want: []string{"b1", "b2", "b3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseManifest(tt.file, tt.content, tt.column)
			if err != nil {
				t.Fatalf("ParseManifest() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseManifest()=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseManifestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		key     string
	}{
		{name: "unknown extension", file: "b.parquet", content: "x", key: "batch_manifest"},
		{name: "empty json", file: "b.json", content: "{}", key: "batch_manifest"},
		{name: "json array", file: "b.json", content: `["a"]`, key: "batch_manifest"},
		{name: "missing column", file: "b.csv", content: "id,name\n1,a\n", key: "batch_manifest_column"},
		{name: "empty txt", file: "b.txt", content: " , ", key: "batch_manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(tt.file, tt.content, "")
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("ParseManifest() error = %v, want ErrConfiguration", err)
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Key != tt.key {
				t.Fatalf("ParseManifest() error = %#v, want key %q", err, tt.key)
			}
		})
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(context.Background(), localfs.New(), filepath.Join(t.TempDir(), "none.json"), "")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("LoadManifest() error = %v, want ErrConfiguration", err)
	}
}

func TestLoadManifestDeduplicates(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"m.txt": "a,b,a"})
	units, err := LoadManifest(context.Background(), localfs.New(), filepath.Join(dir, "m.txt"), "")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if got := (Set{Units: units}).IDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("LoadManifest()=%v, want [a b]", got)
	}
}

func TestParseGroupBy(t *testing.T) {
	tests := []struct {
		expr string
		path string
		want string
	}{
		{expr: "split:_:0", path: "data/tile1_b02.tif", want: "data/tile1"},
		{expr: "split:.:-2", path: "x/a.b.tif", want: "b"},
		{expr: "split:::1", path: "a:b:c", want: "b"},
		{expr: "regex:(tile\\d+)_", path: "data/tile12_b02.tif", want: "tile12"},
		{expr: "regex:\\d+", path: "data/x42.tif", want: "42"},
		{expr: "stem", path: "data/a.tif", want: "a"},
		{expr: "basename", path: "data/a.tif", want: "a.tif"},
		{expr: "dir", path: "data/s1/a.tif", want: "data/s1"},
		{expr: ".split('/')[-1].split('.')[0]", path: "data/s1/a.tif", want: "a"},
		{expr: `.split("_")[0][-3:]`, path: "data/abc_1.tif", want: "abc"},
		{expr: ".split('/')[-1][:4]", path: "d/tile_1.tif", want: "tile"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			g, err := ParseGroupBy(tt.expr)
			if err != nil {
				t.Fatalf("ParseGroupBy(%q) error = %v", tt.expr, err)
			}
			got, err := g.Group(tt.path)
			if err != nil {
				t.Fatalf("Group(%q) error = %v", tt.path, err)
			}
			if got != tt.want {
				t.Fatalf("Group(%q)=%q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestParseGroupByRejectsCode(t *testing.T) {
	for _, expr := range []string{"", "__import__('os').system('id')", ".upper()", "split:x", "regex:(", "split:_:one"} {
		if _, err := ParseGroupBy(expr); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("ParseGroupBy(%q) error = %v, want ErrConfiguration", expr, err)
		}
	}
}

func TestFromPattern(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"s1/tile1_b02.tif": "",
		"s1/tile1_b03.tif": "",
		"s2/tile2_b02.tif": "",
		"s2/notes.txt":     "",
	})
	g, _ := ParseGroupBy(".split('/')[-1].split('_')[0]")
	patterns := ResolvePatterns(filepath.ToSlash(dir), "**/*.tif")
	set, err := FromPattern(context.Background(), localfs.New(), patterns, g)
	if err != nil {
		t.Fatalf("FromPattern() error = %v", err)
	}
	ids := set.IDs()
	sort.Strings(ids)
	if !reflect.DeepEqual(ids, []string{"tile1", "tile2"}) {
		t.Fatalf("FromPattern() ids=%v, want [tile1 tile2]", ids)
	}
	if len(set.Files) != 3 {
		t.Fatalf("FromPattern() files=%v, want 3", set.Files)
	}
	if got := FilesFor(set.Files, "tile1"); len(got) != 2 {
		t.Fatalf("FilesFor(tile1)=%v, want 2 files", got)
	}
}

func TestFromPatternNoMatches(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.png": ""})
	g, _ := ParseGroupBy("stem")
	_, err := FromPattern(context.Background(), localfs.New(), ResolvePatterns(filepath.ToSlash(dir), "*.tif"), g)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Key != "file_pattern" {
		t.Fatalf("FromPattern() error = %v, want file_pattern ConfigurationError", err)
	}
}

func TestFromPatternEmptyKey(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.tif": ""})
	g, _ := ParseGroupBy("regex:zzz")
	_, err := FromPattern(context.Background(), localfs.New(), ResolvePatterns(filepath.ToSlash(dir), "*.tif"), g)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("FromPattern() error = %v, want ErrConfiguration", err)
	}
}

func TestResolvePatterns(t *testing.T) {
	got := ResolvePatterns("bucket/data", "*.tif, bucket/data/x/*.png,/abs/*.jpg")
	want := []string{"bucket/data/*.tif", "bucket/data/x/*.png", "/abs/*.jpg"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ResolvePatterns()=%v, want %v", got, want)
	}
}

func TestScanDirectorySkipsMarkers(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a/x.txt":          "",
		"b.csv":            "",
		"b.LOCKED.csv":     "",
		"a.PROCESSED/keep": "",
		".tmp-123":         "",
	})
	isMarker := func(name string) bool {
		return name == "b.LOCKED.csv" || name == "a.PROCESSED"
	}
	units, err := ScanDirectory(context.Background(), localfs.New(), filepath.ToSlash(dir), isMarker)
	if err != nil {
		t.Fatalf("ScanDirectory() error = %v", err)
	}
	want := []Unit{
		{ID: "a", Path: filepath.ToSlash(filepath.Join(dir, "a")), IsDir: true},
		{ID: "b.csv", Path: filepath.ToSlash(filepath.Join(dir, "b.csv"))},
	}
	if !reflect.DeepEqual(units, want) {
		t.Fatalf("ScanDirectory()=%+v, want %+v", units, want)
	}
}

func TestEnumerateSelection(t *testing.T) {
	dir := t.TempDir()
	root := filepath.ToSlash(dir)
	writeFiles(t, dir, map[string]string{"m.json": `{"b1":0}`, "data/b1_x.tif": ""})
	fs := localfs.New()
	b := Backends{Manifests: fs, Data: fs}

	set, err := Enumerate(context.Background(), b, Source{
		Manifest: root + "/m.json",
		Patterns: ResolvePatterns(root, "data/*.tif,data/*.none"),
	})
	if err != nil {
		t.Fatalf("Enumerate(manifest) error = %v", err)
	}
	if !reflect.DeepEqual(set.IDs(), []string{"b1"}) || len(set.Files) != 1 {
		t.Fatalf("Enumerate(manifest)=%+v, want b1 with one file", set)
	}

	if _, err := Enumerate(context.Background(), b, Source{Patterns: []string{"x"}}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Enumerate(pattern without group) error = %v, want ErrConfiguration", err)
	}
	if _, err := Enumerate(context.Background(), b, Source{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Enumerate(empty) error = %v, want ErrConfiguration", err)
	}

	set, err = Enumerate(context.Background(), b, Source{ScanDir: root + "/data"})
	if err != nil {
		t.Fatalf("Enumerate(scan) error = %v", err)
	}
	if !reflect.DeepEqual(set.IDs(), []string{"b1_x.tif"}) {
		t.Fatalf("Enumerate(scan)=%v, want [b1_x.tif]", set.IDs())
	}
}

func TestEnumerateRejectsEscapingIDs(t *testing.T) {
	dir := t.TempDir()
	root := filepath.ToSlash(dir)
	writeFiles(t, dir, map[string]string{
		"m.json":   `{"../x":0,"ok":1}`,
		"dot.json": `{".":0}`,
		"up/a.tif": "",
	})
	fs := localfs.New()
	b := Backends{Manifests: fs, Data: fs}

	for _, manifest := range []string{"m.json", "dot.json"} {
		_, err := Enumerate(context.Background(), b, Source{Manifest: root + "/" + manifest})
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) || cfgErr.Key != "batch_manifest" {
			t.Fatalf("Enumerate(%s) error = %v, want batch_manifest configuration error", manifest, err)
		}
	}

	_, err := Enumerate(context.Background(), b, Source{
		Patterns: ResolvePatterns(root, "up/*.tif"),
		GroupBy:  GrouperFunc(func(string) (string, error) { return "a/../../b", nil }),
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Enumerate(pattern) error = %v, want ErrConfiguration", err)
	}

	set, err := Enumerate(context.Background(), b, Source{
		Patterns: ResolvePatterns(root, "up/*.tif"),
		GroupBy:  GrouperFunc(func(p string) (string, error) { return "/abs/" + p[len(p)-5:], nil }),
	})
	if err != nil || len(set.Units) != 1 {
		t.Fatalf("Enumerate(absolute key)=%+v,%v, want one unit", set, err)
	}
}

func TestShuffleKeepsUnits(t *testing.T) {
	units := unitsFromKeys([]string{"a", "b", "c", "d", "e"})
	got := Shuffle(units, rand.New(rand.NewPCG(1, 2)))
	if len(got) != len(units) {
		t.Fatalf("Shuffle() len=%d, want %d", len(got), len(units))
	}
	ids := (Set{Units: got}).IDs()
	sort.Strings(ids)
	if !reflect.DeepEqual(ids, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("Shuffle()=%v, want permutation", ids)
	}
	if units[0].ID != "a" {
		t.Fatalf("Shuffle() mutated input")
	}
}
