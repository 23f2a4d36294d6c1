package claim

import (
	"testing"

	"github.com/animus-labs/animus-grid/internal/batch"
)

func TestNamespaceSchemeMarkers(t *testing.T) {
	m := NamespaceScheme{Dir: "coord"}.Markers(batch.Unit{ID: "b1"})
	want := Markers{Lock: "coord/b1.lock", Processed: "coord/b1.processed", Failed: "coord/b1.err", ErrorFile: "coord/b1.err", Owner: "coord/b1.lock"}
	if m != want {
		t.Fatalf("Markers()=%+v, want %+v", m, want)
	}

	custom := NamespaceScheme{Dir: "coord", LockSuffix: ".LCK", ErrorSuffix: ".fail"}
	m = custom.Markers(batch.Unit{ID: "b1"})
	if m.Lock != "coord/b1.LCK" || m.Processed != "coord/b1.processed" || m.Failed != "coord/b1.fail" {
		t.Fatalf("Markers() with suffix overrides=%+v", m)
	}
	if !custom.IsMarker("b1.LCK") || custom.IsMarker("b1.tif") {
		t.Fatalf("IsMarker() mismatch for overridden suffixes")
	}
}

func TestFileSchemeMarkers(t *testing.T) {
	m := FileScheme{Dir: "out"}.Markers(batch.Unit{ID: "scene.tif", Path: "in/scene.tif"})
	if m.Lock != "out/scene.LOCKED.tif" || m.Processed != "out/scene.PROCESSED.tif" || m.Failed != "out/scene.FAILED.tif" {
		t.Fatalf("Markers()=%+v", m)
	}
	if m.Dir || !m.Carry || m.Owner != "" {
		t.Fatalf("Markers() flags=%+v, want file markers carrying output", m)
	}
	m = FileScheme{Dir: "out"}.Markers(batch.Unit{ID: "README"})
	if m.Lock != "out/README.LOCKED" {
		t.Fatalf("Markers() without extension lock=%q", m.Lock)
	}
}

func TestFolderSchemeMarkers(t *testing.T) {
	s := FolderScheme{Dir: "out"}
	m := s.Markers(batch.Unit{ID: "scene1", IsDir: true})
	if m.Lock != "out/scene1.LOCKED" || m.Processed != "out/scene1.PROCESSED" || m.Failed != "out/scene1.FAILED" {
		t.Fatalf("Markers()=%+v", m)
	}
	if !m.Dir || m.ErrorFile != "out/scene1.FAILED/error.txt" || m.Owner != "out/scene1.LOCKED/.grid-owner" {
		t.Fatalf("Markers() dir fields=%+v", m)
	}
	m = s.Markers(batch.Unit{ID: "table.csv"})
	if m.Dir || m.Lock != "out/table.LOCKED.csv" {
		t.Fatalf("Markers() for file entry=%+v", m)
	}
}

func TestIsStatusName(t *testing.T) {
	cases := map[string]bool{
		"scene.LOCKED.tif":    true,
		"scene1.PROCESSED":    true,
		"scene1.FAILED":       true,
		"LOCKED_data.csv":     false,
		"scene.tif":           false,
		"my.PROCESSED.tar.gz": false,
	}
	for name, want := range cases {
		if got := isStatusName(name); got != want {
			t.Errorf("isStatusName(%q)=%v, want %v", name, got, want)
		}
	}
}
