package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/claim"
	"github.com/animus-labs/animus-grid/internal/platform/env"
)

func load(t *testing.T, values map[string]string) Config {
	t.Helper()
	cfg, err := FromSource(env.Map(values))
	if err != nil {
		t.Fatalf("FromSource()=%v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := load(t, map[string]string{"source_location": "/data/in"})

	if cfg.Backend != BackendLocal {
		t.Fatalf("Backend=%q, want local", cfg.Backend)
	}
	if cfg.MarkerStyle != MarkerNamespace {
		t.Fatalf("MarkerStyle=%q, want namespace", cfg.MarkerStyle)
	}
	if cfg.LockTimeout != 3*time.Hour {
		t.Fatalf("LockTimeout=%s, want 3h", cfg.LockTimeout)
	}
	if cfg.MaxStagger != 60*time.Second {
		t.Fatalf("MaxStagger=%s, want 60s", cfg.MaxStagger)
	}
	if cfg.ManifestColumn != "filename" {
		t.Fatalf("ManifestColumn=%q, want filename", cfg.ManifestColumn)
	}
	if cfg.Coordinator.Path != "/data/in" {
		t.Fatalf("Coordinator=%q, want fallback to source", cfg.Coordinator.Path)
	}
	if cfg.Staging.Enabled {
		t.Fatalf("Staging.Enabled=true for local source")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate()=%v", err)
	}
}

func TestLegacyAliases(t *testing.T) {
	cfg := load(t, map[string]string{
		"gw_batch_file":               "/data/batches.csv",
		"gw_batch_file_col_name":      "name",
		"gw_file_path_pattern":        "*.tif",
		"gw_group_by":                 "stem",
		"gw_coordinator_path":         "/data/coord",
		"gw_lock_timeout":             "120",
		"gw_ignore_error_files":       "true",
		"gw_max_time_wait_staggering": "0",
	})

	if cfg.Manifest.Path != "/data/batches.csv" || cfg.ManifestColumn != "name" {
		t.Fatalf("manifest=%q/%q", cfg.Manifest.Path, cfg.ManifestColumn)
	}
	if cfg.FilePattern != "*.tif" || cfg.GroupBy != "stem" {
		t.Fatalf("pattern=%q group=%q", cfg.FilePattern, cfg.GroupBy)
	}
	if cfg.Coordinator.Path != "/data/coord" {
		t.Fatalf("Coordinator=%q", cfg.Coordinator.Path)
	}
	if cfg.LockTimeout != 2*time.Minute {
		t.Fatalf("LockTimeout=%s, want 2m", cfg.LockTimeout)
	}
	if !cfg.IgnoreErrors {
		t.Fatalf("IgnoreErrors=false, want true")
	}
	if cfg.MaxStagger != 0 {
		t.Fatalf("MaxStagger=%s, want 0", cfg.MaxStagger)
	}
}

func TestSpecNamesWinOverAliases(t *testing.T) {
	cfg := load(t, map[string]string{
		"lock_timeout":    "30s",
		"gw_lock_timeout": "999",
		"source_location": "/in",
	})
	if cfg.LockTimeout != 30*time.Second {
		t.Fatalf("LockTimeout=%s, want 30s", cfg.LockTimeout)
	}
}

func TestInvalidValuesAreConfigurationErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"lock timeout":  {"lock_timeout": "soon"},
		"ignore errors": {"ignore_error_files": "maybe"},
		"stagger":       {"max_stagger": "-5"},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromSource(env.Map(values))
			if !IsConfigurationError(err) {
				t.Fatalf("FromSource()=%v, want configuration error", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]string
		key    string
	}{
		{"nothing to enumerate", map[string]string{"target_location": "/out"}, "source_location"},
		{"pattern without group", map[string]string{"source_location": "/in", "file_pattern": "*.csv"}, "group_by"},
		{"bad group", map[string]string{"source_location": "/in", "file_pattern": "*.csv", "group_by": "__import__('os')"}, "group_by"},
		{"zero timeout", map[string]string{"source_location": "/in", "lock_timeout": "0"}, "lock_timeout"},
		{"unknown backend", map[string]string{"source_location": "/in", "GRID_BACKEND": "ftp"}, "GRID_BACKEND"},
		{"unknown style", map[string]string{"source_location": "/in", "GRID_MARKER_STYLE": "sticky"}, "GRID_MARKER_STYLE"},
		{"postgres without url", map[string]string{"source_location": "/in", "GRID_BACKEND": "postgres"}, "GRID_DATABASE_URL"},
		{"same suffix", map[string]string{"source_location": "/in", "gw_lock_file_suffix": ".x", "gw_error_file_suffix": ".x"}, "gw_lock_file_suffix"},
		{"bad log level", map[string]string{"source_location": "/in", "GRID_LOG_LEVEL": "loud"}, "GRID_LOG_LEVEL"},
		{"s3 without credentials", map[string]string{"source_location": "bucket/in", "GRID_BACKEND": "s3"}, "GRID_S3_ENDPOINT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := load(t, tc.values).Validate()
			var cerr *batch.ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate()=%v, want ConfigurationError", err)
			}
			if cerr.Key != tc.key {
				t.Fatalf("Key=%q, want %q", cerr.Key, tc.key)
			}
		})
	}
}

func TestConnectionStringSelectsObjectStore(t *testing.T) {
	cfg := load(t, map[string]string{
		"gw_coordinator_connection": "s3://AK:SK@minio.local:9000/grid/coord",
		"gw_source_connection":      "s3://AK:SK@minio.local:9000/grid/in",
		"file_pattern":              "*.nc",
		"group_by":                  "stem",
		"target_location":           "grid/out",
	})

	if cfg.Backend != BackendS3 {
		t.Fatalf("Backend=%q, want s3", cfg.Backend)
	}
	if !cfg.Coordinator.Remote || cfg.Coordinator.Path != "grid/coord" || cfg.Coordinator.S3.Endpoint != "minio.local:9000" {
		t.Fatalf("Coordinator=%+v", cfg.Coordinator)
	}
	if !cfg.Target.Remote {
		t.Fatalf("Target.Remote=false, want default store for s3 backend")
	}
	if !cfg.Staging.Enabled {
		t.Fatalf("Staging.Enabled=false, want on for remote source with pattern")
	}
	if got := cfg.Coordinator.String(); got != "s3://AK@minio.local:9000/grid/coord" {
		t.Fatalf("String()=%q", got)
	}
}

func TestSchemeFollowsMarkerStyle(t *testing.T) {
	base := map[string]string{"source_location": "/in", "target_location": "/out", "coordinator_location": "/coord"}

	cfg := load(t, base)
	ns, err := cfg.Scheme()
	if err != nil {
		t.Fatalf("Scheme()=%v", err)
	}
	if ns.Namespace() != "/coord" {
		t.Fatalf("namespace=%q, want /coord", ns.Namespace())
	}
	if m := ns.Markers(batch.Unit{ID: "b1"}); m.Lock != "/coord/b1.lock" {
		t.Fatalf("Lock=%q", m.Lock)
	}

	base["GRID_MARKER_STYLE"] = "folder"
	cfg = load(t, base)
	fs, err := cfg.Scheme()
	if err != nil {
		t.Fatalf("Scheme()=%v", err)
	}
	if _, ok := fs.(claim.FolderScheme); !ok {
		t.Fatalf("Scheme()=%T, want FolderScheme", fs)
	}
	if fs.Namespace() != "/out" {
		t.Fatalf("namespace=%q, want target", fs.Namespace())
	}
}

func TestBatchSource(t *testing.T) {
	cfg := load(t, map[string]string{"source_location": "/in", "file_pattern": "*.tif, sub/*.tif", "group_by": "stem"})
	src, err := cfg.BatchSource(nil)
	if err != nil {
		t.Fatalf("BatchSource()=%v", err)
	}
	if len(src.Patterns) != 2 || src.Patterns[0] != "/in/*.tif" || src.Patterns[1] != "/in/sub/*.tif" {
		t.Fatalf("Patterns=%v", src.Patterns)
	}
	if src.GroupBy == nil || src.ScanDir != "" {
		t.Fatalf("source=%+v", src)
	}

	cfg = load(t, map[string]string{"source_location": "/in"})
	src, err = cfg.BatchSource(nil)
	if err != nil {
		t.Fatalf("BatchSource()=%v", err)
	}
	if src.ScanDir != "/in" {
		t.Fatalf("ScanDir=%q, want /in", src.ScanDir)
	}
}

func TestStagingConfig(t *testing.T) {
	cfg := load(t, map[string]string{
		"target_location":            "/out",
		"gw_local_input_path":        "work/in",
		"gw_additional_source_files": "a.json, b.json",
		"GRID_TRANSFER_CONCURRENCY":  "8",
	})
	sc := cfg.StagingConfig()
	if sc.InputDir != "work/in" || sc.OutputDir != "target" || sc.TargetPrefix != "/out" || sc.Concurrency != 8 {
		t.Fatalf("StagingConfig()=%+v", sc)
	}
	if len(sc.ExtraFiles) != 2 || sc.ExtraFiles[1] != "b.json" {
		t.Fatalf("ExtraFiles=%v", sc.ExtraFiles)
	}
}

func TestFromEnvOverlayAndParams(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "grid.yaml")
	content := "source_location: /from/file\nlock_timeout: 600\nparams:\n  threshold: \"0.5\"\n  mode: fast\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("GRID_CONFIG_FILE", file)
	t.Setenv("lock_timeout", "60")
	t.Setenv(ParamPrefix+"mode", "slow")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv()=%v", err)
	}
	if cfg.Source.Path != "/from/file" {
		t.Fatalf("Source=%q, want value from file", cfg.Source.Path)
	}
	if cfg.LockTimeout != time.Minute {
		t.Fatalf("LockTimeout=%s, want environment to win", cfg.LockTimeout)
	}
	if cfg.Params["threshold"] != "0.5" || cfg.Params["mode"] != "slow" {
		t.Fatalf("Params=%v", cfg.Params)
	}
}

func TestParseOverlayRejectsNesting(t *testing.T) {
	if _, err := parseOverlay([]byte("source_location:\n  nested: true\n")); err == nil {
		t.Fatalf("parseOverlay()=nil, want error")
	}
	if _, err := parseOverlay([]byte("params: [a, b]\n")); err == nil {
		t.Fatalf("parseOverlay()=nil, want error for list params")
	}
}
