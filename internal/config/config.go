// Package config assembles a worker's settings from the environment, an
// optional YAML overlay and the original gw_* template keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/claim"
	"github.com/animus-labs/animus-grid/internal/platform/env"
	"github.com/animus-labs/animus-grid/internal/platform/objectstore"
	"github.com/animus-labs/animus-grid/internal/platform/postgres"
	"github.com/animus-labs/animus-grid/internal/staging"
	"gopkg.in/yaml.v3"
)

type Backend string

const (
	BackendLocal    Backend = "local"
	BackendS3       Backend = "s3"
	BackendPostgres Backend = "postgres"
)

type MarkerStyle string

const (
	MarkerNamespace MarkerStyle = "namespace"
	MarkerFile      MarkerStyle = "file"
	MarkerFolder    MarkerStyle = "folder"
)

const (
	DefaultLockTimeout = 3 * time.Hour
	DefaultMaxStagger  = 60 * time.Second
	ParamPrefix        = "GRID_PARAM_"
)

// Location is a path on local disk or, when Remote, "bucket/key" on the
// object store described by S3.
type Location struct {
	Path   string
	Remote bool
	S3     objectstore.Config
}

func (l Location) IsZero() bool { return l.Path == "" }

func (l Location) String() string {
	return objectstore.Connection{Remote: l.Remote, Config: l.S3, Path: l.Path}.Redacted()
}

type Staging struct {
	Enabled     bool
	InputDir    string
	OutputDir   string
	ExtraFiles  []string
	Concurrency int
}

type Docker struct {
	Image  string
	Binary string
	CPUs   string
	Memory string
	GPUs   int
}

type Config struct {
	Backend     Backend
	MarkerStyle MarkerStyle

	Source      Location
	Target      Location
	Coordinator Location
	Manifest    Location

	ManifestColumn string
	FilePattern    string
	GroupBy        string

	LockTimeout  time.Duration
	IgnoreErrors bool
	MaxStagger   time.Duration

	LockSuffix      string
	ProcessedSuffix string
	ErrorSuffix     string

	Staging Staging
	Docker  Docker

	S3       objectstore.Config
	Database postgres.Config

	MetricsAddr string
	WorkerID    string
	LogLevel    string
	Params      map[string]string
}

// FromEnv reads the process environment, overlaid by the YAML file named in
// GRID_CONFIG_FILE. GRID_PARAM_<NAME> variables become declared parameters.
func FromEnv() (Config, error) {
	src := env.OS
	var fileParams map[string]string
	if path := env.String("GRID_CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		overlay, err := parseOverlay(data)
		if err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		src = env.Chain(env.OS, env.Map(overlay.values))
		fileParams = overlay.params
	}

	cfg, err := FromSource(src)
	if err != nil {
		return Config{}, err
	}
	for k, v := range fileParams {
		cfg.Params[k] = v
	}
	for k, v := range env.Prefixed(ParamPrefix) {
		cfg.Params[k] = v
	}
	return cfg, nil
}

// FromSource builds a Config from src without parameters; callers that can
// enumerate their environment fill Params themselves.
func FromSource(src env.Source) (Config, error) {
	s3, err := objectstore.ConfigFromSource(src)
	if err != nil {
		return Config{}, err
	}
	db, err := postgres.ConfigFromSource(src)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Backend:         Backend(strings.ToLower(src.String("", "GRID_BACKEND"))),
		MarkerStyle:     MarkerStyle(strings.ToLower(src.String(string(MarkerNamespace), "GRID_MARKER_STYLE"))),
		ManifestColumn:  src.String(batch.DefaultManifestColumn, "batch_manifest_column", "gw_batch_file_col_name"),
		FilePattern:     src.String("", "file_pattern", "gw_file_path_pattern"),
		GroupBy:         src.String("", "group_by", "gw_group_by"),
		LockSuffix:      src.String(claim.DefaultLockSuffix, "gw_lock_file_suffix"),
		ProcessedSuffix: src.String(claim.DefaultProcessedSuffix, "gw_processed_file_suffix"),
		ErrorSuffix:     src.String(claim.DefaultErrorSuffix, "gw_error_file_suffix"),
		S3:              s3,
		Database:        db,
		MetricsAddr:     src.String("", "GRID_METRICS_ADDR"),
		WorkerID:        src.String("", "GRID_WORKER_ID"),
		LogLevel:        strings.ToLower(src.String("info", "GRID_LOG_LEVEL")),
		Params:          map[string]string{},
	}

	if cfg.LockTimeout, err = src.Seconds(DefaultLockTimeout, "lock_timeout", "gw_lock_timeout"); err != nil {
		return Config{}, batch.ConfigErr("lock_timeout", "%v", err)
	}
	if cfg.MaxStagger, err = src.Seconds(DefaultMaxStagger, "max_stagger", "gw_max_time_wait_staggering"); err != nil {
		return Config{}, batch.ConfigErr("max_stagger", "%v", err)
	}
	if cfg.IgnoreErrors, err = src.Bool(false, "ignore_error_files", "gw_ignore_error_files"); err != nil {
		return Config{}, batch.ConfigErr("ignore_error_files", "%v", err)
	}

	if cfg.Source, err = location(src, s3, "source_location", "gw_source_connection", "gw_source_path"); err != nil {
		return Config{}, err
	}
	if cfg.Target, err = location(src, s3, "target_location", "gw_target_connection", "gw_target_path"); err != nil {
		return Config{}, err
	}
	if cfg.Coordinator, err = location(src, s3, "coordinator_location", "gw_coordinator_connection", "gw_coordinator_path"); err != nil {
		return Config{}, err
	}
	if cfg.Manifest, err = location(src, s3, "batch_manifest", "gw_batch_file"); err != nil {
		return Config{}, err
	}
	if cfg.Coordinator.IsZero() {
		cfg.Coordinator = cfg.Target
	}
	if cfg.Coordinator.IsZero() {
		cfg.Coordinator = cfg.Source
	}

	if cfg.Backend == "" {
		cfg.Backend = BackendLocal
		if cfg.Coordinator.Remote {
			cfg.Backend = BackendS3
		}
	}
	if cfg.Backend == BackendS3 {
		// Without a connection string every data location shares the default store.
		for _, loc := range []*Location{&cfg.Source, &cfg.Target, &cfg.Coordinator} {
			if !loc.IsZero() && !loc.Remote {
				loc.Remote = true
				loc.S3 = s3
			}
		}
	}

	if cfg.Staging, err = stagingFromSource(src, cfg); err != nil {
		return Config{}, err
	}
	if cfg.Docker, err = dockerFromSource(src); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func location(src env.Source, base objectstore.Config, keys ...string) (Location, error) {
	key, raw, ok := src.Lookup(keys...)
	if !ok {
		return Location{}, nil
	}
	conn, err := objectstore.ParseConnection(raw, base)
	if err != nil {
		return Location{}, batch.ConfigErr(key, "%v", err)
	}
	loc := Location{Path: conn.Path, Remote: conn.Remote}
	if conn.Remote {
		loc.S3 = conn.Config
	}
	return loc, nil
}

func stagingFromSource(src env.Source, cfg Config) (Staging, error) {
	// On by default for a remote source with matched files.
	enabled, err := src.Bool(cfg.Source.Remote && cfg.FilePattern != "", "GRID_STAGING")
	if err != nil {
		return Staging{}, batch.ConfigErr("GRID_STAGING", "%v", err)
	}
	concurrency, err := src.Int(staging.DefaultConcurrency, "GRID_TRANSFER_CONCURRENCY")
	if err != nil {
		return Staging{}, batch.ConfigErr("GRID_TRANSFER_CONCURRENCY", "%v", err)
	}
	return Staging{
		Enabled:     enabled,
		InputDir:    src.String(staging.DefaultInputDir, "gw_local_input_path"),
		OutputDir:   src.String(staging.DefaultOutputDir, "gw_local_target_path"),
		ExtraFiles:  src.List("gw_additional_source_files"),
		Concurrency: concurrency,
	}, nil
}

func dockerFromSource(src env.Source) (Docker, error) {
	gpus, err := src.Int(0, "GRID_DOCKER_GPUS")
	if err != nil {
		return Docker{}, batch.ConfigErr("GRID_DOCKER_GPUS", "%v", err)
	}
	return Docker{
		Image:  src.String("", "GRID_IMAGE"),
		Binary: src.String("docker", "GRID_DOCKER_BIN"),
		CPUs:   src.String("", "GRID_DOCKER_CPUS"),
		Memory: src.String("", "GRID_DOCKER_MEMORY"),
		GPUs:   gpus,
	}, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendLocal, BackendS3:
	case BackendPostgres:
		if err := c.Database.Validate(); err != nil {
			return batch.ConfigErr("GRID_DATABASE_URL", "%v", err)
		}
	default:
		return batch.ConfigErr("GRID_BACKEND", "unknown backend %q", c.Backend)
	}

	switch c.MarkerStyle {
	case MarkerNamespace:
		if c.Coordinator.IsZero() {
			return batch.ConfigErr("coordinator_location", "required when no source or target location is set")
		}
	case MarkerFile, MarkerFolder:
		if c.markerDir().IsZero() {
			return batch.ConfigErr("target_location", "required for %s markers", c.MarkerStyle)
		}
	default:
		return batch.ConfigErr("GRID_MARKER_STYLE", "unknown marker style %q", c.MarkerStyle)
	}

	if c.LockTimeout <= 0 {
		return batch.ConfigErr("lock_timeout", "must be > 0")
	}
	if c.MaxStagger < 0 {
		return batch.ConfigErr("max_stagger", "must be >= 0")
	}
	for key, suffix := range map[string]string{
		"gw_lock_file_suffix":      c.LockSuffix,
		"gw_processed_file_suffix": c.ProcessedSuffix,
		"gw_error_file_suffix":     c.ErrorSuffix,
	} {
		if suffix == "" || strings.Contains(suffix, "/") {
			return batch.ConfigErr(key, "must be a non-empty suffix without '/'")
		}
	}
	if c.LockSuffix == c.ProcessedSuffix || c.LockSuffix == c.ErrorSuffix || c.ProcessedSuffix == c.ErrorSuffix {
		return batch.ConfigErr("gw_lock_file_suffix", "marker suffixes must differ")
	}

	if c.Manifest.IsZero() && c.FilePattern == "" && c.Source.IsZero() {
		return batch.ConfigErr("source_location", "one of batch_manifest, file_pattern or source_location is required")
	}
	if c.FilePattern != "" && c.GroupBy == "" && c.Manifest.IsZero() {
		return batch.ConfigErr("group_by", "required with file_pattern")
	}
	if c.GroupBy != "" {
		if _, err := batch.ParseGroupBy(c.GroupBy); err != nil {
			return err
		}
	}

	for _, loc := range []Location{c.Source, c.Target, c.Coordinator, c.Manifest} {
		if !loc.Remote {
			continue
		}
		if err := loc.S3.Validate(); err != nil {
			return batch.ConfigErr("GRID_S3_ENDPOINT", "%s: %v", loc, err)
		}
	}

	if c.Staging.Enabled {
		if c.Target.IsZero() {
			return batch.ConfigErr("target_location", "required for staging")
		}
		if c.Staging.Concurrency < 1 {
			return batch.ConfigErr("GRID_TRANSFER_CONCURRENCY", "must be >= 1")
		}
	}
	if c.Docker.GPUs < 0 {
		return batch.ConfigErr("GRID_DOCKER_GPUS", "must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return batch.ConfigErr("GRID_LOG_LEVEL", "unknown level %q", c.LogLevel)
	}
	return nil
}

func (c Config) markerDir() Location {
	if !c.Target.IsZero() {
		return c.Target
	}
	return c.Source
}

// MarkerLocation is where the claim markers live for the configured style.
func (c Config) MarkerLocation() Location {
	if c.MarkerStyle == MarkerNamespace {
		return c.Coordinator
	}
	return c.markerDir()
}

// Scheme builds the marker scheme. Paths are those of MarkerLocation.
func (c Config) Scheme() (claim.Scheme, error) {
	dir := c.MarkerLocation().Path
	switch c.MarkerStyle {
	case MarkerNamespace:
		return claim.NamespaceScheme{
			Dir:             dir,
			LockSuffix:      c.LockSuffix,
			ProcessedSuffix: c.ProcessedSuffix,
			ErrorSuffix:     c.ErrorSuffix,
		}, nil
	case MarkerFile:
		return claim.FileScheme{Dir: dir}, nil
	case MarkerFolder:
		return claim.FolderScheme{Dir: dir}, nil
	default:
		return nil, batch.ConfigErr("GRID_MARKER_STYLE", "unknown marker style %q", c.MarkerStyle)
	}
}

// BatchSource builds the enumerator input. isMarker filters scanned entries.
func (c Config) BatchSource(isMarker func(string) bool) (batch.Source, error) {
	src := batch.Source{
		Manifest:       c.Manifest.Path,
		ManifestColumn: c.ManifestColumn,
		IsMarker:       isMarker,
	}
	if c.FilePattern != "" {
		src.Patterns = batch.ResolvePatterns(c.Source.Path, c.FilePattern)
	}
	if c.GroupBy != "" {
		g, err := batch.ParseGroupBy(c.GroupBy)
		if err != nil {
			return batch.Source{}, err
		}
		src.GroupBy = g
	}
	if len(src.Patterns) == 0 && src.Manifest == "" {
		src.ScanDir = c.Source.Path
	}
	return src, nil
}

func (c Config) StagingConfig() staging.Config {
	return staging.Config{
		InputDir:     c.Staging.InputDir,
		OutputDir:    c.Staging.OutputDir,
		TargetPrefix: c.Target.Path,
		ExtraFiles:   c.Staging.ExtraFiles,
		Concurrency:  c.Staging.Concurrency,
	}
}

// IsConfigurationError reports whether err stems from invalid settings.
func IsConfigurationError(err error) bool {
	return errors.Is(err, batch.ErrConfiguration)
}

type overlay struct {
	values map[string]string
	params map[string]string
}

// parseOverlay flattens a YAML mapping of scalar keys. A nested "params"
// mapping supplies declared parameters.
func parseOverlay(data []byte) (overlay, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return overlay{}, err
	}
	out := overlay{values: map[string]string{}, params: map[string]string{}}
	for key, node := range raw {
		if key == "params" {
			if node.Kind != yaml.MappingNode {
				return overlay{}, fmt.Errorf("params must be a mapping")
			}
			var params map[string]string
			if err := node.Decode(&params); err != nil {
				return overlay{}, fmt.Errorf("params: %w", err)
			}
			out.params = params
			continue
		}
		if node.Kind != yaml.ScalarNode {
			return overlay{}, fmt.Errorf("%s must be a scalar", key)
		}
		out.values[key] = node.Value
	}
	return out, nil
}
