// Package staging moves a batch's inputs from remote storage into fresh local
// directories before processing and uploads the produced outputs afterwards.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/storage"
)

const (
	DefaultInputDir    = "input"
	DefaultOutputDir   = "target"
	DefaultConcurrency = 4
)

type Config struct {
	InputDir     string
	OutputDir    string
	TargetPrefix string
	ExtraFiles   []string
	Concurrency  int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.TargetPrefix) == "" {
		return batch.ConfigErr("target_location", "required for staging")
	}
	if c.Concurrency < 0 {
		return batch.ConfigErr("GRID_TRANSFER_CONCURRENCY", "must be >= 0")
	}
	return nil
}

// Workspace is the pair of local directories owned by one batch.
type Workspace struct {
	InputDir  string
	OutputDir string
}

type Stager struct {
	remote storage.Transferer
	cfg    Config
	logger *slog.Logger
}

func New(remote storage.Transferer, cfg Config, logger *slog.Logger) (*Stager, error) {
	if remote == nil {
		return nil, errors.New("remote transferer is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.InputDir == "" {
		cfg.InputDir = DefaultInputDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{remote: remote, cfg: cfg, logger: logger.With("component", "staging")}, nil
}

// LocalName maps a remote path to its place under the input directory by
// dropping the first path element (the bucket, or the top-level directory).
func LocalName(remote string) string {
	trimmed := strings.TrimPrefix(remote, "/")
	if _, rest, ok := strings.Cut(trimmed, "/"); ok && rest != "" {
		return filepath.FromSlash(rest)
	}
	return filepath.FromSlash(trimmed)
}

// Prepare creates the workspace and downloads files plus the configured extra
// files into it. Pre-existing directories fail with storage.ErrAlreadyExists.
func (s *Stager) Prepare(ctx context.Context, u batch.Unit, files []string) (Workspace, error) {
	ws := Workspace{InputDir: s.cfg.InputDir, OutputDir: s.cfg.OutputDir}
	for _, dir := range []string{ws.InputDir, ws.OutputDir} {
		if _, err := os.Stat(dir); err == nil {
			return Workspace{}, fmt.Errorf("%w: local directory %s; provide a new path", storage.ErrAlreadyExists, dir)
		}
	}
	if err := os.MkdirAll(ws.InputDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create input dir: %w", err)
	}
	if err := os.MkdirAll(ws.OutputDir, 0o755); err != nil {
		_ = os.RemoveAll(ws.InputDir)
		return Workspace{}, fmt.Errorf("create output dir: %w", err)
	}

	fileset := append(append([]string(nil), files...), s.cfg.ExtraFiles...)
	s.logger.Info("downloading batch files", "batch", u.ID, "files", len(fileset))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, remote := range fileset {
		local := filepath.Join(ws.InputDir, LocalName(remote))
		g.Go(func() error {
			s.logger.Debug("download", "from", remote, "to", local)
			if err := s.remote.Download(gctx, remote, local); err != nil {
				return fmt.Errorf("download %s: %w", remote, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ws, err
	}
	return ws, nil
}

// Publish uploads every file under the output directory to the target prefix,
// keeping relative paths. Declared outputs are only cross-checked.
func (s *Stager) Publish(ctx context.Context, u batch.Unit, ws Workspace, declared []string) error {
	s.verify(u, ws, declared)

	var files []string
	err := filepath.WalkDir(ws.OutputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk output dir: %w", err)
	}

	s.logger.Info("uploading target files", "batch", u.ID, "files", len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, local := range files {
		rel, err := filepath.Rel(ws.OutputDir, local)
		if err != nil {
			return err
		}
		remote := storage.Join(s.cfg.TargetPrefix, filepath.ToSlash(rel))
		g.Go(func() error {
			s.logger.Debug("upload", "from", local, "to", remote)
			if err := s.remote.Upload(gctx, local, remote); err != nil {
				return fmt.Errorf("upload %s: %w", local, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Stager) verify(u batch.Unit, ws Workspace, declared []string) {
	if declared == nil {
		s.logger.Info("cannot verify batch outputs, none declared; uploading output dir", "batch", u.ID)
		return
	}
	root, err := filepath.Abs(ws.OutputDir)
	if err != nil {
		return
	}
	outside := false
	for _, d := range declared {
		if _, err := os.Stat(d); err != nil {
			s.logger.Warn("declared output does not exist", "batch", u.ID, "path", d)
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(root, abs); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			outside = true
		}
	}
	if outside {
		s.logger.Warn("some declared outputs are outside the output dir; only files in the output dir are uploaded", "batch", u.ID, "output_dir", ws.OutputDir)
	}
}

// Cleanup removes both workspace directories.
func (s *Stager) Cleanup(ws Workspace) error {
	var errs []error
	for _, dir := range []string{ws.InputDir, ws.OutputDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
