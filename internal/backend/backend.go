// Package backend opens the storage adapters a worker needs for a Config.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/animus-labs/animus-grid/internal/config"
	"github.com/animus-labs/animus-grid/internal/platform/objectstore"
	platformpg "github.com/animus-labs/animus-grid/internal/platform/postgres"
	"github.com/animus-labs/animus-grid/internal/storage"
	"github.com/animus-labs/animus-grid/internal/storage/localfs"
	storeobj "github.com/animus-labs/animus-grid/internal/storage/objectstore"
	storepg "github.com/animus-labs/animus-grid/internal/storage/postgres"
)

// DataStore is a backend that can also move whole files to and from local disk.
type DataStore interface {
	storage.Backend
	storage.Transferer
}

// Set holds the adapters for each role. Roles may share one adapter.
type Set struct {
	Markers   storage.Backend
	Data      DataStore
	Manifests storage.Backend
	Target    DataStore

	db     *sql.DB
	stores map[objectstore.Config]*storeobj.Backend
}

// Open connects every backend cfg selects. The Postgres marker table is
// created when missing.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{stores: map[objectstore.Config]*storeobj.Backend{}}

	var err error
	if s.Data, err = s.open(cfg.Source); err != nil {
		return nil, fmt.Errorf("source backend: %w", err)
	}
	if s.Target, err = s.open(cfg.Target); err != nil {
		return nil, fmt.Errorf("target backend: %w", err)
	}
	if s.Manifests, err = s.open(cfg.Manifest); err != nil {
		return nil, fmt.Errorf("manifest backend: %w", err)
	}

	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := platformpg.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		markers, err := storepg.NewMarkerStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := markers.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		s.db = db
		s.Markers = markers
	default:
		markers, err := s.open(cfg.MarkerLocation())
		if err != nil {
			return nil, fmt.Errorf("marker backend: %w", err)
		}
		s.Markers = markers
	}

	logger.Info("storage opened",
		"backend", string(cfg.Backend),
		"markers", cfg.MarkerLocation().String(),
		"source", cfg.Source.String(),
		"target", cfg.Target.String(),
	)
	return s, nil
}

func (s *Set) open(loc config.Location) (DataStore, error) {
	if !loc.Remote {
		return localfs.New(), nil
	}
	if b, ok := s.stores[loc.S3]; ok {
		return b, nil
	}
	store, err := storeobj.NewMinioStore(loc.S3)
	if err != nil {
		return nil, err
	}
	b, err := storeobj.NewBackend(store)
	if err != nil {
		return nil, err
	}
	s.stores[loc.S3] = b
	return b, nil
}

// Transfer downloads from the source backend and uploads to the target one.
func (s *Set) Transfer() storage.Transferer {
	return transfer{from: s.Data, to: s.Target}
}

// Ping checks the marker backend is reachable.
func (s *Set) Ping(ctx context.Context) error {
	if s.db != nil {
		return s.db.PingContext(ctx)
	}
	return nil
}

func (s *Set) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type transfer struct {
	from storage.Transferer
	to   storage.Transferer
}

func (t transfer) Download(ctx context.Context, remotePath, localPath string) error {
	return t.from.Download(ctx, remotePath, localPath)
}

func (t transfer) Upload(ctx context.Context, localPath, remotePath string) error {
	return t.to.Upload(ctx, localPath, remotePath)
}
