package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-grid/internal/platform/env"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ConfigFromSource reads pool settings. URL may be empty; Validate rejects
// that only for runs that actually select the postgres backend.
func ConfigFromSource(src env.Source) (Config, error) {
	pingTimeout, err := src.Duration(2*time.Second, "GRID_DATABASE_PING_TIMEOUT")
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := src.Int(4, "GRID_DATABASE_MAX_OPEN_CONNS")
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := src.Int(2, "GRID_DATABASE_MAX_IDLE_CONNS")
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := src.Duration(30*time.Minute, "GRID_DATABASE_CONN_MAX_LIFETIME")
	if err != nil {
		return Config{}, err
	}
	connMaxIdleTime, err := src.Duration(5*time.Minute, "GRID_DATABASE_CONN_MAX_IDLE_TIME")
	if err != nil {
		return Config{}, err
	}

	return Config{
		URL:             src.String("", "GRID_DATABASE_URL", "DATABASE_URL"),
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
	}, nil
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("GRID_DATABASE_URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("GRID_DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("GRID_DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("GRID_DATABASE_MAX_IDLE_CONNS must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("GRID_DATABASE_MAX_IDLE_CONNS must be <= GRID_DATABASE_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("GRID_DATABASE_CONN_MAX_LIFETIME must be >= 0")
	}
	if c.ConnMaxIdleTime < 0 {
		return errors.New("GRID_DATABASE_CONN_MAX_IDLE_TIME must be >= 0")
	}
	return nil
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}
