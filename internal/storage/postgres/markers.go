// Package postgres stores coordinator markers as rows of a single table. The
// primary key turns INSERT ... ON CONFLICT DO NOTHING into the exclusive
// create primitive. Timestamps come from the database clock rather than the
// writing worker.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/animus-labs/animus-grid/internal/storage"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	createSchemaQuery = `CREATE TABLE IF NOT EXISTS grid_markers (
		path TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		is_dir BOOLEAN NOT NULL DEFAULT FALSE,
		modified_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`

	insertMarkerQuery = `INSERT INTO grid_markers (path, content, is_dir, modified_at)
	VALUES ($1, $2, $3, clock_timestamp())
	ON CONFLICT (path) DO NOTHING
	RETURNING path`

	upsertMarkerQuery = `INSERT INTO grid_markers (path, content, is_dir, modified_at)
	VALUES ($1, $2, FALSE, clock_timestamp())
	ON CONFLICT (path) DO UPDATE SET content = EXCLUDED.content, is_dir = FALSE, modified_at = EXCLUDED.modified_at`

	existsMarkerQuery = `SELECT EXISTS (
		SELECT 1 FROM grid_markers WHERE path = $1 OR path LIKE $2 ESCAPE '\'
	)`

	selectModifiedQuery = `SELECT modified_at FROM grid_markers WHERE path = $1`

	selectContentQuery = `SELECT content FROM grid_markers WHERE path = $1 AND NOT is_dir`

	deleteMarkerQuery = `DELETE FROM grid_markers WHERE path = $1 OR path LIKE $2 ESCAPE '\'`

	renameMarkerQuery = `UPDATE grid_markers
	SET path = $2 || substr(path, length($1) + 1), modified_at = clock_timestamp()
	WHERE path = $1 OR path LIKE $3 ESCAPE '\'`

	listMarkersQuery = `SELECT path, is_dir FROM grid_markers WHERE path LIKE $1 ESCAPE '\' ORDER BY path ASC`
)

type MarkerStore struct {
	db DB
}

func NewMarkerStore(db DB) (*MarkerStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &MarkerStore{db: db}, nil
}

// EnsureSchema creates the marker table. It is safe to call from every worker.
func (s *MarkerStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSchemaQuery); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func normalize(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

func childPattern(p string) string {
	if p == "" {
		return "%"
	}
	return escapeLike(p) + "/%"
}

func (s *MarkerStore) insert(ctx context.Context, p string, content string, isDir bool) error {
	p = normalize(p)
	if p == "" {
		return errors.New("marker path is required")
	}
	var inserted string
	err := s.db.QueryRowContext(ctx, insertMarkerQuery, p, content, isDir).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, p)
	}
	return err
}

func (s *MarkerStore) CreateExclusive(ctx context.Context, p string, content []byte) error {
	return s.insert(ctx, p, string(content), false)
}

func (s *MarkerStore) CreateDirExclusive(ctx context.Context, p string) error {
	return s.insert(ctx, p, "", true)
}

func (s *MarkerStore) Exists(ctx context.Context, p string) (bool, error) {
	p = normalize(p)
	var ok bool
	if err := s.db.QueryRowContext(ctx, existsMarkerQuery, p, childPattern(p)).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *MarkerStore) ModTime(ctx context.Context, p string) (time.Time, error) {
	p = normalize(p)
	var ts time.Time
	err := s.db.QueryRowContext(ctx, selectModifiedQuery, p).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (s *MarkerStore) Delete(ctx context.Context, p string) error {
	p = normalize(p)
	res, err := s.db.ExecContext(ctx, deleteMarkerQuery, p, childPattern(p))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	return nil
}

// Rename moves a marker and, for directory markers, every row beneath it.
func (s *MarkerStore) Rename(ctx context.Context, from, to string) error {
	from, to = normalize(from), normalize(to)
	if from == "" || to == "" {
		return errors.New("marker path is required")
	}
	res, err := s.db.ExecContext(ctx, renameMarkerQuery, from, to, childPattern(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, from)
	}
	return nil
}

func (s *MarkerStore) WriteText(ctx context.Context, p string, content string) error {
	p = normalize(p)
	if p == "" {
		return errors.New("marker path is required")
	}
	_, err := s.db.ExecContext(ctx, upsertMarkerQuery, p, content)
	return err
}

func (s *MarkerStore) ReadText(ctx context.Context, p string) (string, error) {
	p = normalize(p)
	var content string
	err := s.db.QueryRowContext(ctx, selectContentQuery, p).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	return content, err
}

type row struct {
	path  string
	isDir bool
}

func (s *MarkerStore) rowsUnder(ctx context.Context, likePattern string) ([]row, error) {
	rows, err := s.db.QueryContext(ctx, listMarkersQuery, likePattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.path, &r.isDir); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MarkerStore) Glob(ctx context.Context, pattern string) ([]string, error) {
	pattern = normalize(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("glob %q: %w", pattern, doublestar.ErrBadPattern)
	}
	rows, err := s.rowsUnder(ctx, escapeLike(storage.StaticPrefix(pattern))+"%")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range rows {
		if r.isDir {
			continue
		}
		if ok, _ := doublestar.Match(pattern, r.path); ok {
			out = append(out, r.path)
		}
	}
	return out, nil
}

// EnsureDir creates the marker table; rows need no parent directories.
func (s *MarkerStore) EnsureDir(ctx context.Context, p string) error {
	return s.EnsureSchema(ctx)
}

func (s *MarkerStore) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	dir = normalize(dir)
	rows, err := s.rowsUnder(ctx, childPattern(dir))
	if err != nil {
		return nil, err
	}
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	entries := map[string]storage.Entry{}
	for _, r := range rows {
		rest := strings.TrimPrefix(r.path, prefix)
		name, nested, _ := strings.Cut(rest, "/")
		if name == "" {
			continue
		}
		e := entries[name]
		e.Name = name
		e.Path = prefix + name
		e.IsDir = e.IsDir || r.isDir || nested != ""
		entries[name] = e
	}
	out := make([]storage.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
