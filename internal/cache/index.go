package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

// SQLite-backed index of stored layers.
type index struct {
	db *sql.DB
}

// Opens the index database at path, creating the schema if needed.
func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	// A single connection serialises writers; the pipeline is sequential.
	db.SetMaxOpenConns(1)

	idx := &index{db: db}
	if err := idx.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize index: %w", err)
	}
	return idx, nil
}

func (i *index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS layers (
		key TEXT PRIMARY KEY,
		library TEXT NOT NULL,
		manifest TEXT NOT NULL,
		size INTEGER NOT NULL,
		created INTEGER NOT NULL,
		last_used INTEGER NOT NULL,
		hits INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_last_used ON layers(last_used);
	`
	_, err := i.db.Exec(schema)
	return err
}

func (i *index) close() error {
	return i.db.Close()
}

// Inserts or replaces the row for a layer.
func (i *index) put(ctx context.Context, l Layer) error {
	_, err := i.db.ExecContext(ctx,
		`INSERT INTO layers (key, library, manifest, size, created, last_used, hits)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   library = excluded.library,
		   manifest = excluded.manifest,
		   size = excluded.size,
		   created = excluded.created,
		   last_used = excluded.last_used,
		   hits = excluded.hits`,
		l.Key.String(), l.Library, l.Manifest.String(), l.Size,
		l.Created.UnixNano(), l.LastUsed.UnixNano(), l.Hits,
	)
	if err != nil {
		return fmt.Errorf("insert layer: %w", err)
	}
	return nil
}

// Returns the row for key, or [ErrCacheMiss].
func (i *index) get(ctx context.Context, key digest.Digest) (Layer, error) {
	row := i.db.QueryRowContext(ctx,
		"SELECT key, library, manifest, size, created, last_used, hits FROM layers WHERE key = ?",
		key.String(),
	)

	l, err := scanLayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Layer{}, ErrCacheMiss
	}
	return l, err
}

// Records a hit.
func (i *index) touch(ctx context.Context, key digest.Digest, at time.Time) error {
	_, err := i.db.ExecContext(ctx,
		"UPDATE layers SET last_used = ?, hits = hits + 1 WHERE key = ?",
		at.UnixNano(), key.String(),
	)
	if err != nil {
		return fmt.Errorf("update layer: %w", err)
	}
	return nil
}

func (i *index) delete(ctx context.Context, key digest.Digest) error {
	if _, err := i.db.ExecContext(ctx, "DELETE FROM layers WHERE key = ?", key.String()); err != nil {
		return fmt.Errorf("delete layer: %w", err)
	}
	return nil
}

// Returns all rows, most recently used first.
func (i *index) list(ctx context.Context) ([]Layer, error) {
	rows, err := i.db.QueryContext(ctx,
		"SELECT key, library, manifest, size, created, last_used, hits FROM layers ORDER BY last_used DESC, key",
	)
	if err != nil {
		return nil, fmt.Errorf("query layers: %w", err)
	}
	defer rows.Close()

	var layers []Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// Common interface of [sql.Row] and [sql.Rows].
type scanner interface {
	Scan(dest ...any) error
}

func scanLayer(s scanner) (Layer, error) {
	var (
		l                 Layer
		key, manifest     string
		created, lastUsed int64
	)
	if err := s.Scan(&key, &l.Library, &manifest, &l.Size, &created, &lastUsed, &l.Hits); err != nil {
		return Layer{}, err
	}
	l.Key = digest.Digest(key)
	l.Manifest = digest.Digest(manifest)
	l.Created = time.Unix(0, created)
	l.LastUsed = time.Unix(0, lastUsed)
	return l, nil
}
