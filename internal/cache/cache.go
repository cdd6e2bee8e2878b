package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/libpack/internal/paths"
	"github.com/opencontainers/go-digest"
)

// Filename of the archive inside a layer directory.
const layerFilename = "layer.tar"

// A stored dependency layer.
type Layer struct {
	Key      digest.Digest // Cache key.
	Library  string        // Library the layer was built for.
	Manifest digest.Digest // Digest of the manifest that produced it.
	Size     int64         // Archive size in bytes.
	Created  time.Time     // When the layer was committed.
	LastUsed time.Time     // When the layer was last committed or hit.
	Hits     int64         // Number of lookups that reused the layer.
	Path     string        // Path to the archive on disk.
}

// Opens the layer archive for reading.
func (l *Layer) Open() (io.ReadCloser, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}
	return f, nil
}

// Descriptive fields recorded alongside a committed layer.
type Metadata struct {
	Library  string        // Library name.
	Manifest digest.Digest // Manifest digest.
}

// A content-addressed store of dependency layers.
type Cache struct {
	root  string           // Cache root directory.
	index *index           // Layer index.
	now   func() time.Time // Clock, replaced in tests.
}

// Opens the cache rooted at dir, creating it if needed.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(paths.Layers(dir), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	idx, err := openIndex(paths.Index(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	return &Cache{root: dir, index: idx, now: time.Now}, nil
}

// Closes the index.
func (c *Cache) Close() error {
	return c.index.close()
}

// Returns the stored layer for key and records the hit.
//
// Returns [ErrCacheMiss] when no layer is indexed under key or when its
// archive has gone missing. In the latter case the stale row is removed.
func (c *Cache) Lookup(ctx context.Context, key digest.Digest) (*Layer, error) {
	l, err := c.index.get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	l.Path = c.layerPath(key)
	if _, err := os.Stat(l.Path); err != nil {
		slog.Warn("cache layer missing on disk, dropping index entry", "key", key, "path", l.Path)
		if err := c.index.delete(ctx, key); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCache, err)
		}
		return nil, ErrCacheMiss
	}

	now := c.now()
	if err := c.index.touch(ctx, key, now); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}
	l.LastUsed = now
	l.Hits++

	return &l, nil
}

// Stores the archive read from r under key.
//
// The archive is streamed to a temporary file in the layer directory and
// renamed into place once complete, so a failed or interrupted commit never
// leaves a partial layer behind. An existing layer with the same key is
// replaced.
func (c *Cache) Commit(ctx context.Context, key digest.Digest, meta Metadata, r io.Reader) (*Layer, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	dir := c.layerDir(key)
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	size, err := writeAtomic(filepath.Join(dir, layerFilename), r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	now := c.now()
	l := Layer{
		Key:      key,
		Library:  meta.Library,
		Manifest: meta.Manifest,
		Size:     size,
		Created:  now,
		LastUsed: now,
		Path:     c.layerPath(key),
	}

	if err := c.index.put(ctx, l); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	slog.Debug("cache layer committed", "key", key, "size", size)
	return &l, nil
}

// Returns all indexed layers, most recently used first.
func (c *Cache) List(ctx context.Context) ([]Layer, error) {
	layers, err := c.index.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}
	for i := range layers {
		layers[i].Path = c.layerPath(layers[i].Key)
	}
	return layers, nil
}

// Deletes a layer and its index row. Removing an absent layer is not an
// error.
func (c *Cache) Remove(ctx context.Context, key digest.Digest) error {
	if err := os.RemoveAll(c.layerDir(key)); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := c.index.delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	return nil
}

// Deletes layers that have not been used within maxAge and returns the
// removed layers.
func (c *Cache) Prune(ctx context.Context, maxAge time.Duration) ([]Layer, error) {
	layers, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := c.now().Add(-maxAge)

	var removed []Layer
	for _, l := range layers {
		if !l.LastUsed.Before(cutoff) {
			continue
		}
		if err := c.Remove(ctx, l.Key); err != nil {
			return removed, err
		}
		removed = append(removed, l)
	}

	return removed, nil
}

// Directory holding the layer for key.
func (c *Cache) layerDir(key digest.Digest) string {
	return filepath.Join(paths.Layers(c.root), key.Algorithm().String(), key.Encoded())
}

// Path of the archive for key.
func (c *Cache) layerPath(key digest.Digest) string {
	return filepath.Join(c.layerDir(key), layerFilename)
}

// Writes r to path via a temporary sibling and returns the number of bytes
// written.
func writeAtomic(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".layer-*")
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}

	return n, nil
}
