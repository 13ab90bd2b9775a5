// Package fs is the atomic-move filesystem CacheBackend: entries are
// written to a temporary file in the target directory and renamed into
// place, so a concurrent reader never observes a partially written file.
// It follows the same Config-struct-plus-New-constructor shape as the
// other backends in this module, built on os/io in place of database/sql.
package fs

import (
	"context"
	"encoding/gob"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/caches"
	"github.com/dgduncan/go-cond-cache/internal/clock"
)

// Config configures a Cache.
type Config struct {
	// Root is the directory entries are stored under. Created lazily.
	Root string
	// Now lets tests fix the clock; a nil Now falls back to clock.Now.
	Now clock.Source
	// Logger lets tests/callers observe cache activity; a nil Logger
	// becomes a discard logger.
	Logger *slog.Logger
}

// Cache is a filesystem-backed reqgraph.CacheBackend.
type Cache struct {
	root   string
	now    clock.Source
	logger *slog.Logger
}

// record is the on-disk representation of a CacheEntry, encoded with
// encoding/gob the same way the postgres and dynamodb backends encode
// entries before writing them to their own stores.
type record struct {
	Req       *reqgraph.Request
	Res       *reqgraph.Response
	Success   bool
	CachedAt  time.Time
	ExpiresAt time.Time
}

// New constructs a filesystem Cache rooted at cfg.Root. Root is created
// lazily on first Put, not here.
func New(cfg Config) (*Cache, error) {
	if cfg.Root == "" {
		return nil, caches.ValidationErr("empty root directory")
	}
	now := cfg.Now
	if now == nil {
		now = clock.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{root: cfg.Root, now: now, logger: logger}, nil
}

// Lookup implements reqgraph.CacheBackend. A missing or unparseable file
// is reported as reqgraph.ErrNotFound, never as an error the resolver
// has to special-case. An expired entry is deleted on read.
func (c *Cache) Lookup(_ context.Context, key reqgraph.CacheKey) (*reqgraph.CacheEntry, error) {
	path := filepath.Join(caches.FSPath(c.root, key)...)

	f, err := os.Open(path)
	if err != nil {
		return nil, reqgraph.ErrNotFound
	}
	defer f.Close()

	var rec record
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		c.logger.Warn("cache file unparseable, treating as miss", "path", path, "error", err)
		return nil, reqgraph.ErrNotFound
	}

	entry := &reqgraph.CacheEntry{
		Req:       rec.Req,
		Res:       rec.Res,
		Success:   rec.Success,
		CachedAt:  rec.CachedAt,
		ExpiresAt: rec.ExpiresAt,
	}

	if entry.Expired(c.now()) {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn("failed to delete expired cache file", "path", path, "error", rmErr)
		}
		return entry, reqgraph.ErrCacheItemExpired
	}

	return entry, nil
}

// Put implements reqgraph.CacheBackend. It writes to a temporary file in
// the same directory as the final path and renames it into place, so a
// concurrent Lookup always observes either the old content or the new
// content, never a partial write.
func (c *Cache) Put(_ context.Context, key reqgraph.CacheKey, entry *reqgraph.CacheEntry) (map[string]any, error) {
	segments := caches.FSPath(c.root, key)
	path := filepath.Join(segments...)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	rec := record{
		Req:       entry.Req,
		Res:       entry.Res.Stripped(),
		Success:   entry.Success,
		CachedAt:  entry.CachedAt,
		ExpiresAt: entry.ExpiresAt,
	}

	if err := gob.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, err
	}

	return map[string]any{"path": path}, nil
}
