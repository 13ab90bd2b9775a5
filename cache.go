// Package reqgraph is a dependency-driven HTTP request resolution engine:
// given a graph of named request specs, it resolves them to a final result,
// consulting a cache, dispatching concurrent sub-requests, retrying with
// delays and refreshed dependencies, and recording every step.
package reqgraph

import (
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/dgduncan/go-cond-cache/internal/clock"
)

// Cache entries that get gob-serialized (caches/fs, caches/dynamodb,
// caches/postgres) carry Request/Response bodies typed as any, usually
// holding whatever encoding/json decoded them into. gob needs the
// concrete dynamic types registered up front to encode through an
// interface field.
func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

var (
	// ErrNotFound is returned by a CacheBackend.Lookup for a plain cache
	// miss, distinct from ErrCacheItemExpired.
	ErrNotFound = errors.New("cache item not found")

	// ErrCacheItemExpired is returned when a lookup finds an entry whose
	// ExpiresAt has passed. Callers treat it the same as ErrNotFound;
	// backends that delete expired entries on read still return it for
	// the read that deleted the entry.
	ErrCacheItemExpired = errors.New("cache item expired")

	// ErrValidation is returned by backend constructors given an invalid
	// configuration (nil client, empty table name, and similar).
	ErrValidation = errors.New("invalid cache backend configuration")
)

// CacheKey identifies one cache entry: CacheID names the spec (its
// lookup_id, or a sentinel when absent); Params is the projection of the
// spec's lookup_params, which backends fingerprint into a storage key. A
// nil Params means the projection is empty.
type CacheKey struct {
	CacheID string
	Params  map[string]any
}

// CacheEntry is what a CacheBackend stores and returns. Req and Res are the
// opaque descriptors from the winning exchange; transport-handle fields
// must already be stripped from Res before it reaches a backend.
type CacheEntry struct {
	Req       *Request
	Res       *Response
	Success   bool
	CachedAt  time.Time
	ExpiresAt time.Time // zero value means "no expiry"
}

// Expired reports whether the entry's ExpiresAt has passed as of now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && clock.Before(clock.EpochMillis(e.ExpiresAt), clock.EpochMillis(now))
}

// CacheBackend is the contract every cache implementation satisfies:
// lookup by key, store by key. Implementations must tolerate a nil
// Params projection, must never return an error for an ordinary miss
// (ErrNotFound/ErrCacheItemExpired are not errors for this purpose — Lookup
// returns them as its error value, and callers treat both as "no entry"),
// and are not required to preserve field order, only content equality.
type CacheBackend interface {
	Lookup(ctx context.Context, key CacheKey) (*CacheEntry, error)
	Put(ctx context.Context, key CacheKey, entry *CacheEntry) (map[string]any, error)
}
