// Package local provides an in-memory CacheBackend: a mutable map guarded
// by a mutex, generalized from a string-keyed conditional-response cache
// to the resolver's CacheKey/CacheEntry contract.
package local

import (
	"context"
	"sync"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/caches"
	"github.com/dgduncan/go-cond-cache/internal/clock"
)

// BasicCache is an in-memory reqgraph.CacheBackend. The zero value is not
// usable; construct with NewBasicCache.
type BasicCache struct {
	entries map[string]*reqgraph.CacheEntry
	now     clock.Source
	lock    sync.RWMutex
}

// Lookup implements reqgraph.CacheBackend. A hit whose entry has expired
// is deleted and reported as reqgraph.ErrCacheItemExpired, the same
// eager-delete behavior the filesystem backend uses. The remote backends
// (dynamodb, postgres) report ErrCacheItemExpired without deleting.
func (bc *BasicCache) Lookup(_ context.Context, key reqgraph.CacheKey) (*reqgraph.CacheEntry, error) {
	bc.lock.RLock()
	entry, found := bc.entries[caches.RemoteKey(key)]
	bc.lock.RUnlock()

	if !found {
		return nil, reqgraph.ErrNotFound
	}
	if entry.Expired(bc.now()) {
		bc.lock.Lock()
		delete(bc.entries, caches.RemoteKey(key))
		bc.lock.Unlock()
		return entry, reqgraph.ErrCacheItemExpired
	}
	return entry, nil
}

// Put implements reqgraph.CacheBackend.
func (bc *BasicCache) Put(_ context.Context, key reqgraph.CacheKey, entry *reqgraph.CacheEntry) (map[string]any, error) {
	k := caches.RemoteKey(key)

	bc.lock.Lock()
	bc.entries[k] = entry
	bc.lock.Unlock()

	return map[string]any{"key": k}, nil
}

// NewBasicCache constructs an empty BasicCache using clock.Now for expiry
// checks.
func NewBasicCache() *BasicCache {
	return NewBasicCacheWithTimeFunc(clock.Now)
}

// NewBasicCacheWithTimeFunc constructs an empty BasicCache using now for
// expiry checks, letting tests supply a fixed or stepped clock.
func NewBasicCacheWithTimeFunc(now clock.Source) *BasicCache {
	return &BasicCache{
		entries: make(map[string]*reqgraph.CacheEntry),
		now:     now,
	}
}
