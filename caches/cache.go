// Package caches holds the key-rendering rules shared by every
// CacheBackend implementation, plus a couple of defaults the backends in
// this module already rely on.
package caches

import (
	"strings"
	"time"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/internal/fingerprint"
)

var (
	// DefaultExpiredDuration is the default expired duration.
	DefaultExpiredDuration = 24 * time.Hour

	// DefaultExpiredTaskTimer is the default duration of the expired task
	// timer.
	DefaultExpiredTaskTimer = 10 * time.Minute
)

// RemoteKey renders key the way remote KV backends key their entries:
// "<cache-id-dotted>/<fingerprint>" when the params projection is
// non-empty, or bare "<cache-id-dotted>" when it is nil.
func RemoteKey(key reqgraph.CacheKey) string {
	id := dottedID(key.CacheID)
	if key.Params == nil {
		return id
	}
	return id + "/" + fingerprint.Of(key.Params)
}

// FSPath renders key the way the filesystem backend shards its files:
// "<root>/<cache-id-dotted>/<first2-hex>/<rest-hex>.edn". When the params
// projection is nil the file lives directly under the cache-id directory
// as "_.edn" since there is no fingerprint to shard on.
func FSPath(root string, key reqgraph.CacheKey) []string {
	id := dottedID(key.CacheID)
	if key.Params == nil {
		return []string{root, id, "_.edn"}
	}
	sum := fingerprint.Of(key.Params)
	return []string{root, id, sum[:2], sum[2:] + ".edn"}
}

func dottedID(cacheID string) string {
	return strings.ReplaceAll(cacheID, "/", ".")
}
