package resolver

import (
	"math/rand"
	"net/http"

	reqgraph "github.com/dgduncan/go-cond-cache"
)

// RetryConfig configures BuildRetry. Retryable defaults to
// "the request method is GET". Refresh is a static list of keys to refresh
// on every retry; RefreshFn, when set, computes that list from the
// exchange instead and takes precedence.
type RetryConfig struct {
	Retries   int
	Delays    []int64
	Retryable func(req *reqgraph.Request, res *reqgraph.Response) bool
	Refresh   []string
	RefreshFn func(req *reqgraph.Request, res *reqgraph.Response) []string

	// Jitter adds up to this many extra milliseconds, randomized per
	// attempt, on top of the configured delay. Zero disables jitter.
	// Not part of the original policy shape; added because every backoff
	// implementation in practice needs to avoid synchronized retries from
	// concurrent callers hitting the same upstream at once.
	Jitter int64
}

// BuildRetry returns a RetryFn closing over cfg: retry while attempts are
// within budget and the request is retryable, with the delay schedule
// from Delays (clamped to its last entry once attempts exceed its
// length).
func BuildRetry(cfg RetryConfig) RetryFn {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(req *reqgraph.Request, _ *reqgraph.Response) bool {
			return req == nil || req.Method == "" || req.Method == http.MethodGet
		}
	}

	return func(req *reqgraph.Request, res *reqgraph.Response, numAttempts int) RetryDecision {
		if !retryable(req, res) || numAttempts > cfg.Retries {
			return RetryDecision{Retry: false, MaxRetries: cfg.Retries}
		}

		var delay int64
		if len(cfg.Delays) > 0 {
			idx := numAttempts - 1
			if idx >= len(cfg.Delays) {
				idx = len(cfg.Delays) - 1
			}
			if idx >= 0 {
				delay = cfg.Delays[idx]
			}
		}
		if cfg.Jitter > 0 {
			delay += rand.Int63n(cfg.Jitter + 1)
		}

		var refresh []string
		if cfg.RefreshFn != nil {
			refresh = cfg.RefreshFn(req, res)
		} else if len(cfg.Refresh) > 0 {
			refresh = cfg.Refresh
		}

		return RetryDecision{
			Retry:      true,
			DelayMS:    delay,
			MaxRetries: cfg.Retries,
			Refresh:    refresh,
		}
	}
}

// CacheConfig configures BuildCache. TTL is a fixed
// millisecond lifetime; TTLFn, when set, computes it per exchange and takes
// precedence. Cacheable defaults to "always".
type CacheConfig struct {
	TTL       int64
	TTLFn     func(req *reqgraph.Request, res *reqgraph.Response) int64
	Cacheable func(req *reqgraph.Request, res *reqgraph.Response) bool
	Now       func() int64
}

// BuildCache returns a CacheFn closing over cfg.
func BuildCache(cfg CacheConfig) CacheFn {
	cacheable := cfg.Cacheable
	if cacheable == nil {
		cacheable = func(*reqgraph.Request, *reqgraph.Response) bool { return true }
	}
	now := cfg.Now

	return func(req *reqgraph.Request, res *reqgraph.Response) CacheDecision {
		if !cacheable(req, res) {
			return CacheDecision{Cache: false}
		}

		ttl := cfg.TTL
		if cfg.TTLFn != nil {
			ttl = cfg.TTLFn(req, res)
		}

		dec := CacheDecision{Cache: true, TTLMS: ttl}
		if now != nil && ttl > 0 {
			dec.ExpiresAt = now() + ttl
		}
		return dec
	}
}
