package caches

import (
	"fmt"

	reqgraph "github.com/dgduncan/go-cond-cache"
)

// ValidationErr wraps reqgraph.ErrValidation with a backend-specific
// reason, so callers can both errors.Is(err, reqgraph.ErrValidation) and
// read a human-readable cause.
func ValidationErr(reason string) error {
	return fmt.Errorf("%w: %s", reqgraph.ErrValidation, reason)
}

// Re-exported so backend code can refer to caches.ErrX without every
// backend importing the root package under two names.
var (
	ErrNotFound         = reqgraph.ErrNotFound
	ErrCacheItemExpired = reqgraph.ErrCacheItemExpired
)
