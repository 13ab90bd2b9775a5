// Package resolver is the dependency-driven HTTP request resolution
// engine: given a graph of named request Specs it drives them to
// resolution, consulting a cache, dispatching concurrent sub-requests,
// retrying with delays and refreshed dependencies, and recording every
// step to an ordered exchange log and event stream.
package resolver

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/google/uuid"

	reqgraph "github.com/dgduncan/go-cond-cache"
)

// ReqFn computes a request descriptor from the subset of context values
// named by a Spec's Params.
type ReqFn func(params map[string]any) (*reqgraph.Request, error)

// SuccessFn decides whether an exchange counts as successful. The default
// (nil) predicate checks for a 2xx transport-reported status.
type SuccessFn func(req *reqgraph.Request, res *reqgraph.Response) bool

// RetryDecision is what a RetryFn returns after a failed attempt.
type RetryDecision struct {
	Retry      bool
	DelayMS    int64
	MaxRetries int
	Refresh    []string
}

// RetryFn computes a RetryDecision from a failed exchange.
type RetryFn func(req *reqgraph.Request, res *reqgraph.Response, numAttempts int) RetryDecision

// CacheDecision is what a CacheFn returns after a successful attempt.
type CacheDecision struct {
	Cache     bool
	ExpiresAt int64 // epoch milliseconds; 0 means "no expiry"
	TTLMS     int64
}

// CacheFn computes a CacheDecision from a successful exchange.
type CacheFn func(req *reqgraph.Request, res *reqgraph.Response) CacheDecision

// PrepareLookupParamsFn transforms a spec's raw lookup-param map before it
// is fingerprinted into a cache key.
type PrepareLookupParamsFn func(params map[string]any) map[string]any

// SelectFn projects a sub-spec's resolved response into the value actually
// installed into the context. The default select is the identity of res.
type SelectFn func(res *reqgraph.Response) any

// Spec is the declarative description of one logical request. Specs are
// immutable after construction except for the Refresh flag,
// which the resolver flips to bypass the cache on a key's next attempt,
// Name and Select, which liftSubSpecs sets when the spec is lifted out of
// the params, and the memoized derived cache id.
type Spec struct {
	Name string

	Req   *reqgraph.Request
	ReqFn ReqFn

	// Params is the ordered list of param names (or paths) that must be
	// present in the context before ReqFn may run.
	Params [][]string

	// LookupParams is the subset of Params used for cache keying. Nil
	// means "equal to Params".
	LookupParams [][]string

	PrepareLookupParams PrepareLookupParamsFn

	// LookupID is the stable symbolic cache-id. Empty means "derive from
	// ReqFn's name, else the sentinel req".
	LookupID string

	Success SuccessFn
	Retry   RetryFn
	Cache   CacheFn

	// Select projects a sub-spec's response into the context value seen
	// by specs that depend on it. Nil means "the whole response".
	Select SelectFn

	// Refresh bypasses the cache on this spec's next attempt; cleared
	// automatically after the spec's next successful exchange.
	Refresh bool

	// derivedID memoizes cacheID's fallback derivation so an anonymous
	// ReqFn's synthesized identifier stays stable for the lifetime of the
	// spec, instead of a fresh random id on every cache-key computation.
	derivedID string
}

// lookupParamsOrDefault returns LookupParams, defaulting to Params.
func (s *Spec) lookupParamsOrDefault() [][]string {
	if s.LookupParams != nil {
		return s.LookupParams
	}
	return s.Params
}

// cacheID returns the spec's lookup_id, deriving it from ReqFn's symbolic
// name when absent, falling back to the sentinel "req". The derivation is
// memoized: an anonymous ReqFn's synthesized identifier must stay the same
// across every call for a resolution's cache keys to be internally
// consistent.
func (s *Spec) cacheID() string {
	if s.LookupID != "" {
		return s.LookupID
	}
	if s.derivedID == "" {
		s.derivedID = "req"
		if s.ReqFn != nil {
			if name := funcName(s.ReqFn); name != "" {
				s.derivedID = name
			}
		}
	}
	return s.derivedID
}

// funcName returns a stable symbolic name for fn when the runtime can
// recover one (named or top-level functions get their package-qualified
// runtime name, e.g. "example.com/pkg.Name"); for
// anonymous closures it falls back to a freshly generated identifier so a
// function's lack of a fixed name never breaks key derivation.
func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.Pointer() == 0 {
		return ""
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return ""
	}
	name := rf.Name()
	if strings.Contains(name, ".func") {
		// Anonymous closure: synthesize a diagnostic identifier instead
		// of leaking a compiler-generated name that isn't stable across
		// builds.
		return "anon-" + uuid.NewString()
	}
	return name
}

// pathKey turns a param path ([]string, e.g. {"user", "id"}) into a single
// string key used to index the context's flat param map when the path has
// exactly one element, or a dotted key for nested lookups.
func pathKey(path []string) string {
	return strings.Join(path, ".")
}
