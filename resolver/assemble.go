package resolver

import (
	"strings"
	"time"

	reqgraph "github.com/dgduncan/go-cond-cache"
)

// CacheStatus is the Result's cache-provenance summary, sourced from the
// winning event for the target key.
type CacheStatus struct {
	CacheHit      bool
	StoredInCache bool
	CachedAt      time.Time
	ExpiresAt     time.Time
	Key           reqgraph.CacheKey
}

// Result is the caller-facing record the Result Assembler produces for one
// target key.
type Result struct {
	Status  int
	Headers map[string][]string
	Body    any

	Success bool

	Log []Event

	Cache *CacheStatus

	Exceptions []Event

	Hint string
}

// Assemble turns the target path, the caller's raw option map (for the
// missing-params hint), and the complete ordered event list into the
// caller-facing Result.
func Assemble(target string, options map[string]any, events []Event) *Result {
	res := &Result{}

	for _, e := range events {
		if e.Path != target && e.Kind != EventException {
			continue
		}
		switch e.Kind {
		case EventResponse, EventCacheHit, EventStoreInCache, EventFailed:
			res.Log = append(res.Log, stripPathDedup(e))
		case EventException:
			res.Exceptions = append(res.Exceptions, e)
		}
	}

	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Path != target {
			continue
		}
		switch e.Kind {
		case EventResponse, EventCacheHit:
			res.Success = e.Success || e.Kind == EventCacheHit
			if e.Res != nil {
				res.Status = e.Res.Status
				res.Headers = e.Res.Headers
				res.Body = e.Res.Body
			}
			res.Cache = cacheStatusFor(target, events, e)
			return finishResult(res, target, options, events)
		case EventFailed:
			res.Success = false
			if e.Res != nil {
				res.Status = e.Res.Status
				res.Headers = e.Res.Headers
				res.Body = e.Res.Body
			}
			return finishResult(res, target, options, events)
		}
	}

	return finishResult(res, target, options, events)
}

func finishResult(res *Result, target string, options map[string]any, events []Event) *Result {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Path != target || e.Kind != EventFailed {
			continue
		}
		if e.Reason == ReasonMissingParams {
			res.Hint = missingParamsHint(options, e.Data)
		}
		break
	}
	return res
}

// cacheStatusFor sources cache-status from the winning event: a cache-hit
// reports itself; a live response reports whether it was also stored.
func cacheStatusFor(target string, events []Event, winning Event) *CacheStatus {
	switch winning.Kind {
	case EventCacheHit:
		return &CacheStatus{CacheHit: true, CachedAt: winning.CachedAt, ExpiresAt: winning.ExpiresAt, Key: winning.Key}
	case EventResponse:
		for _, e := range events {
			if e.Path == target && e.Kind == EventStoreInCache {
				return &CacheStatus{StoredInCache: true, CachedAt: e.CachedAt, ExpiresAt: e.ExpiresAt, Key: e.Key}
			}
		}
	}
	return nil
}

// stripPathDedup returns a copy of e with Path cleared, since a Result's
// Log belongs to a single target and repeating its path on every entry
// would be redundant.
func stripPathDedup(e Event) Event {
	e.Path = ""
	return e
}

// missingParamsHint builds a hint for when a missing name also appears as
// a top-level key in the caller's options map, instead of nested the way
// its path requires, so the caller gets a pointer toward the fix rather
// than a bare "missing" report.
func missingParamsHint(options map[string]any, data map[string]any) string {
	missing, _ := data["missing"].([]string)
	if len(missing) == 0 {
		return ""
	}
	for _, name := range missing {
		if _, ok := options[name]; ok {
			return "param \"" + name + "\" was found at the top level of options; did you mean to nest it under \"params\"?"
		}
		// name is a dotted path (e.g. "auth.token"); a multi-segment
		// path is missing not because its leaf is absent but because
		// the caller put a flat value at its first segment instead of
		// nesting the rest of the path underneath it.
		if first, _, ok := strings.Cut(name, "."); ok {
			if v, present := options[first]; present {
				if _, isMap := v.(map[string]any); !isMap {
					return "param \"" + name + "\" expects \"" + first + "\" to be a nested map, but it was given a flat value; did you mean to nest the rest of the path under it?"
				}
			}
		}
	}
	return ""
}
