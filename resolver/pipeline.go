package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/internal/clock"
)

var errMissingReqOrReqFn = errors.New("spec has neither req nor req_fn")

// attempt runs the single-request pipeline for one key's N-th attempt:
// compute the request, dispatch it, classify success, ask the spec's
// cache_fn/retry_fn what to do next, and store a successful response if
// the decision says to.
func (r *Resolver) attempt(pctx context.Context, st *state, sink *Sink, path string, spec *Spec, attemptNum int) *Exchange {
	ex := &Exchange{Path: path, Spec: spec, Attempt: attemptNum, StartedAt: r.clock()}

	if attemptNum > 1 {
		if prior := st.exchanges[path]; prior != nil && prior.Retry.DelayMS > 0 {
			r.sleep(time.Duration(prior.Retry.DelayMS) * time.Millisecond)
		}
	}

	req, reqErr := buildRequest(spec, st.ctx)
	if reqErr != nil {
		ex.Err = reqErr
		ex.FinishedAt = r.clock()
		sink.emit(Event{Kind: EventException, Path: path, Throwable: reqErr, Source: "req_fn"})
		return ex
	}
	ex.Req = req
	r.logger.DebugContext(pctx, "issuing request", "path", path, "attempt", attemptNum, "method", req.Method, "url", req.URL)
	sink.emit(Event{Kind: EventRequest, Path: path, Req: req})

	if r.transport == nil {
		ex.Err = fmt.Errorf("no transport configured")
		ex.FinishedAt = r.clock()
		sink.emit(Event{Kind: EventException, Path: path, Req: req, Throwable: ex.Err, Source: "transport"})
		return ex
	}

	res, doErr := r.transport.Do(pctx, req)
	ex.FinishedAt = r.clock()
	if doErr != nil {
		ex.Err = doErr
		sink.emit(Event{Kind: EventException, Path: path, Req: req, Throwable: doErr, Source: "transport"})
		if dec, retErr := safeRetry(spec.Retry, req, nil, attemptNum); retErr == nil {
			ex.Retry = dec
		} else {
			sink.emit(Event{
				Kind: EventInvalidData, Path: path, Throwable: retErr, Source: "retry_fn",
				RejectedExchange: ex, RejectedDecision: dec,
			})
		}
		return ex
	}
	ex.Res = res

	success, succErr := safeSuccess(spec.Success, req, res)
	if succErr != nil {
		sink.emit(Event{Kind: EventException, Path: path, Req: req, Res: res, Throwable: succErr, Source: "success?"})
	}
	ex.Success = success

	if ex.Success {
		dec, cacheErr := safeCache(spec.Cache, req, res)
		if cacheErr != nil {
			sink.emit(Event{
				Kind: EventInvalidData, Path: path, Throwable: cacheErr, Source: "cache_fn",
				RejectedExchange: ex, RejectedDecision: dec,
			})
		} else {
			ex.Cache = dec
		}
	} else {
		dec, retErr := safeRetry(spec.Retry, req, res, attemptNum)
		if retErr != nil {
			sink.emit(Event{
				Kind: EventInvalidData, Path: path, Throwable: retErr, Source: "retry_fn",
				RejectedExchange: ex, RejectedDecision: dec,
			})
		} else {
			ex.Retry = dec
		}
	}

	sink.emit(Event{
		Kind: EventResponse, Path: path, Req: req, Res: res,
		Success: ex.Success, Retry: ex.Retry.Retry, Cache: ex.Cache.Cache,
	})

	if ex.Success && ex.Cache.Cache && r.cache != nil {
		r.storeInCache(pctx, sink, path, spec, st.ctx, ex)
	}

	return ex
}

func (r *Resolver) storeInCache(pctx context.Context, sink *Sink, path string, spec *Spec, ctx map[string]any, ex *Exchange) {
	entry := &reqgraph.CacheEntry{
		Req:      ex.Req,
		Res:      ex.Res.Stripped(),
		Success:  true,
		CachedAt: r.clock(),
	}
	switch {
	case ex.Cache.ExpiresAt > 0:
		entry.ExpiresAt = clock.FromEpochMillis(ex.Cache.ExpiresAt)
	case ex.Cache.TTLMS > 0:
		entry.ExpiresAt = entry.CachedAt.Add(time.Duration(ex.Cache.TTLMS) * time.Millisecond)
	}
	ex.CachedAt = entry.CachedAt
	ex.ExpiresAt = entry.ExpiresAt

	key, ok := cacheKeyFor(spec, ctx)
	if !ok {
		key = reqgraph.CacheKey{CacheID: spec.cacheID()}
	}

	meta, err := r.cache.Put(pctx, key, entry)
	if err != nil {
		sink.emit(Event{Kind: EventException, Path: path, Throwable: err, Source: "cache/put"})
		return
	}
	r.logger.DebugContext(pctx, "stored in cache", "path", path, "cache_id", key.CacheID)
	sink.emit(Event{
		Kind: EventStoreInCache, Path: path, Req: ex.Req, Res: ex.Res,
		CachedAt: entry.CachedAt, ExpiresAt: entry.ExpiresAt, Key: key, BackendMeta: meta,
	})
}

func buildRequest(spec *Spec, ctx map[string]any) (*reqgraph.Request, error) {
	if spec.ReqFn != nil {
		params := map[string]any{}
		for _, p := range spec.Params {
			v, ok := getPath(ctx, p)
			if !ok {
				return nil, fmt.Errorf("missing param %s", pathKey(p))
			}
			params[pathKey(p)] = v
		}
		return safeReqFn(spec.ReqFn, params)
	}
	if spec.Req != nil {
		return spec.Req, nil
	}
	return nil, errMissingReqOrReqFn
}
