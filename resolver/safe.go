package resolver

import (
	"fmt"

	reqgraph "github.com/dgduncan/go-cond-cache"
)

// The safe* wrappers enforce a propagation policy: a user-supplied
// function's panic or error never reaches the resolver's main loop. Each
// returns a safe default (zero value / false / identity) and the error
// it recovered, for the caller to turn into an exception event.

func safeReqFn(fn ReqFn, params map[string]any) (req *reqgraph.Request, err error) {
	defer func() {
		if p := recover(); p != nil {
			req, err = nil, fmt.Errorf("req_fn panicked: %v", p)
		}
	}()
	return fn(params)
}

func safeSuccess(fn SuccessFn, req *reqgraph.Request, res *reqgraph.Response) (ok bool, err error) {
	if fn == nil {
		return res != nil && res.Status >= 200 && res.Status < 300, nil
	}
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("success? panicked: %v", p)
		}
	}()
	return fn(req, res), nil
}

func safeRetry(fn RetryFn, req *reqgraph.Request, res *reqgraph.Response, attempt int) (dec RetryDecision, err error) {
	if fn == nil {
		return RetryDecision{}, nil
	}
	defer func() {
		if p := recover(); p != nil {
			dec, err = RetryDecision{}, fmt.Errorf("retry_fn panicked: %v", p)
		}
	}()
	return fn(req, res, attempt), nil
}

func safeCache(fn CacheFn, req *reqgraph.Request, res *reqgraph.Response) (dec CacheDecision, err error) {
	if fn == nil {
		return CacheDecision{}, nil
	}
	defer func() {
		if p := recover(); p != nil {
			dec, err = CacheDecision{}, fmt.Errorf("cache_fn panicked: %v", p)
		}
	}()
	return fn(req, res), nil
}

func safeSelect(fn SelectFn, res *reqgraph.Response) (value any, err error) {
	if fn == nil {
		return res, nil
	}
	defer func() {
		if p := recover(); p != nil {
			value, err = res, fmt.Errorf("select panicked: %v", p)
		}
	}()
	return fn(res), nil
}

func safePrepareLookupParams(fn PrepareLookupParamsFn, params map[string]any) (out map[string]any, err error) {
	if fn == nil {
		return params, nil
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = params, fmt.Errorf("prepare_lookup_params panicked: %v", p)
		}
	}()
	return fn(params), nil
}
