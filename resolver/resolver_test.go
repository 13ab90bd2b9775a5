package resolver_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/caches/local"
	"github.com/dgduncan/go-cond-cache/resolver"
)

// scriptedTransport replays a fixed sequence of responses per (method, url)
// pair, standing in for a fake RoundTripper.
type scriptedTransport struct {
	mu    sync.Mutex
	queue map[string][]scriptedResponse
}

type scriptedResponse struct {
	res *reqgraph.Response
	err error
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{queue: map[string][]scriptedResponse{}}
}

func (t *scriptedTransport) script(method, url string, responses ...scriptedResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue[method+" "+url] = responses
}

func (t *scriptedTransport) Do(_ context.Context, req *reqgraph.Request) (*reqgraph.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := req.Method + " " + req.URL
	q := t.queue[key]
	if len(q) == 0 {
		return nil, fmt.Errorf("scriptedTransport: no more responses for %s", key)
	}
	next := q[0]
	t.queue[key] = q[1:]
	return next.res, next.err
}

func collect(sink <-chan resolver.Event) []resolver.Event {
	var events []resolver.Event
	for e := range sink {
		events = append(events, e)
	}
	return events
}

func kinds(events []resolver.Event) []resolver.EventKind {
	out := make([]resolver.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func eqKinds(t *testing.T, got []resolver.EventKind, want []resolver.EventKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", got, want)
		}
	}
}

// S1 Basic GET.
func TestS1BasicGET(t *testing.T) {
	transport := newScriptedTransport()
	transport.script("GET", "http://ex/", scriptedResponse{
		res: &reqgraph.Response{Status: 200, Body: map[string]any{"yep": "Indeed"}},
	})

	spec := &resolver.Spec{Req: &reqgraph.Request{Method: "GET", URL: "http://ex/"}}

	result := resolver.Request(context.Background(), spec, resolver.Options{Transport: transport})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Status != 200 {
		t.Errorf("Status = %d, want 200", result.Status)
	}
	body, _ := result.Body.(map[string]any)
	if body["yep"] != "Indeed" {
		t.Errorf("Body = %v", result.Body)
	}
}

func TestS1EventOrder(t *testing.T) {
	transport := newScriptedTransport()
	transport.script("GET", "http://ex/", scriptedResponse{
		res: &reqgraph.Response{Status: 200, Body: map[string]any{"yep": "Indeed"}},
	})

	spec := &resolver.Spec{Req: &reqgraph.Request{Method: "GET", URL: "http://ex/"}}
	events, future := resolver.RequestWithLog(context.Background(), spec, resolver.Options{Transport: transport})
	got := collect(events)
	<-future

	eqKinds(t, kinds(got), []resolver.EventKind{resolver.EventRequest, resolver.EventResponse})
}

// S2 Retry on 500.
func TestS2RetryOn500(t *testing.T) {
	transport := newScriptedTransport()
	transport.script("GET", "http://ex/",
		scriptedResponse{res: &reqgraph.Response{Status: 500}},
		scriptedResponse{res: &reqgraph.Response{Status: 200, Body: map[string]any{"ok?": true}}},
	)

	spec := &resolver.Spec{
		Req:   &reqgraph.Request{Method: "GET", URL: "http://ex/"},
		Retry: resolver.BuildRetry(resolver.RetryConfig{Retries: 2, Delays: []int64{0, 0}}),
	}

	events, future := resolver.RequestWithLog(context.Background(), spec, resolver.Options{Transport: transport})
	got := collect(events)
	result := <-future

	eqKinds(t, kinds(got), []resolver.EventKind{
		resolver.EventRequest, resolver.EventResponse,
		resolver.EventRequest, resolver.EventResponse,
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	body, _ := result.Body.(map[string]any)
	if body["ok?"] != true {
		t.Errorf("Body = %v", result.Body)
	}
}

// S3 Retries exhausted.
func TestS3RetriesExhausted(t *testing.T) {
	transport := newScriptedTransport()
	transport.script("GET", "http://ex/",
		scriptedResponse{res: &reqgraph.Response{Status: 500}},
		scriptedResponse{res: &reqgraph.Response{Status: 500}},
	)

	spec := &resolver.Spec{
		Req:   &reqgraph.Request{Method: "GET", URL: "http://ex/"},
		Retry: resolver.BuildRetry(resolver.RetryConfig{Retries: 1, Delays: []int64{0}}),
	}

	events, future := resolver.RequestWithLog(context.Background(), spec, resolver.Options{Transport: transport})
	got := collect(events)
	result := <-future

	if result.Success {
		t.Fatalf("expected failure, got %+v", result)
	}
	var failed *resolver.Event
	for i := range got {
		if got[i].Kind == resolver.EventFailed {
			failed = &got[i]
		}
	}
	if failed == nil {
		t.Fatal("expected a failed event")
	}
	if failed.Reason != resolver.ReasonRetriesExhausted {
		t.Errorf("Reason = %v, want %v", failed.Reason, resolver.ReasonRetriesExhausted)
	}
	if failed.Data["attempts"] != 2 || failed.Data["max_retries"] != 1 {
		t.Errorf("Data = %v", failed.Data)
	}
}

// S4 Dependent token.
func TestS4DependentToken(t *testing.T) {
	transport := newScriptedTransport()
	transport.script("POST", "http://auth/", scriptedResponse{
		res: &reqgraph.Response{Status: 200, Body: map[string]any{"token": "T"}},
	})
	transport.script("GET", "http://api/", scriptedResponse{
		res: &reqgraph.Response{Status: 200, Body: map[string]any{"ok": true}},
	})

	tokenSpec := &resolver.Spec{Req: &reqgraph.Request{Method: "POST", URL: "http://auth/"}}

	aSpec := &resolver.Spec{
		Params: [][]string{{"token"}},
		ReqFn: func(params map[string]any) (*reqgraph.Request, error) {
			token := params["token"].(*reqgraph.Response)
			body := token.Body.(map[string]any)
			return &reqgraph.Request{
				Method: "GET",
				URL:    "http://api/",
				Headers: http.Header{
					"Authorization": {"Bearer " + body["token"].(string)},
				},
			}, nil
		},
	}

	events, future := resolver.RequestWithLog(context.Background(), aSpec, resolver.Options{
		Transport: transport,
		Params:    map[string]any{"token": resolver.SubSpec{Spec: tokenSpec}},
	})
	got := collect(events)
	result := <-future

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	var sawTokenRequest, sawARequest bool
	for _, e := range got {
		if e.Kind != resolver.EventRequest {
			continue
		}
		switch e.Path {
		case "token":
			sawTokenRequest = true
			if sawARequest {
				t.Error("token request observed after A's request; expected B before A")
			}
		case resolver.RootPath:
			sawARequest = true
			if !sawTokenRequest {
				t.Error("A's request observed before token resolved")
			}
		}
	}
	if !sawTokenRequest || !sawARequest {
		t.Fatalf("expected both token and root requests, got %v", kinds(got))
	}
}

// S5 Cache hit skips dependency.
func TestS5CacheHitSkipsDependency(t *testing.T) {
	transport := newScriptedTransport()
	// No script registered for the token request: if the resolver issues
	// one, the test fails via scriptedTransport's "no more responses" error
	// surfacing as an exception/failed event rather than a cache hit.

	cache := local.NewBasicCache()
	aSpec := &resolver.Spec{
		LookupID:     "A",
		LookupParams: [][]string{{"id"}},
		Params:       [][]string{{"id"}, {"token"}},
		Req:          &reqgraph.Request{Method: "GET", URL: "http://ex/a"},
	}

	seeded := &reqgraph.CacheEntry{
		Res:     &reqgraph.Response{Status: 200, Body: map[string]any{"cached": true}},
		Success: true,
	}
	if _, err := cache.Put(context.Background(), reqgraph.CacheKey{CacheID: "A", Params: map[string]any{"id": 42}}, seeded); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	tokenSpec := &resolver.Spec{Req: &reqgraph.Request{Method: "POST", URL: "http://auth/"}}

	events, future := resolver.RequestWithLog(context.Background(), aSpec, resolver.Options{
		Cache:     cache,
		Transport: transport,
		Params: map[string]any{
			"id":    42,
			"token": resolver.SubSpec{Spec: tokenSpec},
		},
	})
	got := collect(events)
	result := <-future

	if !result.Success {
		t.Fatalf("expected success from cache hit, got %+v", result)
	}
	if len(got) != 1 || got[0].Kind != resolver.EventCacheHit {
		t.Fatalf("events = %v, want exactly one cache-hit", kinds(got))
	}
}

// S6 Refresh on 401.
func TestS6RefreshOn401(t *testing.T) {
	transport := newScriptedTransport()
	transport.script("GET", "http://api/",
		scriptedResponse{res: &reqgraph.Response{Status: 401}},
		scriptedResponse{res: &reqgraph.Response{Status: 200, Body: map[string]any{"ok": true}}},
	)
	transport.script("POST", "http://auth/",
		scriptedResponse{res: &reqgraph.Response{Status: 200, Body: map[string]any{"token": "NEW"}}},
	)

	cache := local.NewBasicCache()
	tokenSpec := &resolver.Spec{
		LookupID: "token",
		Req:      &reqgraph.Request{Method: "POST", URL: "http://auth/"},
		Cache:    resolver.BuildCache(resolver.CacheConfig{TTL: 60_000}),
	}
	if _, err := cache.Put(context.Background(), reqgraph.CacheKey{CacheID: "token"}, &reqgraph.CacheEntry{
		Res:     &reqgraph.Response{Status: 200, Body: map[string]any{"token": "OLD"}},
		Success: true,
	}); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	aSpec := &resolver.Spec{
		Params: [][]string{{"token"}},
		ReqFn: func(params map[string]any) (*reqgraph.Request, error) {
			return &reqgraph.Request{Method: "GET", URL: "http://api/"}, nil
		},
		Retry: func(req *reqgraph.Request, res *reqgraph.Response, numAttempts int) resolver.RetryDecision {
			if res != nil && res.Status == 401 && numAttempts == 1 {
				return resolver.RetryDecision{Retry: true, MaxRetries: 1, Refresh: []string{"token"}}
			}
			return resolver.RetryDecision{}
		},
	}

	events, future := resolver.RequestWithLog(context.Background(), aSpec, resolver.Options{
		Cache:     cache,
		Transport: transport,
		Params:    map[string]any{"token": resolver.SubSpec{Spec: tokenSpec}},
	})
	got := collect(events)
	result := <-future

	if !result.Success {
		t.Fatalf("expected eventual success, got %+v", result)
	}

	wantKinds := []resolver.EventKind{
		resolver.EventCacheHit,
		resolver.EventRequest, resolver.EventResponse,
		resolver.EventRequest, resolver.EventResponse, resolver.EventStoreInCache,
		resolver.EventRequest, resolver.EventResponse,
	}
	// attempt() emits token's store-in-cache right after its response
	// event; the comparison below leaves store-in-cache out and checks the
	// order of the remaining events.
	var filtered []resolver.EventKind
	for _, k := range kinds(got) {
		if k != resolver.EventStoreInCache {
			filtered = append(filtered, k)
		}
	}
	var wantFiltered []resolver.EventKind
	for _, k := range wantKinds {
		if k != resolver.EventStoreInCache {
			wantFiltered = append(wantFiltered, k)
		}
	}
	eqKinds(t, filtered, wantFiltered)
}

// Invariant: req_fn is never invoked before all its params are present.
func TestReqFnNotCalledWithoutParams(t *testing.T) {
	called := false
	spec := &resolver.Spec{
		Params: [][]string{{"missing"}},
		ReqFn: func(params map[string]any) (*reqgraph.Request, error) {
			called = true
			return &reqgraph.Request{URL: "http://ex/"}, nil
		},
	}

	events, future := resolver.RequestWithLog(context.Background(), spec, resolver.Options{Transport: newScriptedTransport()})
	collect(events)
	result := <-future

	if called {
		t.Error("req_fn was invoked despite a missing param")
	}
	if result.Success {
		t.Error("expected failure for a spec with an unresolvable param")
	}
}

// Invariant: a spec with neither req nor req_fn fails with
// missing-req-or-req-fn rather than hanging.
func TestMissingReqOrReqFn(t *testing.T) {
	spec := &resolver.Spec{}
	events, future := resolver.RequestWithLog(context.Background(), spec, resolver.Options{})
	got := collect(events)
	<-future

	if len(got) != 1 || got[0].Kind != resolver.EventFailed || got[0].Reason != resolver.ReasonMissingReqOrReqFn {
		t.Fatalf("events = %+v, want single missing-req-or-req-fn failed event", got)
	}
}

type erroringTransport struct{ err error }

func (t erroringTransport) Do(context.Context, *reqgraph.Request) (*reqgraph.Response, error) {
	return nil, t.err
}

func TestTransportErrorEmitsException(t *testing.T) {
	spec := &resolver.Spec{Req: &reqgraph.Request{Method: "GET", URL: "http://ex/"}}
	events, future := resolver.RequestWithLog(context.Background(), spec, resolver.Options{
		Transport: erroringTransport{err: fmt.Errorf("boom")},
	})
	got := collect(events)
	result := <-future

	if result.Success {
		t.Fatal("expected failure")
	}
	var sawException bool
	for _, e := range got {
		if e.Kind == resolver.EventException {
			sawException = true
		}
	}
	if !sawException {
		t.Error("expected an exception event for the transport failure")
	}
}
