package reqgraph_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	reqgraph "github.com/dgduncan/go-cond-cache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPTransportDecodesJSONByDefault(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"yep":"Indeed"}`))
	}))
	defer server.Close()

	transport := reqgraph.NewHTTPTransport(nil, nil, nil, discardLogger())

	resp, err := transport.Do(context.Background(), &reqgraph.Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if resp.Status != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.Status)
	}

	body, ok := resp.Body.(map[string]any)
	if !ok {
		t.Fatalf("expected decoded JSON map, got %T", resp.Body)
	}
	if body["yep"] != "Indeed" {
		t.Errorf("expected yep=Indeed, got %v", body["yep"])
	}
	if resp.Raw == nil {
		t.Error("expected Raw transport handle to be populated before Stripped()")
	}
}

func TestHTTPTransportQueryAndHeaders(t *testing.T) {
	t.Parallel()

	var gotQuery url.Values
	var gotHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport := reqgraph.NewHTTPTransport(nil, nil, nil, discardLogger())

	req := &reqgraph.Request{
		URL:     server.URL,
		Query:   url.Values{"id": {"42"}},
		Headers: http.Header{"Authorization": {"Bearer T"}},
	}

	resp, err := transport.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.Status)
	}
	if gotQuery.Get("id") != "42" {
		t.Errorf("expected id=42, got %q", gotQuery.Get("id"))
	}
	if gotHeader != "Bearer T" {
		t.Errorf("expected Authorization header, got %q", gotHeader)
	}
}

func TestHTTPTransportDispatchTableOverridesRealRequest(t *testing.T) {
	t.Parallel()

	const fakeURL = "http://example.invalid/fake"

	unregister := reqgraph.Register(http.MethodGet, fakeURL, fakeTransport{
		resp: &reqgraph.Response{Status: 200, Body: "faked"},
	})
	defer unregister()

	transport := reqgraph.NewHTTPTransport(nil, nil, nil, discardLogger())

	resp, err := transport.Do(context.Background(), &reqgraph.Request{URL: fakeURL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Body != "faked" {
		t.Errorf("expected dispatch table response, got %v", resp.Body)
	}
}

func TestHTTPTransportDomainOverrideTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &reqgraph.Config{
		DomainOverrides: []reqgraph.DomainOverride{
			{URI: server.URL, Timeout: 1}, // 1ms, guaranteed to trip
		},
	}
	transport := reqgraph.NewHTTPTransport(nil, cfg, nil, discardLogger())

	_, err := transport.Do(context.Background(), &reqgraph.Request{URL: server.URL})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

type fakeTransport struct {
	resp *reqgraph.Response
	err  error
}

func (f fakeTransport) Do(_ context.Context, _ *reqgraph.Request) (*reqgraph.Response, error) {
	return f.resp, f.err
}
