package reqgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgduncan/go-cond-cache/internal/clock"
)

// ResponseDecode hints how a Response body should be decoded from the wire.
type ResponseDecode string

const (
	DecodeJSON  ResponseDecode = "json"
	DecodeText  ResponseDecode = "text"
	DecodeBytes ResponseDecode = "bytes"
)

// BasicAuth carries HTTP basic-auth credentials for a Request.
type BasicAuth struct {
	Username string
	Password string
}

// Request is the core's request descriptor: opaque to the resolver beyond
// these fields. Headers are matched case-insensitively via http.Header's
// own canonicalization.
type Request struct {
	Method      string
	URL         string
	Headers     http.Header
	Query       url.Values
	Body        any
	Form        url.Values
	BasicAuth   *BasicAuth
	ContentType string
	DecodeAs    ResponseDecode
}

// methodOrDefault returns r.Method, defaulting to GET.
func (r *Request) methodOrDefault() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Response is the core's response descriptor. Raw holds the underlying
// *http.Response handle; it must be stripped (set nil) before a Response is
// written to a cache backend.
type Response struct {
	Status  int
	Headers http.Header
	Body    any
	Raw     *http.Response
}

// Stripped returns a copy of r with its transport-handle field removed,
// safe to persist in a CacheEntry. A nil r returns nil.
func (r *Response) Stripped() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Raw = nil
	return &cp
}

// Transport is the sole operation the resolver needs from an HTTP client:
// given a Request, produce a Response or a transport error. Implementations
// must return errors as Go errors, never panic.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// dispatchKey identifies a registered fake responder by method and URL: a
// process-wide, concurrency-safe registry so tests can install fakes per
// (method, url) pair without sharing global transport state across
// unrelated test cases.
func dispatchKey(method, rawURL string) string {
	return strings.ToUpper(method) + " " + rawURL
}

var dispatchTable sync.Map // dispatchKey -> Transport

// Register installs t as the Transport used for requests matching method
// and rawURL exactly. It returns a function that removes the registration;
// callers (typically tests) should defer it. Thread-safe.
func Register(method, rawURL string, t Transport) func() {
	key := dispatchKey(method, rawURL)
	dispatchTable.Store(key, t)
	return func() { dispatchTable.Delete(key) }
}

func lookupFake(method, rawURL string) (Transport, bool) {
	v, ok := dispatchTable.Load(dispatchKey(method, rawURL))
	if !ok {
		return nil, false
	}
	t, ok := v.(Transport)
	return t, ok
}

// HTTPTransport is the default Transport, backed by a real net/http.Client.
// Before issuing a request it consults the process-wide dispatch table so
// tests can substitute fake responders for specific (method, url) pairs
// without touching production wiring; anything not registered falls
// through to the real client.
type HTTPTransport struct {
	Client *http.Client
	Logger *slog.Logger
	Now    clock.Source
	Config Config
}

// NewHTTPTransport constructs an HTTPTransport with nil-safe defaults: a
// nil client falls back to http.DefaultClient's transport semantics, a nil
// logger becomes a discard logger, a nil now becomes clock.Now.
func NewHTTPTransport(client *http.Client, cfg *Config, now clock.Source, logger *slog.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	if now == nil {
		now = clock.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := Config{}
	if cfg == nil {
		c = DefaultConfig()
	} else {
		c = *cfg
	}
	return &HTTPTransport{Client: client, Logger: logger, Now: now, Config: c}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if fake, ok := lookupFake(req.methodOrDefault(), req.URL); ok {
		t.Logger.DebugContext(ctx, "dispatch table hit", "method", req.methodOrDefault(), "url", req.URL)
		return fake.Do(ctx, req)
	}

	httpReq, err := t.buildRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	client := t.Client
	if override := t.Config.timeoutFor(req.URL); override > 0 {
		clientCopy := *client
		clientCopy.Timeout = time.Duration(override.asDuration())
		client = &clientCopy
	}

	t.Logger.DebugContext(ctx, "issuing request", "method", httpReq.Method, "url", httpReq.URL.String())
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, decodeErr := decodeBody(resp, req.DecodeAs)
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response body: %w", decodeErr)
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    body,
		Raw:     resp,
	}, nil
}

func (t *HTTPTransport) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.methodOrDefault()

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	contentType := req.ContentType
	switch {
	case len(req.Form) > 0:
		bodyReader = strings.NewReader(req.Form.Encode())
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded"
		}
	case req.Body != nil:
		switch b := req.Body.(type) {
		case []byte:
			bodyReader = bytes.NewReader(b)
		case string:
			bodyReader = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewReader(encoded)
			if contentType == "" {
				contentType = "application/json"
			}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.Password)
	}

	return httpReq, nil
}

func decodeBody(resp *http.Response, hint ResponseDecode) (any, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	switch hint {
	case DecodeText:
		return string(raw), nil
	case DecodeBytes:
		return raw, nil
	case DecodeJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		return string(raw), nil
	}
}
