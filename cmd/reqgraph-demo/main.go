package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/caches/fs"
	"github.com/dgduncan/go-cond-cache/resolver"
)

func main() {
	ctx := context.Background()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	cache, err := fs.New(fs.Config{Root: "/tmp/reqgraph-demo-cache"})
	if err != nil {
		panic(err)
	}

	tokenSpec := &resolver.Spec{
		LookupID: "auth.token",
		Req: &reqgraph.Request{
			Method: "POST",
			URL:    "https://auth.example.com/token",
		},
		Cache: resolver.BuildCache(resolver.CacheConfig{TTL: 60_000}),
	}

	profileSpec := &resolver.Spec{
		LookupID: "user.profile",
		Params:   [][]string{{"token"}},
		ReqFn: func(params map[string]any) (*reqgraph.Request, error) {
			token, _ := params["token"].(*reqgraph.Response)
			auth := ""
			if token != nil {
				if body, ok := token.Body.(map[string]any); ok {
					auth, _ = body["access_token"].(string)
				}
			}
			return &reqgraph.Request{
				Method: "GET",
				URL:    "https://api.example.com/me",
				Headers: http.Header{
					"Authorization": {"Bearer " + auth},
				},
			}, nil
		},
		Retry: resolver.BuildRetry(resolver.RetryConfig{
			Retries: 2,
			Delays:  []int64{100, 500},
			Jitter:  50,
		}),
	}

	events, future := resolver.RequestWithLog(ctx, profileSpec, resolver.Options{
		Cache:     cache,
		Transport: reqgraph.NewHTTPTransport(nil, nil, nil, slog.Default()),
		Params: map[string]any{
			"token": resolver.SubSpec{Spec: tokenSpec},
		},
	})

	for e := range events {
		slog.Info("event", "kind", e.Kind, "path", e.Path)
	}

	result := <-future
	fmt.Printf("success=%v status=%d body=%v\n", result.Success, result.Status, result.Body)
}
