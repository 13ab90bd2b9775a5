package resolver

import (
	"context"
	"log/slog"
	"time"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/internal/clock"
)

// RootPath is the synthetic key under which a top-level spec passed to
// Request or RequestWithLog is resolved: the sentinel name for a
// resolution's primary target.
const RootPath = "root"

// Options are the caller-tunable knobs grouped under a single options
// value: which cache backend (if any) to consult, which transport to
// dispatch through, and the initial param values (including nested
// sub-specs) to seed the context with.
type Options struct {
	Cache     reqgraph.CacheBackend
	Transport reqgraph.Transport
	Params    map[string]any

	Clock    clock.Source
	Sleep    func(time.Duration)
	Logger   *slog.Logger
	SinkSize int
}

func (o Options) resolver() *Resolver {
	return New(Config{
		Cache:     o.Cache,
		Transport: o.Transport,
		Clock:     o.Clock,
		Sleep:     o.Sleep,
		Logger:    o.Logger,
		SinkSize:  o.SinkSize,
	})
}

// MakeRequests is the lowest-level entry point: resolve the given named
// targets against specs, and return the live event stream.
// Callers collect events themselves to assemble a result; Request and
// RequestWithLog build on this for the common single-target case.
func MakeRequests(ctx context.Context, opts Options, specs map[string]*Spec, targets []string) <-chan Event {
	sink, _ := opts.resolver().Resolve(ctx, specs, opts.Params, targets)
	return sink.Events()
}

// RequestWithLog drives spec to resolution under RootPath, exposing the
// live event stream alongside a future that resolves to the final Result
// once resolution completes. The returned event channel carries every
// event exactly once; reading it to completion is what allows the future
// to resolve (the Resolver's sink would otherwise block once full).
func RequestWithLog(ctx context.Context, spec *Spec, opts Options) (<-chan Event, <-chan *Result) {
	// Resolve lifts sub-specs out of opts.Params in place, deleting them
	// from the map as it registers them. Assemble's missing-params hint
	// needs the caller's params as originally given, so snapshot the
	// top level before Resolve has a chance to mutate it.
	rawParams := cloneTopLevel(opts.Params)

	specs := map[string]*Spec{RootPath: spec}
	sink, _ := opts.resolver().Resolve(ctx, specs, opts.Params, []string{RootPath})

	out := make(chan Event, cap(sink.ch))
	future := make(chan *Result, 1)

	go func() {
		var events []Event
		for e := range sink.Events() {
			events = append(events, e)
			out <- e
		}
		close(out)
		future <- Assemble(RootPath, rawParams, events)
		close(future)
	}()

	return out, future
}

// cloneTopLevel returns a shallow copy of m's top-level keys.
func cloneTopLevel(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Request drives spec to resolution synchronously and returns the
// assembled Result. It discards the live event stream,
// but must still drain it: RequestWithLog's forwarding goroutine blocks on
// a full event channel until something reads from it, so a caller that
// ignores the event channel without draining it would deadlock the
// moment a resolution produced more events than the channel's buffer.
func Request(ctx context.Context, spec *Spec, opts Options) *Result {
	events, future := RequestWithLog(ctx, spec, opts)
	go func() {
		for range events {
		}
	}()
	return <-future
}
