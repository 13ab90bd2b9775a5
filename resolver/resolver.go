package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/internal/clock"
)

// Exchange is one attempt at one logical key: the request and
// response descriptors it produced (or the transport exception), the
// success verdict, and whatever retry/cache decision followed from it.
// Exchanges are never mutated once returned from attempt; the resolver
// tracks the most recent one per path to decide eligibility for the next
// dispatch pass.
type Exchange struct {
	Path    string
	Spec    *Spec
	Attempt int

	Req *reqgraph.Request
	Res *reqgraph.Response
	Err error

	Success bool
	Retry   RetryDecision
	Cache   CacheDecision

	CachedAt  time.Time
	ExpiresAt time.Time

	StartedAt  time.Time
	FinishedAt time.Time
}

// Config configures a Resolver. Cache may be nil (no caching). Transport
// must not be nil in production use, but a nil Transport degrades every
// dispatch into a failed exchange (an exception event, then a failed event
// with reason unknown) rather than panicking.
type Config struct {
	Cache     reqgraph.CacheBackend
	Transport reqgraph.Transport
	Clock     clock.Source
	Sleep     func(time.Duration)
	Logger    *slog.Logger
	SinkSize  int
}

// Resolver is the dependency-driven scheduler driving specs to resolution. A
// Resolver is reusable across calls to Resolve; all per-resolution state
// lives in the unexported state value a single Resolve call constructs.
type Resolver struct {
	cache     reqgraph.CacheBackend
	transport reqgraph.Transport
	clock     clock.Source
	sleep     func(time.Duration)
	logger    *slog.Logger
	sinkSize  int
}

// New constructs a Resolver, filling in nil-safe defaults: a nil Clock
// becomes clock.Now, a nil Sleep becomes time.Sleep, a nil Logger becomes
// a discard logger.
func New(cfg Config) *Resolver {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{
		cache:     cfg.Cache,
		transport: cfg.Transport,
		clock:     clk,
		sleep:     sleep,
		logger:    logger,
		sinkSize:  cfg.SinkSize,
	}
}

// Outcome is everything a Resolve call produced: the final context, the
// (possibly expanded) specs table, and the latest exchange recorded per
// path. The Result Assembler does not read it; it works from the event
// stream alone.
type Outcome struct {
	Ctx       map[string]any
	Specs     map[string]*Spec
	Exchanges map[string]*Exchange
	Targets   []string
}

// state is the mutable working state of a single resolution: the specs
// table, context, pending keys, exchange history, cache, and event sink.
type state struct {
	specs     map[string]*Spec
	ctx       map[string]any
	pending   map[string]struct{}
	exchanges map[string]*Exchange
}

// Resolve drives specs to resolution for the given targets, seeding the
// context from params. It returns immediately with the live event Sink and
// a channel that receives the single Outcome once resolution completes (and
// the sink has been closed). Callers that only want the synchronous
// behavior can drain the sink and then receive from the channel.
func (r *Resolver) Resolve(pctx context.Context, specs map[string]*Spec, params map[string]any, targets []string) (*Sink, <-chan *Outcome) {
	sink := NewSink(r.sinkSize)
	done := make(chan *Outcome, 1)

	st := &state{
		specs:     specs,
		ctx:       params,
		pending:   map[string]struct{}{},
		exchanges: map[string]*Exchange{},
	}
	if st.ctx == nil {
		st.ctx = map[string]any{}
	}

	// Refresh is consumed (and cleared) by this resolution alone. A spec
	// that entered a prior, failed Resolve call with Refresh still set
	// would otherwise carry that flag into this call and bypass the
	// cache on a key nothing here asked to refresh.
	for _, spec := range st.specs {
		if spec != nil {
			spec.Refresh = false
		}
	}

	// Lifting only registers sub-specs into the specs table; it does not
	// schedule them. A lifted spec only becomes pending once the expansion
	// pass finds a still-pending spec that actually needs it — otherwise a
	// dependency that a cache hit made unnecessary would still be dispatched.
	liftSubSpecs(st.ctx, st.specs)
	for _, t := range targets {
		if _, ok := getPath(st.ctx, splitPath(t)); !ok {
			st.pending[t] = struct{}{}
		}
	}

	go func() {
		r.run(pctx, st, sink)
		done <- &Outcome{Ctx: st.ctx, Specs: st.specs, Exchanges: st.exchanges, Targets: targets}
		close(done)
	}()

	return sink, done
}

// run is the main loop: try the three strategies in
// strict order, restarting from the top every time one makes progress, and
// terminate when none do.
func (r *Resolver) run(pctx context.Context, st *state, sink *Sink) {
	for len(st.pending) > 0 {
		if r.cacheLookupPass(pctx, st, sink) {
			continue
		}
		if r.dispatchPass(pctx, st, sink) {
			continue
		}
		if r.expansionPass(st) {
			continue
		}
		break
	}

	for path := range st.pending {
		r.emitFailed(st, sink, path)
	}
	sink.Close()
}

// cacheLookupPass is strategy 1: satisfy as many pending keys as possible
// straight from the cache before dispatching anything.
func (r *Resolver) cacheLookupPass(pctx context.Context, st *state, sink *Sink) bool {
	if r.cache == nil {
		return false
	}

	progress := false
	for path := range st.pending {
		spec := st.specs[path]
		if spec == nil || spec.Refresh {
			continue
		}

		key, ok := cacheKeyFor(spec, st.ctx)
		if !ok {
			continue
		}

		entry, err := r.cache.Lookup(pctx, key)
		if err != nil {
			if !errors.Is(err, reqgraph.ErrNotFound) && !errors.Is(err, reqgraph.ErrCacheItemExpired) {
				sink.emit(Event{Kind: EventException, Path: path, Throwable: err, Source: "cache/lookup"})
			}
			continue
		}
		if entry.Expired(r.clock()) {
			continue
		}

		value, selErr := safeSelect(spec.Select, entry.Res)
		if selErr != nil {
			sink.emit(Event{Kind: EventException, Path: path, Throwable: selErr, Source: "select"})
		}
		setPath(st.ctx, splitPath(path), value)
		st.exchanges[path] = &Exchange{
			Path: path, Spec: spec, Req: entry.Req, Res: entry.Res,
			Success: entry.Success, CachedAt: entry.CachedAt, ExpiresAt: entry.ExpiresAt,
		}
		delete(st.pending, path)
		sink.emit(Event{
			Kind: EventCacheHit, Path: path, Req: entry.Req, Res: entry.Res,
			CachedAt: entry.CachedAt, ExpiresAt: entry.ExpiresAt, Key: key,
		})
		progress = true
	}
	return progress
}

// dispatchCandidate is one pending key eligible for this dispatch pass.
type dispatchCandidate struct {
	path    string
	spec    *Spec
	attempt int
}

// dispatchPass is strategy 2: eligible keys are dispatched concurrently,
// and the pass waits for every one of them before merging results back
// into ctx.
func (r *Resolver) dispatchPass(pctx context.Context, st *state, sink *Sink) bool {
	var candidates []dispatchCandidate
	for path := range st.pending {
		spec := st.specs[path]
		if spec == nil || !allParamsPresent(st.ctx, spec.Params) {
			continue
		}
		if spec.Req == nil && spec.ReqFn == nil {
			// Nothing to dispatch; emitFailed classifies this terminally
			// once no strategy makes further progress, without wasting an
			// attempt (and an exception event) on a structurally incomplete
			// spec.
			continue
		}

		attempt := 1
		if prior := st.exchanges[path]; prior != nil {
			// Refresh only suppresses the cache-lookup pass, not the
			// retry budget: a refreshed key that already succeeded is
			// still eligible for one more dispatch (that's the point of
			// refreshing it), but a refreshed key that has exhausted its
			// own retry budget is not, or a persistently failing
			// upstream would re-dispatch it forever.
			if prior.Success && !spec.Refresh {
				continue
			}
			if !prior.Success && (!prior.Retry.Retry || prior.Attempt >= prior.Retry.MaxRetries+1) {
				continue
			}
			attempt = prior.Attempt + 1
		}
		candidates = append(candidates, dispatchCandidate{path, spec, attempt})
	}
	if len(candidates) == 0 {
		return false
	}

	results := make([]*Exchange, len(candidates))
	g, gctx := errgroup.WithContext(pctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			results[i] = r.attempt(gctx, st, sink, c.path, c.spec, c.attempt)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range candidates {
		ex := results[i]
		st.exchanges[c.path] = ex

		if ex.Success {
			// Refresh stays set across failed attempts, so the cache-lookup
			// pass keeps skipping this key until it is fetched successfully;
			// the retry-budget gate above still bounds re-dispatching.
			c.spec.Refresh = false
			value, selErr := safeSelect(c.spec.Select, ex.Res)
			if selErr != nil {
				sink.emit(Event{Kind: EventException, Path: c.path, Throwable: selErr, Source: "select"})
			}
			setPath(st.ctx, splitPath(c.path), value)
			delete(st.pending, c.path)
			continue
		}

		for _, refreshPath := range ex.Retry.Refresh {
			deletePath(st.ctx, splitPath(refreshPath))
			if rs := st.specs[refreshPath]; rs != nil {
				rs.Refresh = true
			}
			st.pending[refreshPath] = struct{}{}
		}
		st.pending[c.path] = struct{}{}
	}
	return true
}

// expansionPass is strategy 3: a pending spec's
// dependency may itself be a spec that hasn't been queued yet.
func (r *Resolver) expansionPass(st *state) bool {
	progress := false
	for path := range st.pending {
		spec := st.specs[path]
		if spec == nil {
			continue
		}
		for _, p := range spec.Params {
			dep := pathKey(p)
			if _, inPending := st.pending[dep]; inPending {
				continue
			}
			if _, inCtx := getPath(st.ctx, p); inCtx {
				continue
			}
			if _, isSpec := st.specs[dep]; isSpec {
				st.pending[dep] = struct{}{}
				progress = true
			}
		}
	}
	return progress
}

// emitFailed synthesizes the terminal failed event for a key that is
// still pending once no strategy makes further progress, classifying why.
func (r *Resolver) emitFailed(st *state, sink *Sink, path string) {
	spec := st.specs[path]
	if spec == nil {
		sink.emit(Event{Kind: EventFailed, Path: path, Reason: ReasonUnknown})
		return
	}

	prior := st.exchanges[path]

	switch {
	case spec.Req == nil && spec.ReqFn == nil:
		sink.emit(Event{Kind: EventFailed, Path: path, Reason: ReasonMissingReqOrReqFn})

	case !allParamsPresent(st.ctx, spec.Params):
		missing := missingParams(st.ctx, st.specs, spec.Params)
		sink.emit(Event{
			Kind: EventFailed, Path: path, Reason: ReasonMissingParams,
			Data: map[string]any{"missing": missing},
		})

	case prior != nil && prior.Err != nil:
		reason := classifyTransportError(prior.Err)
		sink.emit(Event{Kind: EventFailed, Path: path, Reason: reason, Req: prior.Req, Throwable: prior.Err})

	case prior != nil && prior.Attempt > 1:
		// A retry was granted at least once; the final attempt's Retry.Retry
		// is false precisely because the budget ran out, so attempt count is
		// the only reliable signal that this is "exhausted" rather than
		// "never offered a retry at all".
		sink.emit(Event{
			Kind: EventFailed, Path: path, Reason: ReasonRetriesExhausted,
			Req: prior.Req, Res: prior.Res,
			Data: map[string]any{"attempts": prior.Attempt, "max_retries": prior.Retry.MaxRetries},
		})

	case prior != nil && !prior.Success:
		sink.emit(Event{
			Kind: EventFailed, Path: path, Reason: ReasonRequestFailed,
			Req: prior.Req, Res: prior.Res,
		})

	default:
		sink.emit(Event{Kind: EventFailed, Path: path, Reason: ReasonUnknown})
	}
}

func missingParams(ctx map[string]any, specs map[string]*Spec, params [][]string) []string {
	var missing []string
	for _, p := range params {
		if _, ok := getPath(ctx, p); ok {
			continue
		}
		if _, ok := specs[pathKey(p)]; ok {
			continue
		}
		missing = append(missing, pathKey(p))
	}
	return missing
}

func allParamsPresent(ctx map[string]any, params [][]string) bool {
	for _, p := range params {
		if _, ok := getPath(ctx, p); !ok {
			return false
		}
	}
	return true
}

// lookupParamsProjection computes the params_projection: the
// spec's lookup params read out of ctx, honoring path selectors, optionally
// transformed by prepare_lookup_params. The second return is false when a
// lookup param isn't yet resolved, meaning the cache-lookup pass must skip
// this spec for now rather than trigger its resolution.
func lookupParamsProjection(spec *Spec, ctx map[string]any) (map[string]any, bool) {
	paths := spec.lookupParamsOrDefault()
	if len(paths) == 0 {
		return nil, true
	}

	proj := map[string]any{}
	for _, p := range paths {
		v, ok := getPath(ctx, p)
		if !ok {
			return nil, false
		}
		proj[pathKey(p)] = v
	}

	if spec.PrepareLookupParams != nil {
		prepared, err := safePrepareLookupParams(spec.PrepareLookupParams, proj)
		if err == nil {
			proj = prepared
		}
	}

	if len(proj) == 0 {
		return nil, true
	}
	return proj, true
}

func cacheKeyFor(spec *Spec, ctx map[string]any) (reqgraph.CacheKey, bool) {
	proj, ok := lookupParamsProjection(spec, ctx)
	if !ok {
		return reqgraph.CacheKey{}, false
	}
	return reqgraph.CacheKey{CacheID: spec.cacheID(), Params: proj}, true
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}
