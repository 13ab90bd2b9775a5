package resolver

import (
	"sync"
	"time"

	reqgraph "github.com/dgduncan/go-cond-cache"
)

// EventKind enumerates the event types the resolver emits.
type EventKind string

const (
	EventRequest      EventKind = "request"
	EventResponse     EventKind = "response"
	EventCacheHit     EventKind = "cache-hit"
	EventStoreInCache EventKind = "store-in-cache"
	EventException    EventKind = "exception"
	EventInvalidData  EventKind = "invalid-data"
	EventFailed       EventKind = "failed"
)

// Event is the resolver's lifecycle record. Not every field is populated
// for every Kind; which fields a kind carries is decided at the place in
// the resolver that emits it.
type Event struct {
	Kind EventKind
	Path string

	Req     *reqgraph.Request
	Res     *reqgraph.Response
	Success bool
	Retry   bool
	Cache   bool

	CachedAt    time.Time
	ExpiresAt   time.Time
	Key         reqgraph.CacheKey
	BackendMeta map[string]any

	Throwable error
	Source    string

	RejectedExchange *Exchange
	RejectedDecision any

	Reason ErrorReason
	Data   map[string]any
}

// Sink is the bounded, ordered event stream the resolver emits to, and
// the Result Assembler (or an external observer) consumes from. Its
// buffer defaults to 512, and it must be closed exactly once, by the
// resolver, when the main loop terminates.
type Sink struct {
	ch      chan Event
	closed  bool
	closeMu sync.Mutex
}

// DefaultSinkBuffer is the default bounded-buffer size for a Sink.
const DefaultSinkBuffer = 512

// NewSink constructs a Sink with the given buffer size; size <= 0 uses
// DefaultSinkBuffer.
func NewSink(size int) *Sink {
	if size <= 0 {
		size = DefaultSinkBuffer
	}
	return &Sink{ch: make(chan Event, size)}
}

// Events returns the receive-only channel external observers read from.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// emit blocks if the sink is full, applying backpressure to the main
// loop until a reader drains the channel.
func (s *Sink) emit(e Event) {
	s.ch <- e
}

// Close closes the underlying channel exactly once; safe to call from
// multiple goroutines, though only the resolver's main loop should ever do
// so.
func (s *Sink) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
}
