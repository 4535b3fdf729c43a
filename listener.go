package candispatch

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonoton/go-candispatch/internal/metrics"
)

// Listener is the handle of one subscription. Its holder owns the
// subscription: Close ends it, and so does dropping the last reference to
// the handle (the removal then happens after the handle is garbage
// collected).
//
// A callable that captures its own handle keeps that handle reachable from
// the dispatcher, so dropping it never unsubscribes: such a subscription
// ends only through Close.
//
// A Listener may outlive the dispatcher that created it. Closing it after
// the dispatcher has been closed or collected does nothing.
type Listener[T any] struct {
	l       *guardedListener[T]
	cleanup runtime.Cleanup
	armed   bool
	closed  atomic.Bool
}

// ID returns a unique identifier for log correlation.
func (h *Listener[T]) ID() string { return h.l.id }

// Close unsubscribes. Once Close returns, the callable is never invoked
// again. It must not be called from inside a callable of the same
// dispatcher. Calling Close more than once is a no-op.
func (h *Listener[T]) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	if h.armed {
		h.cleanup.Stop()
	}
	h.l.release()
}

// guardedListener is what a core stores. The back reference to the core is
// weak so that a listener never keeps its dispatcher alive.
type guardedListener[T any] struct {
	id       string
	fn       func(T)
	guard    weak.Pointer[core[T]]
	released atomic.Bool
}

func (l *guardedListener[T]) release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if c := l.guard.Value(); c != nil {
		c.remove(l)
	}
}

func inertListener[T any]() *Listener[T] {
	return &Listener[T]{l: &guardedListener[T]{id: uuid.NewString()}}
}

// core is the listener list of one dispatch channel. Every core of a
// dispatcher shares the dispatcher's mutex.
type core[T any] struct {
	mu        *sync.Mutex
	name      string
	log       *zerolog.Logger
	listeners []*guardedListener[T]
	detached  bool
}

func newCore[T any](mu *sync.Mutex, name string, log *zerolog.Logger) *core[T] {
	return &core[T]{mu: mu, name: name, log: log}
}

// register must be called with c.mu held.
func (c *core[T]) register(fn func(T)) *Listener[T] {
	if c.detached || fn == nil {
		h := inertListener[T]()
		c.log.Debug().Str("listener", h.ID()).Bool("detached", c.detached).Msg("inert listener created")
		return h
	}
	l := &guardedListener[T]{
		id:    uuid.NewString(),
		fn:    fn,
		guard: weak.Make(c),
	}
	c.listeners = append(c.listeners, l)
	metrics.Listeners.WithLabelValues(c.name).Inc()

	h := &Listener[T]{l: l, armed: true}
	h.cleanup = runtime.AddCleanup(h, (*guardedListener[T]).release, l)
	return h
}

func (c *core[T]) remove(l *guardedListener[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.Index(c.listeners, l)
	if i < 0 {
		return
	}
	c.listeners = slices.Delete(c.listeners, i, i+1)
	metrics.Listeners.WithLabelValues(c.name).Dec()
	c.log.Debug().Str("listener", l.id).Int("remaining", len(c.listeners)).Msg("listener removed")
}

// dispatchLocked must be called with c.mu held. A panicking callable aborts
// the rest of the walk.
func (c *core[T]) dispatchLocked(v T) int {
	for _, l := range c.listeners {
		l.fn(v)
	}
	return len(c.listeners)
}

// detach must be called with c.mu held.
func (c *core[T]) detach() {
	metrics.Listeners.WithLabelValues(c.name).Sub(float64(len(c.listeners)))
	c.listeners = nil
	c.detached = true
}

func (c *core[T]) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}
