package candispatch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/jonoton/go-candispatch/internal/metrics"
)

// SimpleDispatcher delivers every payload to all of its listeners, in
// registration order, on the goroutine that calls Dispatch.
//
// Dispatch holds the dispatcher lock for the whole round. Callables must
// therefore be quick and must not Subscribe, Dispatch or Close a listener
// on the same dispatcher.
type SimpleDispatcher[T any] struct {
	mu     sync.Mutex
	name   string
	log    zerolog.Logger
	base   *core[T]
	closed bool
}

// NewSimpleDispatcher creates an empty dispatcher.
func NewSimpleDispatcher[T any](opts ...Option) *SimpleDispatcher[T] {
	d := &SimpleDispatcher[T]{}
	name, logger := buildOptions("default", opts)
	d.name = name
	d.log = logger.With().Str("dispatcher", name).Logger()
	d.base = newCore[T](&d.mu, d.name, &d.log)
	return d
}

// Subscribe registers fn for every dispatched payload. Equal callables
// registered twice are two independent subscriptions.
func (d *SimpleDispatcher[T]) Subscribe(fn func(T)) *Listener[T] {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.base.register(fn)
	d.log.Debug().Str("listener", h.ID()).Msg("subscribed")
	return h
}

// Dispatch delivers v to every current listener exactly once.
func (d *SimpleDispatcher[T]) Dispatch(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	metrics.DispatchRounds.WithLabelValues(d.name).Inc()
	n := d.base.dispatchLocked(v)
	metrics.Notifications.WithLabelValues(d.name).Add(float64(n))
}

// Delegate returns Dispatch as a plain callable, for handing the
// dispatcher to a producer.
func (d *SimpleDispatcher[T]) Delegate() func(T) { return d.Dispatch }

// ListenerCount returns the number of unfiltered listeners.
func (d *SimpleDispatcher[T]) ListenerCount() int {
	return d.base.count()
}

// Close drops every subscription. Later Dispatch calls do nothing, later
// Subscribe calls return handles that are never invoked, and closing
// outstanding handles is a no-op.
func (d *SimpleDispatcher[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *SimpleDispatcher[T]) closeLocked() bool {
	if d.closed {
		return false
	}
	d.closed = true
	d.base.detach()
	d.log.Debug().Msg("dispatcher closed")
	return true
}

// FilteredDispatcher adds key-scoped subscriptions to SimpleDispatcher. The
// key of a payload is derived with the function given to
// NewFilteredDispatcher.
//
// All keys share one lock, so a round for one key excludes subscription
// changes on every other key.
type FilteredDispatcher[K comparable, T any] struct {
	*SimpleDispatcher[T]
	keyOf    func(T) K
	filtered map[K]*core[T]
}

// NewFilteredDispatcher creates a dispatcher routing by keyOf, which must
// not be nil.
func NewFilteredDispatcher[K comparable, T any](keyOf func(T) K, opts ...Option) *FilteredDispatcher[K, T] {
	if keyOf == nil {
		panic("candispatch: nil key function")
	}
	return &FilteredDispatcher[K, T]{
		SimpleDispatcher: NewSimpleDispatcher[T](opts...),
		keyOf:            keyOf,
		filtered:         make(map[K]*core[T]),
	}
}

// SubscribeKey registers fn for payloads whose key equals k.
func (d *FilteredDispatcher[K, T]) SubscribeKey(k K, fn func(T)) *Listener[T] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return d.base.register(fn)
	}
	c, ok := d.filtered[k]
	if !ok {
		c = newCore[T](&d.mu, d.name, &d.log)
		d.filtered[k] = c
	}
	h := c.register(fn)
	d.log.Debug().Str("listener", h.ID()).Interface("key", k).Msg("subscribed to key")
	return h
}

// Dispatch delivers v to the listeners of its key, then to the unfiltered
// listeners, within one lock acquisition.
func (d *FilteredDispatcher[K, T]) Dispatch(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	metrics.DispatchRounds.WithLabelValues(d.name).Inc()
	n := 0
	if c, ok := d.filtered[d.keyOf(v)]; ok {
		n += c.dispatchLocked(v)
	}
	n += d.base.dispatchLocked(v)
	metrics.Notifications.WithLabelValues(d.name).Add(float64(n))
}

// Delegate returns the filtered Dispatch as a plain callable.
func (d *FilteredDispatcher[K, T]) Delegate() func(T) { return d.Dispatch }

// KeyListenerCount returns the number of listeners subscribed to k.
func (d *FilteredDispatcher[K, T]) KeyListenerCount(k K) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.filtered[k]; ok {
		return len(c.listeners)
	}
	return 0
}

// KeyCount returns the number of keys that were ever subscribed to.
func (d *FilteredDispatcher[K, T]) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.filtered)
}

// Close drops every filtered and unfiltered subscription.
func (d *FilteredDispatcher[K, T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closeLocked() {
		return
	}
	for _, c := range d.filtered {
		c.detach()
	}
	clear(d.filtered)
}
