// Package virtual implements an in-memory CAN segment. Drivers attached to
// the same Bus receive each other's frames, much like a Linux vcan device.
// It is meant for tests, demos and tooling that must run without hardware.
package virtual

import (
	"sync"

	"github.com/rs/zerolog"

	candispatch "github.com/jonoton/go-candispatch"
	"github.com/jonoton/go-candispatch/internal/log"
	"github.com/jonoton/go-candispatch/internal/metrics"
)

// Bus connects drivers.
type Bus struct {
	mu    sync.Mutex
	nodes map[*Driver]struct{}
	log   zerolog.Logger
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		nodes: make(map[*Driver]struct{}),
		log:   log.WithComponent("virtual"),
	}
}

// Factory returns a DriverFactory creating drivers on b, for use with
// candispatch.NewInterface.
func (b *Bus) Factory(loopback bool, opts ...DriverOption) candispatch.DriverFactory[*Driver] {
	return func(frames candispatch.FrameDelegate, states candispatch.StateDelegate) *Driver {
		return b.NewDriver(frames, states, loopback, opts...)
	}
}

// Nodes returns the number of initialised drivers on the bus.
func (b *Bus) Nodes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

func (b *Bus) attach(d *Driver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[d] = struct{}{}
}

func (b *Bus) detach(d *Driver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, d)
}

// deliver queues f on every node except the sender, and on the sender too
// when it runs in loopback mode. A full queue drops the frame for that node
// only.
func (b *Bus) deliver(from *Driver, f candispatch.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for n := range b.nodes {
		if n == from && !from.loopback {
			continue
		}
		if full := n.enqueue(event{frame: f}); full {
			metrics.VirtualDroppedFrames.Inc()
			b.log.Warn().Str("device", n.Device()).Stringer("frame", f).Msg("receive queue full, frame dropped")
		}
	}
}
