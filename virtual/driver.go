package virtual

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	candispatch "github.com/jonoton/go-candispatch"
)

// DefaultQueueSize is the receive queue length of a driver.
const DefaultQueueSize = 256

// DefaultBitrate is used when Init is given a zero bitrate.
const DefaultBitrate uint32 = 500000

// Bitrates lists the accepted bit rates.
var Bitrates = []uint32{10000, 20000, 50000, 100000, 125000, 250000, 500000, 800000, 1000000}

type event struct {
	frame   candispatch.Frame
	state   candispatch.State
	isState bool
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithQueueSize sets the receive queue length. Values below 1 are ignored.
func WithQueueSize(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithLogger replaces the driver logger.
func WithLogger(l zerolog.Logger) DriverOption {
	return func(d *Driver) { d.log = l }
}

// Driver is one node on a Bus. It satisfies candispatch.Driver.
//
// Events are queued on the node and handed to the delegates by Run, so all
// delegate calls happen on the goroutine running Run. No delegate call
// starts after Shutdown returns. A delegate that wants to stop its own node
// calls Stop, since Shutdown waits for the delegate call in progress.
type Driver struct {
	bus       *Bus
	loopback  bool
	frames    candispatch.FrameDelegate
	states    candispatch.StateDelegate
	queueSize int
	log       zerolog.Logger

	mu      sync.Mutex
	state   candispatch.State
	device  string
	bitrate uint32
	queue   chan event
	done    chan struct{}

	// held by Run across the done check and the delegate call
	delivering sync.Mutex
}

// NewDriver creates a closed node on b. With loopback set, the node also
// receives the frames it sends.
func (b *Bus) NewDriver(frames candispatch.FrameDelegate, states candispatch.StateDelegate, loopback bool, opts ...DriverOption) *Driver {
	d := &Driver{
		bus:       b,
		loopback:  loopback,
		frames:    frames,
		states:    states,
		queueSize: DefaultQueueSize,
		log:       b.log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init opens the node and attaches it to the bus. A zero bitrate selects
// DefaultBitrate.
func (d *Driver) Init(device string, bitrate uint32) error {
	if device == "" {
		return candispatch.ErrInvalidDevice
	}
	if bitrate == 0 {
		bitrate = DefaultBitrate
	}
	if !slices.Contains(Bitrates, bitrate) {
		return fmt.Errorf("%w: %d", candispatch.ErrInvalidBitrate, bitrate)
	}

	d.mu.Lock()
	if d.state.Driver != candispatch.Closed {
		d.mu.Unlock()
		return candispatch.ErrAlreadyOpen
	}
	d.device = device
	d.bitrate = bitrate
	d.queue = make(chan event, d.queueSize)
	d.done = make(chan struct{})
	d.state = candispatch.State{Driver: candispatch.Ready}
	d.enqueueLocked(event{state: d.state, isState: true})
	d.mu.Unlock()

	d.bus.attach(d)
	d.log.Debug().Str("device", device).Uint32("bitrate", bitrate).Msg("node attached")
	return nil
}

// Run hands queued events to the delegates until Shutdown.
func (d *Driver) Run() error {
	d.mu.Lock()
	if d.state.Driver == candispatch.Closed {
		d.mu.Unlock()
		return candispatch.ErrNotOpen
	}
	queue, done := d.queue, d.done
	d.mu.Unlock()

	for {
		select {
		case <-done:
			return nil
		case ev := <-queue:
			if !d.deliver(ev, done) {
				return nil
			}
		}
	}
}

// deliver hands ev to its delegate unless the node has been stopped.
func (d *Driver) deliver(ev event, done <-chan struct{}) bool {
	d.delivering.Lock()
	defer d.delivering.Unlock()

	select {
	case <-done:
		return false
	default:
	}
	if ev.isState {
		if d.states != nil {
			d.states(ev.state)
		}
		return true
	}
	if d.frames != nil {
		d.frames(ev.frame)
	}
	return true
}

// Send puts f on the bus. The node must be ready.
func (d *Driver) Send(f candispatch.Frame) error {
	if !f.Valid() {
		return fmt.Errorf("%w: %s", candispatch.ErrInvalidFrame, f.Header)
	}
	if !d.State().IsReady() {
		return candispatch.ErrNotReady
	}
	d.bus.deliver(d, f)
	return nil
}

// InjectError records error classes on the node as a real controller
// would report them. A bus-off error takes the node out of the ready state.
func (d *Driver) InjectError(code uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.Driver == candispatch.Closed {
		return candispatch.ErrNotOpen
	}
	d.state.InternalError |= code
	if code&candispatch.ClassBusOff != 0 {
		d.state.Driver = candispatch.Open
	}
	d.enqueueLocked(event{state: d.state, isState: true})
	return nil
}

// Recover clears recorded errors and makes the node ready again.
func (d *Driver) Recover() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.state.Driver == candispatch.Closed:
		return candispatch.ErrNotOpen
	case d.state.IsReady() && d.state.InternalError == 0:
		return nil
	}
	d.state = candispatch.State{Driver: candispatch.Ready}
	d.enqueueLocked(event{state: d.state, isState: true})
	return nil
}

// State returns a snapshot of the node state.
func (d *Driver) State() candispatch.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Device returns the name given to Init.
func (d *Driver) Device() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

// Shutdown detaches the node and stops Run. When it returns, a delegate
// call in progress has finished and no further call starts. It is safe to
// call more than once, but not from a delegate of the same node: use Stop
// there.
func (d *Driver) Shutdown() {
	d.stop()
	d.delivering.Lock()
	d.delivering.Unlock() //nolint:staticcheck // waits out the delegate call in progress
}

// Stop detaches the node and makes Run return once the delegate call in
// progress, if any, is done. Unlike Shutdown it does not wait, so a delegate
// may call it on its own node.
func (d *Driver) Stop() {
	d.stop()
}

func (d *Driver) stop() {
	d.mu.Lock()
	if d.state.Driver == candispatch.Closed {
		d.mu.Unlock()
		return
	}
	d.state = candispatch.State{Driver: candispatch.Closed}
	close(d.done)
	device := d.device
	d.mu.Unlock()

	d.bus.detach(d)
	d.log.Debug().Str("device", device).Msg("node detached")
}

// TranslateError describes an error class mask.
func (d *Driver) TranslateError(code uint32) (string, bool) {
	return candispatch.TranslateError(code)
}

// enqueue reports whether ev was dropped because the queue is full. Events
// for a closed node are discarded silently.
func (d *Driver) enqueue(ev event) (full bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enqueueLocked(ev)
}

func (d *Driver) enqueueLocked(ev event) (full bool) {
	if d.state.Driver == candispatch.Closed {
		return false
	}
	select {
	case d.queue <- ev:
		return false
	default:
		return true
	}
}
