package candispatch

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jonoton/go-candispatch/internal/metrics"
)

// FrameDelegate receives frames.
type FrameDelegate func(Frame)

// StateDelegate receives bus state transitions.
type StateDelegate func(State)

// Driver is a CAN transport. A driver calls its frame and state delegates
// once per received frame or state transition, from any goroutine, and never
// after Shutdown has returned.
type Driver interface {
	// Init opens device at bitrate. On failure the driver keeps no state
	// from the attempt.
	Init(device string, bitrate uint32) error
	// Run pumps events to the delegates and blocks until Shutdown.
	Run() error
	Send(f Frame) error
	Recover() error
	State() State
	Shutdown()
	TranslateError(code uint32) (string, bool)
}

// DriverFactory builds a driver wired to the given delegates.
type DriverFactory[D Driver] func(frames FrameDelegate, states StateDelegate) D

// Interface combines a driver with a frame dispatcher keyed by Header.Key
// and a state dispatcher.
type Interface[D Driver] struct {
	driver D
	frames *FilteredDispatcher[uint32, Frame]
	states *SimpleDispatcher[State]
	log    zerolog.Logger
}

// NewInterface builds the dispatchers and hands their delegates to factory.
func NewInterface[D Driver](factory DriverFactory[D], opts ...Option) *Interface[D] {
	name, logger := buildOptions("can", opts)
	i := &Interface[D]{
		frames: NewFilteredDispatcher(frameKey, WithName(name+"_frames"), WithLogger(logger)),
		states: NewSimpleDispatcher[State](WithName(name+"_states"), WithLogger(logger)),
		log:    logger.With().Str("interface", name).Logger(),
	}
	i.driver = factory(i.frames.Delegate(), i.dispatchState)
	return i
}

func frameKey(f Frame) uint32 { return f.Key() }

func (i *Interface[D]) dispatchState(s State) {
	metrics.StateChanges.WithLabelValues(s.Driver.String()).Inc()
	i.states.Dispatch(s)
}

// Driver returns the underlying transport.
func (i *Interface[D]) Driver() D { return i.driver }

// Init opens the transport.
func (i *Interface[D]) Init(device string, bitrate uint32) error {
	if err := i.driver.Init(device, bitrate); err != nil {
		i.log.Error().Err(err).Str("device", device).Uint32("bitrate", bitrate).Msg("init failed")
		return fmt.Errorf("init %s: %w", device, err)
	}
	i.log.Info().Str("device", device).Uint32("bitrate", bitrate).Msg("interface initialized")
	return nil
}

// Run blocks, pumping driver events into the dispatchers, until Shutdown.
func (i *Interface[D]) Run() error {
	i.log.Info().Msg("run interface")
	err := i.driver.Run()
	if err != nil {
		i.log.Error().Err(err).Msg("run stopped")
		return err
	}
	i.log.Info().Msg("run finished")
	return nil
}

// Send hands f to the transport.
func (i *Interface[D]) Send(f Frame) error {
	err := i.driver.Send(f)
	metrics.RecordSend(err)
	if err != nil {
		i.log.Debug().Err(err).Stringer("frame", f).Msg("send rejected")
		return fmt.Errorf("send %s: %w", f.Header, err)
	}
	return nil
}

// Recover tries to bring the bus back from an error state.
func (i *Interface[D]) Recover() error {
	if err := i.driver.Recover(); err != nil {
		i.log.Warn().Err(err).Msg("recover failed")
		return err
	}
	i.log.Info().Msg("bus recovered")
	return nil
}

// State returns the current bus state.
func (i *Interface[D]) State() State { return i.driver.State() }

// Shutdown stops Run and releases the transport. It waits for a driver
// delegate call in progress, so listeners must not call it.
func (i *Interface[D]) Shutdown() {
	i.driver.Shutdown()
	i.log.Info().Msg("interface shut down")
}

// Close shuts the transport down and closes both dispatchers. Outstanding
// listener handles stay safe to close.
func (i *Interface[D]) Close() {
	i.Shutdown()
	i.frames.Close()
	i.states.Close()
}

// CreateMsgListener subscribes to every received frame.
func (i *Interface[D]) CreateMsgListener(fn FrameDelegate) *Listener[Frame] {
	return i.frames.Subscribe(fn)
}

// CreateFilteredMsgListener subscribes to frames whose header matches h,
// flags included.
func (i *Interface[D]) CreateFilteredMsgListener(h Header, fn FrameDelegate) *Listener[Frame] {
	return i.frames.SubscribeKey(h.Key(), fn)
}

// CreateStateListener subscribes to bus state transitions.
func (i *Interface[D]) CreateStateListener(fn StateDelegate) *Listener[State] {
	return i.states.Subscribe(fn)
}

// TranslateError asks the transport to describe an internal error code.
func (i *Interface[D]) TranslateError(code uint32) (string, bool) {
	return i.driver.TranslateError(code)
}
