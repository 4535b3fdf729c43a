package virtual

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	candispatch "github.com/jonoton/go-candispatch"
	"github.com/jonoton/go-candispatch/internal/metrics"
)

func frame(id uint32, data ...byte) candispatch.Frame {
	f, err := candispatch.NewFrame(candispatch.Header{ID: id}, data)
	if err != nil {
		panic(err)
	}
	return f
}

func Test_DriverInitTwice(t *testing.T) {
	bus := NewBus()
	d := bus.NewDriver(nil, nil, false)

	require.NoError(t, d.Init("vcan0", 250000))
	assert.True(t, errors.Is(d.Init("vcan0", 250000), candispatch.ErrAlreadyOpen))
	assert.Equal(t, "vcan0", d.Device())
	assert.Equal(t, 1, bus.Nodes())

	d.Shutdown()
	d.Shutdown()
	assert.Equal(t, 0, bus.Nodes())
	assert.Equal(t, candispatch.Closed, d.State().Driver)

	// Reopening after shutdown is allowed.
	require.NoError(t, d.Init("vcan1", 0))
	assert.Equal(t, "vcan1", d.Device())
	d.Shutdown()
}

func Test_DriverSendRejections(t *testing.T) {
	bus := NewBus()
	d := bus.NewDriver(nil, nil, false)

	assert.True(t, errors.Is(d.Send(frame(1)), candispatch.ErrNotReady))

	require.NoError(t, d.Init("vcan0", 0))
	defer d.Shutdown()

	bad := candispatch.Frame{Header: candispatch.Header{ID: 0x800}}
	assert.True(t, errors.Is(d.Send(bad), candispatch.ErrInvalidFrame))
	assert.NoError(t, d.Send(frame(1)))
}

func Test_DriverFullQueueDropsFrames(t *testing.T) {
	bus := NewBus()
	tx := bus.NewDriver(nil, nil, false)
	rx := bus.NewDriver(nil, nil, false, WithQueueSize(2))
	require.NoError(t, tx.Init("tx", 0))
	require.NoError(t, rx.Init("rx", 0))
	defer tx.Shutdown()
	defer rx.Shutdown()

	before := testutil.ToFloat64(metrics.VirtualDroppedFrames)
	// The ready state event already occupies one slot of rx.
	for i := 0; i < 3; i++ {
		require.NoError(t, tx.Send(frame(uint32(i))))
	}
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.VirtualDroppedFrames))
}

func Test_DriverRunDeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := NewBus()
	got := make(chan candispatch.Frame, 8)
	var states atomic.Int32
	tx := bus.NewDriver(nil, nil, false)
	rx := bus.NewDriver(func(f candispatch.Frame) { got <- f }, func(candispatch.State) { states.Add(1) }, false)
	require.NoError(t, tx.Init("tx", 0))
	require.NoError(t, rx.Init("rx", 0))

	done := make(chan error, 1)
	go func() { done <- rx.Run() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, tx.Send(frame(uint32(i), byte(i))))
	}
	for i := 0; i < 5; i++ {
		select {
		case f := <-got:
			assert.Equal(t, uint32(i), f.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}
	assert.Equal(t, int32(1), states.Load())

	tx.Shutdown()
	rx.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func Test_DriverShutdownFromDelegate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := NewBus()
	var d *Driver
	var frames atomic.Int32
	d = bus.NewDriver(func(candispatch.Frame) {
		frames.Add(1)
		d.Stop()
	}, nil, true)
	require.NoError(t, d.Init("vcan0", 0))

	// Both frames are queued before Run starts; only the first is delivered.
	require.NoError(t, d.Send(frame(1)))
	require.NoError(t, d.Send(frame(2)))

	require.NoError(t, d.Run())
	assert.Equal(t, int32(1), frames.Load())
	assert.True(t, errors.Is(d.Send(frame(3)), candispatch.ErrNotReady))
}

func Test_DriverNoDelegateCallAfterShutdownReturns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for round := 0; round < 20; round++ {
		bus := NewBus()
		var returned, late atomic.Bool
		var delivered atomic.Int32
		d := bus.NewDriver(func(candispatch.Frame) {
			if returned.Load() {
				late.Store(true)
			}
			delivered.Add(1)
		}, nil, true, WithQueueSize(1024))
		require.NoError(t, d.Init("vcan0", 0))
		for i := 0; i < 1000; i++ {
			require.NoError(t, d.Send(frame(uint32(i&0x7FF))))
		}

		done := make(chan error, 1)
		go func() { done <- d.Run() }()
		require.Eventually(t, func() bool { return delivered.Load() > 0 }, 2*time.Second, time.Millisecond)

		stopped := make(chan struct{})
		go func() {
			d.Shutdown()
			returned.Store(true)
			close(stopped)
		}()
		<-stopped

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
		if late.Load() {
			t.Fatalf("round %d: delegate called after Shutdown returned", round)
		}
	}
}

func Test_DriverStopOutsideRun(t *testing.T) {
	bus := NewBus()
	d := bus.NewDriver(nil, nil, false)
	d.Stop()
	require.NoError(t, d.Init("vcan0", 0))
	d.Stop()
	d.Shutdown()
	assert.Equal(t, 0, bus.Nodes())
	assert.True(t, errors.Is(d.Run(), candispatch.ErrNotOpen))
}

func Test_DriverErrorAndRecover(t *testing.T) {
	bus := NewBus()
	d := bus.NewDriver(nil, nil, false)
	assert.True(t, errors.Is(d.InjectError(candispatch.ClassNoAck), candispatch.ErrNotOpen))

	require.NoError(t, d.Init("vcan0", 0))
	defer d.Shutdown()

	require.NoError(t, d.InjectError(candispatch.ClassNoAck))
	st := d.State()
	assert.True(t, st.IsReady())
	assert.Equal(t, candispatch.ClassNoAck, st.InternalError)

	require.NoError(t, d.InjectError(candispatch.ClassBusOff))
	st = d.State()
	assert.Equal(t, candispatch.Open, st.Driver)
	assert.Equal(t, candispatch.ClassNoAck|candispatch.ClassBusOff, st.InternalError)

	text, ok := d.TranslateError(st.InternalError)
	assert.True(t, ok)
	assert.Equal(t, "no ACK on transmission; bus off", text)

	require.NoError(t, d.Recover())
	assert.Equal(t, candispatch.State{Driver: candispatch.Ready}, d.State())
	require.NoError(t, d.Recover())
}
