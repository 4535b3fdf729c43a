package candispatch_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	candispatch "github.com/jonoton/go-candispatch"
	"github.com/jonoton/go-candispatch/virtual"
)

type node = candispatch.Interface[*virtual.Driver]

func startNode(t *testing.T, bus *virtual.Bus, device string, loopback bool) (*node, <-chan error) {
	t.Helper()
	iface := candispatch.NewInterface(bus.Factory(loopback), candispatch.WithName(device))
	require.NoError(t, iface.Init(device, 500000))

	done := make(chan error, 1)
	go func() { done <- iface.Run() }()
	return iface, done
}

func stopNode(t *testing.T, iface *node, done <-chan error) {
	t.Helper()
	iface.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func mustFrame(t *testing.T, id uint32, data ...byte) candispatch.Frame {
	t.Helper()
	f, err := candispatch.NewFrame(candispatch.Header{ID: id}, data)
	require.NoError(t, err)
	return f
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func Test_InterfaceFilteredAndUnfilteredDelivery(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := virtual.NewBus()
	sender, senderDone := startNode(t, bus, "vcan-tx", false)
	receiver, receiverDone := startNode(t, bus, "vcan-rx", false)
	defer stopNode(t, sender, senderDone)
	defer stopNode(t, receiver, receiverDone)

	got := make(chan string, 16)
	all := receiver.CreateMsgListener(func(f candispatch.Frame) { got <- "all " + f.String() })
	only := receiver.CreateFilteredMsgListener(candispatch.Header{ID: 0x123}, func(f candispatch.Frame) {
		got <- "123 " + f.String()
	})
	defer all.Close()
	defer only.Close()

	require.NoError(t, sender.Send(mustFrame(t, 0x123, 0x01)))
	assert.Equal(t, "123 123#01", receive(t, got))
	assert.Equal(t, "all 123#01", receive(t, got))

	require.NoError(t, sender.Send(mustFrame(t, 0x200, 0x02)))
	assert.Equal(t, "all 200#02", receive(t, got))

	only.Close()
	require.NoError(t, sender.Send(mustFrame(t, 0x123, 0x03)))
	assert.Equal(t, "all 123#03", receive(t, got))

	select {
	case extra := <-got:
		t.Fatalf("unexpected delivery %q", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func Test_InterfaceLoopback(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := virtual.NewBus()
	iface, done := startNode(t, bus, "vcan0", true)
	defer stopNode(t, iface, done)

	got := make(chan candispatch.Frame, 1)
	l := iface.CreateMsgListener(func(f candispatch.Frame) { got <- f })
	defer l.Close()

	f := mustFrame(t, 0x10, 0xAA)
	require.NoError(t, iface.Send(f))
	assert.Equal(t, f, receive(t, got))
}

func Test_InterfaceStateTransitions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := virtual.NewBus()
	iface := candispatch.NewInterface(bus.Factory(false))

	states := make(chan candispatch.State, 8)
	l := iface.CreateStateListener(func(s candispatch.State) { states <- s })
	defer l.Close()

	require.NoError(t, iface.Init("vcan0", 0))
	done := make(chan error, 1)
	go func() { done <- iface.Run() }()
	defer stopNode(t, iface, done)

	assert.Equal(t, candispatch.State{Driver: candispatch.Ready}, receive(t, states))

	require.NoError(t, iface.Driver().InjectError(candispatch.ClassBusOff))
	busOff := receive(t, states)
	assert.Equal(t, candispatch.Open, busOff.Driver)
	assert.False(t, iface.State().IsReady())

	msg, ok := iface.TranslateError(busOff.InternalError)
	assert.True(t, ok)
	assert.Equal(t, "bus off", msg)

	err := iface.Send(mustFrame(t, 0x1))
	assert.True(t, errors.Is(err, candispatch.ErrNotReady))

	require.NoError(t, iface.Recover())
	assert.Equal(t, candispatch.State{Driver: candispatch.Ready}, receive(t, states))
	assert.NoError(t, iface.Send(mustFrame(t, 0x1)))
}

func Test_InterfaceInitFailureKeepsNoState(t *testing.T) {
	bus := virtual.NewBus()
	iface := candispatch.NewInterface(bus.Factory(false))

	err := iface.Init("vcan0", 12345)
	assert.True(t, errors.Is(err, candispatch.ErrInvalidBitrate))
	assert.Equal(t, candispatch.Closed, iface.State().Driver)
	assert.Equal(t, 0, bus.Nodes())

	err = iface.Init("", 500000)
	assert.True(t, errors.Is(err, candispatch.ErrInvalidDevice))

	assert.True(t, errors.Is(iface.Run(), candispatch.ErrNotOpen))
	assert.True(t, errors.Is(iface.Recover(), candispatch.ErrNotOpen))
}

func Test_InterfaceCloseBeforeHandles(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := virtual.NewBus()
	iface, done := startNode(t, bus, "vcan0", true)

	msgs := iface.CreateMsgListener(func(candispatch.Frame) {})
	keyed := iface.CreateFilteredMsgListener(candispatch.Header{ID: 0x5}, func(candispatch.Frame) {})
	states := iface.CreateStateListener(func(candispatch.State) {})

	stopNode(t, iface, done)
	assert.Equal(t, 0, bus.Nodes())

	assert.NotPanics(t, func() {
		msgs.Close()
		keyed.Close()
		states.Close()
	})
}
