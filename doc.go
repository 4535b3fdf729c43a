/*
Package candispatch implements a thread-safe, lifetime-guarded dispatch fabric
for CAN bus events: received frames and bus state transitions are fanned out,
synchronously and in registration order, from the goroutine that produces them
to any number of listeners.

# Key Features

  - Generic Dispatchers: `SimpleDispatcher[T]` delivers every payload to all
    listeners. `FilteredDispatcher[K, T]` additionally routes by a key derived
    from the payload (for frames, the header key) and notifies key listeners
    before unfiltered ones, within one locked round.

  - Handle-Owned Subscriptions: subscribing returns a `*Listener[T]`. Whoever
    holds it owns the subscription. `Close()` removes it synchronously; a
    handle that is simply dropped is removed after it is garbage collected.

  - Safe In Any Order: a listener only keeps a weak reference to the
    dispatcher that created it. Closing a handle after the dispatcher has been
    closed, or collected, is a no-op.

  - Bus Facade: `Interface[D]` wires a transport `Driver` to a frame
    dispatcher and a state dispatcher and forwards Init, Run, Send, Recover,
    State, Shutdown and TranslateError to the transport.

# Concurrency

Every dispatcher has exactly one mutex. Dispatch holds it for the whole round,
including the time spent in listener callables, so subscriptions made or
closed concurrently either take part in a whole round or not at all.
Callables therefore have to be fast, and must not call back into the same
dispatcher (Subscribe, Dispatch, or Close on one of its listeners): the lock
is not reentrant.

A panicking callable is not recovered. It aborts the rest of the round and
propagates to the caller of Dispatch; the lock is released.

# Usage

	frames := candispatch.NewFilteredDispatcher(func(f candispatch.Frame) uint32 {
		return f.Key()
	})
	defer frames.Close()

	all := frames.Subscribe(func(f candispatch.Frame) {
		fmt.Println("any:", f)
	})
	defer all.Close()

	heartbeat := frames.SubscribeKey(candispatch.Header{ID: 0x701}.Key(), func(f candispatch.Frame) {
		fmt.Println("heartbeat:", f)
	})

	f, _ := candispatch.NewFrame(candispatch.Header{ID: 0x701}, []byte{0x05})
	frames.Dispatch(f) // heartbeat: 701#05, then any: 701#05

	heartbeat.Close()
	frames.Dispatch(f) // any: 701#05

# Using a Transport

The virtual package provides an in-memory bus:

	bus := virtual.NewBus()
	iface := candispatch.NewInterface(bus.Factory(false))
	if err := iface.Init("vcan0", 500000); err != nil {
		// handle error
	}
	go iface.Run()
	defer iface.Close()

	l := iface.CreateStateListener(func(s candispatch.State) {
		fmt.Println("state:", s)
	})
	defer l.Close()
*/
package candispatch
