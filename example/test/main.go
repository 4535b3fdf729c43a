package main

import (
	"fmt"
	"time"

	candispatch "github.com/jonoton/go-candispatch"
	"github.com/jonoton/go-candispatch/virtual"
)

func main() {
	candispatch.SetDebug(true) // Enable debug logging

	bus := virtual.NewBus()

	// Two nodes on the same virtual segment: "ecu" sends, "tool" listens.
	ecu := candispatch.NewInterface(bus.Factory(false), candispatch.WithName("ecu"))
	tool := candispatch.NewInterface(bus.Factory(false), candispatch.WithName("tool"))
	for name, iface := range map[string]*candispatch.Interface[*virtual.Driver]{"vcan-ecu": ecu, "vcan-tool": tool} {
		if err := iface.Init(name, 500000); err != nil {
			fmt.Println("init failed:", err)
			return
		}
	}
	defer ecu.Close()
	defer tool.Close()

	go ecu.Run()
	go tool.Run()

	// Unfiltered listener sees everything, the heartbeat listener only 0x701.
	all := tool.CreateMsgListener(func(f candispatch.Frame) {
		fmt.Printf("(all) received %s\n", f)
	})
	heartbeat := tool.CreateFilteredMsgListener(candispatch.Header{ID: 0x701}, func(f candispatch.Frame) {
		fmt.Printf("(heartbeat) received %s\n", f)
	})
	state := tool.CreateStateListener(func(s candispatch.State) {
		fmt.Printf("(state) tool is %s\n", s)
	})
	defer state.Close()

	send := func(id uint32, data ...byte) {
		f, err := candispatch.NewFrame(candispatch.Header{ID: id}, data)
		if err != nil {
			fmt.Println("bad frame:", err)
			return
		}
		if err := ecu.Send(f); err != nil {
			fmt.Println("send failed:", err)
		}
	}

	fmt.Println("\n--- Sending heartbeat and data frames ---")
	send(0x701, 0x05)
	send(0x181, 0x01, 0x02)
	time.Sleep(50 * time.Millisecond)

	fmt.Println("\n--- Closing heartbeat listener ---")
	heartbeat.Close()
	send(0x701, 0x05)
	time.Sleep(50 * time.Millisecond)

	fmt.Println("\n--- Bus off on tool, then recover ---")
	tool.Driver().InjectError(candispatch.ClassBusOff)
	time.Sleep(50 * time.Millisecond)
	if err := tool.Recover(); err != nil {
		fmt.Println("recover failed:", err)
	}
	time.Sleep(50 * time.Millisecond)

	fmt.Println("\n--- Closing the tool interface before its last listener ---")
	tool.Close()
	all.Close() // safe: the dispatcher is already closed

	fmt.Println("\n--- Main goroutine finishing ---")
}
