// Command canmon runs a virtual CAN bus, prints the frames its monitor node
// receives and exposes dispatch metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "canmon:", err)
		os.Exit(1)
	}
}
