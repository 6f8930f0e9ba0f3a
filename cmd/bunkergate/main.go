// Command bunkergate brokers page requests to a NIP-46 remote signer,
// gating each one behind per-origin policy and user approval.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newCLI()).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
