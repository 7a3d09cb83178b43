// Command economy runs the game economy core: the ledger, lock manager,
// idempotency guard, and workflow coordinator over one durable store.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kc92/desperado/internal/cmd/economy"
)

func main() {
	log.SetPrefix("economy: ")
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := economy.Run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("run: %v", err)
	}
}
