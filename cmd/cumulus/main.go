// Cumulus - one resource API over several clouds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/yairfalse/cumulus/internal/provider/aws"     // Register AWS provider
	_ "github.com/yairfalse/cumulus/internal/provider/gce"     // Register GCE provider
	_ "github.com/yairfalse/cumulus/internal/provider/hetzner" // Register Hetzner provider
	_ "github.com/yairfalse/cumulus/internal/provider/local"   // Register local provider
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
