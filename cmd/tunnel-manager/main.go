// Package main is the entry point for the tunnel-manager binary.
//
// tunnel-manager keeps a list of SSH local port-forwarding tunnels and starts,
// stops and reconciles the ssh (or local relay) processes that serve them.
//
// Without arguments it launches the interactive TUI dashboard. With a
// subcommand it runs one operation and exits; forwarders it started keep
// running and the next invocation reports them as connected.
//
// Usage:
//
//	tunnel-manager                  # launch the TUI dashboard
//	tunnel-manager list             # list tunnels and their status
//	tunnel-manager connect db       # start the "db" tunnel
//	tunnel-manager connect db --wait  # start it and stop it on Ctrl-C
//
// The CLI is built in internal/cli and the TUI in internal/ui.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/treykane/tunnel-manager/internal/cli"
)

func main() {
	// Cancelling the context aborts in-flight probes and connection attempts.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
