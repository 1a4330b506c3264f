// Relay
//
// The relay server fronts long-running coding-agent processes in
// isolated sandboxes: REST for lifecycle, WebSocket for the live
// command/event pipe, an append-only journal for replay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - sandboxed coding-agent session server",
	Long: `Relay fronts long-running coding-agent processes in isolated sandboxes.

  relay serve                 Start the server
  relay serve -p 9000         Start on a custom port
  relay version               Print the version`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ce *configError
		if errors.As(err, &ce) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

// configError distinguishes bad configuration (exit 1) from runtime
// failures (exit 2).
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
