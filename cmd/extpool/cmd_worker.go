package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"extpool/pkg/runtime"
)

// newWorkerCmd creates the "extpool worker" subcommand. It runs the
// worker runtime against a live pool endpoint with a probe host that
// accepts every request without executing tests — a connectivity check
// for the transport and handshake path. Inside the editor the runtime is
// entered through the extension host with the real test-runner host, not
// through this command.
func newWorkerCmd() *cobra.Command {
	var addr string
	var debug bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a probe worker against a pool endpoint",
		Long: `Connects to a pool endpoint, performs the ready handshake, and serves
control requests with a probe host that accepts without executing.

The endpoint comes from CHILD_TRANSPORT_ADDR or --addr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return runtime.Run(ctx, runtime.NopHost{}, runtime.Options{
				Addr:  addr,
				Debug: debug,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "pool endpoint, e.g. ws://127.0.0.1:39211 (default: $CHILD_TRANSPORT_ADDR)")
	cmd.Flags().BoolVar(&debug, "debug", false, "mirror lifecycle events to stderr")

	return cmd
}
