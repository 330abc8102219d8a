package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"extpool/internal/version"
)

// newRootCmd creates the root extpool command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "extpool",
		Short:         "Extension-host test worker pool",
		Long:          "extpool runs extension tests inside a real editor extension host.\nThe pool side embeds into the test runner; this CLI carries the worker\nruntime and diagnostics.",
		Version:       fmt.Sprintf("extpool %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newWorkerCmd(),
		newEventsCmd(),
	)

	return cmd
}
