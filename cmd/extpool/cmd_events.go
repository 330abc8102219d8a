package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"extpool/pkg/eventlog"
)

// eventsConfig holds configuration for the events command.
type eventsConfig struct {
	workerID  int
	eventType string
	limit     int
}

// newEventsCmd creates the "extpool events" subcommand, querying the
// lifecycle trace a debug session recorded.
func newEventsCmd() *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the pool lifecycle event trace",
		Long:  "Displays events from the trace database a POOL_DEBUG session wrote.\nOptionally filter by worker id and event type.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			reader, err := eventlog.NewReader(paths.EventLogPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			events, err := reader.Query(cmd.Context(), eventlog.QueryOpts{
				WorkerID:  cfg.workerID,
				EventType: cfg.eventType,
				Limit:     cfg.limit,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			useColor := isatty.IsTerminal(os.Stdout.Fd())
			for _, e := range events {
				stamp := e.CreatedAt.Format(time.TimeOnly)
				if useColor {
					fmt.Fprintf(w, "\x1b[2m%s\x1b[0m w%d \x1b[1m%-14s\x1b[0m %s %s\n",
						stamp, e.WorkerID, e.Type, e.RequestID, e.Payload)
				} else {
					fmt.Fprintf(w, "%s w%d %-14s %s %s\n",
						stamp, e.WorkerID, e.Type, e.RequestID, e.Payload)
				}
			}
			if len(events) == 0 {
				fmt.Fprintln(w, "no events recorded")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.workerID, "worker", 0, "filter by worker id (0 = all)")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "filter by event type, e.g. request")
	cmd.Flags().IntVar(&cfg.limit, "limit", 0, "limit the number of rows (0 = all)")

	return cmd
}
