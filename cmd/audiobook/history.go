package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/eventstore"
	"github.com/loqalabs/loqa-audiobook/internal/runtime"
	"github.com/spf13/cobra"
)

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		runID string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs, or the events of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.Telemetry.LogLevel)
			store, err := eventstore.Open(cmd.Context(), cfg.EventStore, logger.With(slog.String("component", "eventstore")))
			if err != nil {
				return fmt.Errorf("open event store: %w", err)
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if runID == "" {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "RUN\tSTARTED\tMODE\tLANG\tSTATUS\tOUTPUT")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.CreatedAt.Local().Format(time.DateTime), r.VoiceMode, r.Language, r.Status, r.OutputPath)
				}
				return nil
			}

			events, err := store.ListRunEvents(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no events recorded for run %s", runID)
			}
			fmt.Fprintln(w, "TIME\tEVENT\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Type, e.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Show the events of this run")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows to print")
	return cmd
}
