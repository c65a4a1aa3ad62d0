package main

import (
	"fmt"

	"github.com/harunnryd/kiroku/internal/eventlog"
	"github.com/harunnryd/kiroku/internal/realtime"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect recorded session events",
}

var eventsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print the event log of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := runsRoot(cmd)
		if err != nil {
			return err
		}
		events, err := eventlog.ReadEvents(root, args[0])
		if err != nil {
			return err
		}

		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		out, err := f.FormatEvents(events)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var eventsVerifyCmd = &cobra.Command{
	Use:   "verify [run-id]",
	Short: "Check sequence and timing invariants of a run",
	Long: `Verify that the run's events start with the session configuration, carry
gapless sequence numbers, and have elapsed times that start at the first
audio upload and never decrease.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := runsRoot(cmd)
		if err != nil {
			return err
		}
		events, err := eventlog.ReadEvents(root, args[0])
		if err != nil {
			return err
		}
		if err := realtime.VerifyEvents(events); err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %d events verified\n", len(events))
		return nil
	},
}

func init() {
	addOutputFlag(eventsShowCmd)
	eventsCmd.AddCommand(eventsShowCmd)
	eventsCmd.AddCommand(eventsVerifyCmd)
	rootCmd.AddCommand(eventsCmd)
}
