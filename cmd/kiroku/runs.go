package main

import (
	"fmt"

	"github.com/harunnryd/kiroku/internal/eventlog"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage recorded runs",
}

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := runsRoot(cmd)
		if err != nil {
			return err
		}
		runs, err := eventlog.ListRuns(root)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		out, err := f.FormatRuns(runs)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print the result summary of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := runsRoot(cmd)
		if err != nil {
			return err
		}
		sum, err := eventlog.ReadSummary(root, args[0])
		if err != nil {
			return err
		}

		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		out, err := f.FormatSummary(sum)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	addOutputFlag(runsLsCmd)
	addOutputFlag(runsShowCmd)
	runsCmd.AddCommand(runsLsCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
