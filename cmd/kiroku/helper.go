package main

import (
	"fmt"

	"github.com/harunnryd/kiroku/internal/config"
	"github.com/harunnryd/kiroku/internal/eventlog"
	"github.com/harunnryd/kiroku/internal/formatter"

	"github.com/spf13/cobra"
)

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}

	loadedCfg, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}
	return loadedCfg, nil
}

func runsRoot(cmd *cobra.Command) (string, error) {
	loadedCfg, err := loadConfigForCommand(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return eventlog.ResolveRunsRoot(loadedCfg.Runs.Dir)
}

func outputFormatter(cmd *cobra.Command) (formatter.RunFormatter, error) {
	value, _ := cmd.Flags().GetString("output")
	if value == "" {
		value = string(formatter.OutputFormatTable)
	}
	format, err := formatter.ParseOutputFormat(value)
	if err != nil {
		return nil, err
	}
	return formatter.NewFormatterFactory().Create(format)
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(formatter.OutputFormatTable), "output format (table, json, yaml)")
}
