package main

import (
	"fmt"

	"github.com/harunnryd/kiroku/internal/model"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect configured models",
}

var modelsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registry models and their settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		registry, err := model.NewRegistry(loadedCfg.Models, loadedCfg.Realtime)
		if err != nil {
			return err
		}

		listing := make(map[string]map[string]any)
		for _, name := range registry.ListModels() {
			m, err := registry.Get(name)
			if err != nil {
				return err
			}
			listing[name] = m.Metadata()
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(listing); err != nil {
			return fmt.Errorf("failed to encode models: %w", err)
		}
		return enc.Close()
	},
}

func init() {
	modelsCmd.AddCommand(modelsLsCmd)
	rootCmd.AddCommand(modelsCmd)
}
