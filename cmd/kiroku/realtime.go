package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/kiroku/internal/config"
	"github.com/harunnryd/kiroku/internal/eventlog"
	"github.com/harunnryd/kiroku/internal/formatter"
	"github.com/harunnryd/kiroku/internal/logger"
	"github.com/harunnryd/kiroku/internal/model"
	"github.com/harunnryd/kiroku/internal/pathutil"
	"github.com/harunnryd/kiroku/internal/realtime"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var realtimeCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Run one realtime session",
	Long: `Stream an audio file to the configured realtime model, print the transcript
as it arrives, and persist the event log and result summary as a new run.
An interrupt closes the session and still persists the partial run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		run, err := realtimeSettings(cmd, loadedCfg.Realtime)
		if err != nil {
			return err
		}

		registry, err := model.NewRegistry(loadedCfg.Models, run)
		if err != nil {
			return err
		}
		m, err := registry.Get(run.Model)
		if err != nil {
			return err
		}

		root, err := eventlog.ResolveRunsRoot(loadedCfg.Runs.Dir)
		if err != nil {
			return err
		}
		storeCfg, err := eventlog.RuntimeConfigFrom(loadedCfg.Runs)
		if err != nil {
			return err
		}
		store, err := eventlog.Create(root, storeCfg)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		signals := NewSignalHandler(cmd.Context(), cmd.ErrOrStderr())
		signals.Start()
		defer signals.Stop()

		ctx := logger.WithRunID(signals.Context(), store.RunID())
		quiet, _ := cmd.Flags().GetBool("quiet")
		caseID, _ := cmd.Flags().GetString("case-id")
		if caseID == "" {
			caseID = ulid.Make().String()
		}

		live := formatter.TranscriptStyle()
		printed := false
		c := model.Case{
			ID:      caseID,
			OnEvent: store.Record,
		}
		if !quiet {
			c.OnDisplay = func(e realtime.Event) {
				fmt.Fprint(out, live.Render(gjson.GetBytes(e.Payload, "delta").String()))
				printed = true
			}
		}

		slog.Info("Run started", append(logger.Attrs(ctx), "model", m.Name(), "dir", store.Dir())...)
		res, inferErr := m.Infer(ctx, c)
		if printed {
			fmt.Fprintln(out)
		}

		summary := eventlog.Summary{Model: m.Name()}
		if inferErr != nil {
			summary.Meta = realtime.Meta{State: realtime.StateFailed, Error: inferErr.Error()}
		} else {
			summary.Transcript = res.Transcript
			summary.Meta = res.Meta
		}
		if err := store.WriteSummary(summary); err != nil {
			return errors.Join(inferErr, fmt.Errorf("failed to write run summary: %w", err))
		}
		if err := store.Close(); err != nil {
			return errors.Join(inferErr, fmt.Errorf("failed to persist events: %w", err))
		}
		if inferErr != nil {
			return inferErr
		}

		written, err := eventlog.ReadSummary(root, store.RunID())
		if err != nil {
			return err
		}
		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		rendered, err := f.FormatSummary(written)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, rendered)

		if res.Meta.State != realtime.StateCompleted {
			return fmt.Errorf("session ended %s: %s", res.Meta.State, res.Meta.Error)
		}
		return nil
	},
}

// realtimeSettings layers command flags over the realtime config section.
func realtimeSettings(cmd *cobra.Command, run config.RealtimeConfig) (config.RealtimeConfig, error) {
	flags := cmd.Flags()
	str := func(name string, target *string) {
		if flags.Changed(name) {
			*target, _ = flags.GetString(name)
		}
	}
	str("model", &run.Model)
	str("audio", &run.AudioFile)
	str("instructions", &run.Instructions)
	str("instructions-file", &run.InstructionsFile)
	str("voice", &run.Voice)
	str("reconfigure-instructions", &run.ReconfigureInstructions)

	if flags.Changed("modalities") {
		values, _ := flags.GetStringSlice("modalities")
		modalities := make([]any, len(values))
		for i, v := range values {
			modalities[i] = strings.TrimSpace(v)
		}
		run.Modalities = modalities
	}
	if flags.Changed("turn-detection") {
		run.TurnDetection, _ = flags.GetString("turn-detection")
	}

	for _, path := range []*string{&run.AudioFile, &run.InstructionsFile} {
		expanded, err := pathutil.Expand(*path)
		if err != nil {
			return run, err
		}
		*path = expanded
	}
	return run, nil
}

func addRealtimeFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("audio", "a", "", "pcm16 or wav file to stream (overrides realtime.audio_file)")
	cmd.Flags().StringP("model", "m", "", "registry model name (default is models.default)")
	cmd.Flags().String("instructions", "", "session instructions")
	cmd.Flags().String("instructions-file", "", "file holding session instructions")
	cmd.Flags().String("voice", "", "session voice")
	cmd.Flags().StringSlice("modalities", nil, "response modalities (text, audio)")
	cmd.Flags().String("turn-detection", "", "turn detection type (none, server_vad, semantic_vad)")
	cmd.Flags().String("reconfigure-instructions", "", "instructions sent in a second session.update after the response request")
	cmd.Flags().String("case-id", "", "identifier logged with the case (default is a new ulid)")
	cmd.Flags().BoolP("quiet", "q", false, "do not print transcript deltas as they arrive")
	addOutputFlag(cmd)
}

func init() {
	addRealtimeFlags(realtimeCmd)
	rootCmd.AddCommand(realtimeCmd)
}
