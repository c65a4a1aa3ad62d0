package model

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/kiroku/internal/config"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/logger"
	"github.com/harunnryd/kiroku/internal/realtime"

	"gopkg.in/yaml.v3"
)

// AzureRealtime serves AZURE_OPEN_AI_REALTIME registry entries.
type AzureRealtime struct {
	entry  config.ModelRegistry
	run    config.RealtimeConfig
	client *realtime.Client
}

func NewAzureRealtime(entry config.ModelRegistry, run config.RealtimeConfig, opts ...realtime.Option) (*AzureRealtime, error) {
	conn, err := ConnectionConfigFrom(entry)
	if err != nil {
		return nil, err
	}
	opts = append([]realtime.Option{realtime.WithModelDefaults(modelDefaults(entry))}, opts...)
	return &AzureRealtime{
		entry:  entry,
		run:    run,
		client: realtime.NewClient(conn, opts...),
	}, nil
}

// ConnectionConfigFrom maps a registry entry onto connection settings.
// Required fields are checked later, when a session starts.
func ConnectionConfigFrom(entry config.ModelRegistry) (realtime.ConnectionConfig, error) {
	cfg := realtime.NewConnectionConfig(entry.Endpoint, entry.API, entry.Deployment, entry.Key)
	cfg.BearerToken = entry.Token

	durations := []struct {
		field    string
		value    string
		fallback string
		target   *time.Duration
	}{
		{"timeout", entry.Timeout, config.DefaultModelTimeout, &cfg.Timeout},
		{"handshake_timeout", entry.HandshakeTimeout, config.DefaultModelHandshakeTimeout, &cfg.HandshakeTimeout},
		{"ping_interval", entry.PingInterval, config.DefaultModelPingInterval, &cfg.PingInterval},
	}
	for _, d := range durations {
		v, err := config.DurationOrDefault(d.value, d.fallback)
		if err != nil {
			return realtime.ConnectionConfig{}, kirokuErrors.InvalidConfig(d.field, err.Error())
		}
		*d.target = v
	}

	if entry.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = entry.MaxFrameBytes
	}
	if entry.ConnectRetries != nil {
		cfg.ConnectRetries = *entry.ConnectRetries
	}
	if entry.ChunkBytes > 0 {
		cfg.ChunkBytes = entry.ChunkBytes
	}
	if entry.SampleRateHz > 0 {
		cfg.SampleRateHz = entry.SampleRateHz
	}
	return cfg, nil
}

func modelDefaults(entry config.ModelRegistry) map[string]any {
	values := map[string]any{}
	if entry.Instructions != "" {
		values[realtime.KeyInstructions] = entry.Instructions
	}
	if entry.Voice != "" {
		values[realtime.KeyVoice] = entry.Voice
	}
	if entry.Modalities != nil {
		values[realtime.KeyModalities] = entry.Modalities
	}
	if entry.TurnDetection != nil {
		values[realtime.KeyTurnDetection] = entry.TurnDetection
	}
	return values
}

// RunSettings returns the run-scoped session values. Inline instructions win
// over realtime.instructions_file.
func RunSettings(run config.RealtimeConfig) (map[string]any, error) {
	values := map[string]any{}

	instructions := run.Instructions
	if instructions == "" && strings.TrimSpace(run.InstructionsFile) != "" {
		data, err := os.ReadFile(run.InstructionsFile)
		if err != nil {
			return nil, kirokuErrors.InvalidConfig("realtime.instructions_file", err.Error())
		}
		instructions = string(data)
	}
	if instructions != "" {
		values[realtime.KeyInstructions] = instructions
	}
	if run.Voice != "" {
		values[realtime.KeyVoice] = run.Voice
	}
	if run.Modalities != nil {
		values[realtime.KeyModalities] = run.Modalities
	}
	if run.TurnDetection != nil {
		values[realtime.KeyTurnDetection] = run.TurnDetection
	}
	return values, nil
}

func (m *AzureRealtime) Name() string { return m.entry.Name }
func (m *AzureRealtime) Type() string { return config.ModelTypeAzureRealtime }

func (m *AzureRealtime) Client() *realtime.Client { return m.client }

func (m *AzureRealtime) Infer(ctx context.Context, c Case) (*realtime.Result, error) {
	pcm, err := ResolveAudio(c, m.run)
	if err != nil {
		return nil, err
	}
	if rate := m.client.Config().SampleRateHz; pcm.SampleRateHz != 0 && pcm.SampleRateHz != rate {
		slog.Warn("Audio sample rate differs from session rate", append(logger.Attrs(ctx),
			"model", m.Name(), "audio_rate_hz", pcm.SampleRateHz, "session_rate_hz", rate)...)
	}

	settings, err := RunSettings(m.run)
	if err != nil {
		return nil, err
	}

	req := realtime.Request{
		Overrides:   c.Overrides,
		RunSettings: settings,
		OnEvent:     c.OnEvent,
		OnDisplay:   c.OnDisplay,
	}
	if m.run.ReconfigureInstructions != "" {
		req.Reconfigure = map[string]any{realtime.KeyInstructions: m.run.ReconfigureInstructions}
	}

	slog.Info("Inferring case", append(logger.Attrs(ctx),
		"model", m.Name(), "case", c.ID, "container", pcm.Container, "audio_bytes", len(pcm.Data))...)
	return m.client.Infer(ctx, pcm.Data, req)
}

func (m *AzureRealtime) Metadata() map[string]any {
	entry := m.entry
	entry.Key = ""
	entry.Token = ""

	out := map[string]any{}
	data, err := yaml.Marshal(entry)
	if err != nil {
		return map[string]any{"name": entry.Name, "type": entry.Type}
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return map[string]any{"name": entry.Name, "type": entry.Type}
	}
	delete(out, "key")
	delete(out, "token")
	out["type"] = m.Type()
	return out
}
