package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kiroku/internal/pathutil"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	LogLevel string         `koanf:"log_level" yaml:"log_level"`
	Models   ModelsConfig   `koanf:"models" yaml:"models"`
	Realtime RealtimeConfig `koanf:"realtime" yaml:"realtime"`
	Runs     RunsConfig     `koanf:"runs" yaml:"runs"`
}

type ModelsConfig struct {
	Default  string          `koanf:"default" yaml:"default"`
	Registry []ModelRegistry `koanf:"registry" yaml:"registry"`
}

// ModelRegistry describes one configured model. Modalities and TurnDetection
// stay untyped so malformed values reach the session normalizers intact.
type ModelRegistry struct {
	Name             string `koanf:"name" yaml:"name"`
	Type             string `koanf:"type" yaml:"type"`
	Endpoint         string `koanf:"endpoint" yaml:"endpoint"`
	API              string `koanf:"api" yaml:"api"`
	Deployment       string `koanf:"deployment" yaml:"deployment"`
	Key              string `koanf:"key" yaml:"key,omitempty"`
	Token            string `koanf:"token" yaml:"token,omitempty"`
	Timeout          string `koanf:"timeout" yaml:"timeout,omitempty"`
	HandshakeTimeout string `koanf:"handshake_timeout" yaml:"handshake_timeout,omitempty"`
	PingInterval     string `koanf:"ping_interval" yaml:"ping_interval,omitempty"`
	MaxFrameBytes    int64  `koanf:"max_frame_bytes" yaml:"max_frame_bytes,omitempty"`
	ConnectRetries   *int   `koanf:"connect_retries" yaml:"connect_retries,omitempty"`
	ChunkBytes       int    `koanf:"chunk_bytes" yaml:"chunk_bytes,omitempty"`
	SampleRateHz     int    `koanf:"sample_rate_hz" yaml:"sample_rate_hz,omitempty"`
	Voice            string `koanf:"voice" yaml:"voice,omitempty"`
	Modalities       any    `koanf:"modalities" yaml:"modalities,omitempty"`
	TurnDetection    any    `koanf:"turn_detection" yaml:"turn_detection,omitempty"`
	Instructions     string `koanf:"instructions" yaml:"instructions,omitempty"`
}

// RealtimeConfig holds the run-scoped realtime settings. They sit between
// per-call overrides and model defaults in session parameter resolution.
type RealtimeConfig struct {
	Model                   string `koanf:"model" yaml:"model"`
	AudioFile               string `koanf:"audio_file" yaml:"audio_file,omitempty"`
	Instructions            string `koanf:"instructions" yaml:"instructions,omitempty"`
	InstructionsFile        string `koanf:"instructions_file" yaml:"instructions_file,omitempty"`
	Voice                   string `koanf:"voice" yaml:"voice,omitempty"`
	Modalities              any    `koanf:"modalities" yaml:"modalities,omitempty"`
	TurnDetection           any    `koanf:"turn_detection" yaml:"turn_detection,omitempty"`
	ReconfigureInstructions string `koanf:"reconfigure_instructions" yaml:"reconfigure_instructions,omitempty"`
}

type RunsConfig struct {
	Dir            string `koanf:"dir" yaml:"dir"`
	RotateMaxBytes int64  `koanf:"rotate_max_bytes" yaml:"rotate_max_bytes"`
	InboxSize      int    `koanf:"inbox_size" yaml:"inbox_size"`
	LockTimeout    string `koanf:"lock_timeout" yaml:"lock_timeout"`
	LockRetry      string `koanf:"lock_retry" yaml:"lock_retry"`
}

const (
	ModelTypeAzureRealtime = "AZURE_OPEN_AI_REALTIME"

	DefaultLogLevel              = "info"
	DefaultModelName             = "azure-realtime"
	DefaultAPIVersion            = "2024-10-01-preview"
	DefaultModelTimeout          = "60s"
	DefaultModelHandshakeTimeout = "15s"
	DefaultModelPingInterval     = "20s"
	DefaultModelMaxFrameBytes    = 10 * 1024 * 1024
	DefaultModelConnectRetries   = 1
	DefaultRunsRotateMaxBytes    = 32 * 1024 * 1024
	DefaultRunsInboxSize         = 256
	DefaultRunsLockTimeout       = "5s"
	DefaultRunsLockRetry         = "50ms"
	DefaultEnvFile               = ".env"
	EnvPrefix                    = "KIROKU_"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"log_level":      DefaultLogLevel,
		"models.default": DefaultModelName,
		"models.registry": []ModelRegistry{
			{Name: DefaultModelName, Type: ModelTypeAzureRealtime, API: DefaultAPIVersion},
		},
		"realtime.model":        "",
		"runs.dir":              filepath.Join(os.Getenv("HOME"), ".kiroku", "runs"),
		"runs.rotate_max_bytes": DefaultRunsRotateMaxBytes,
		"runs.inbox_size":       DefaultRunsInboxSize,
		"runs.lock_timeout":     DefaultRunsLockTimeout,
		"runs.lock_retry":       DefaultRunsLockRetry,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := flagValue(cmd, "config")
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kiroku", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// .env never overrides variables already present in the environment
	envFile := flagValue(cmd, "env-file")
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		slog.Debug("Env file not loaded", "path", envFile)
	}

	// KIROKU_RUNS__DIR -> runs.dir, KIROKU_LOG_LEVEL -> log_level
	k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, m := range cfg.Models.Registry {
		if m.Type == "" {
			cfg.Models.Registry[i].Type = ModelTypeAzureRealtime
		}
		if m.API == "" {
			cfg.Models.Registry[i].API = DefaultAPIVersion
		}
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: Inject standard Env Vars if missing
	if key := os.Getenv("AZURE_OPENAI_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Type == ModelTypeAzureRealtime && m.Key == "" && m.Token == "" {
				cfg.Models.Registry[i].Key = key
			}
		}
	}
	if endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT"); endpoint != "" {
		for i, m := range cfg.Models.Registry {
			if m.Type == ModelTypeAzureRealtime && m.Endpoint == "" {
				cfg.Models.Registry[i].Endpoint = endpoint
			}
		}
	}

	return &cfg, nil
}

// Model returns the registry entry called name.
func (c *Config) Model(name string) (ModelRegistry, bool) {
	for _, m := range c.Models.Registry {
		if m.Name == name {
			return m, true
		}
	}
	return ModelRegistry{}, false
}

// Masked returns a copy with credentials replaced, safe to print.
func (c *Config) Masked() Config {
	out := *c
	out.Models.Registry = make([]ModelRegistry, len(c.Models.Registry))
	for i, m := range c.Models.Registry {
		if m.Key != "" {
			m.Key = mask(m.Key)
		}
		if m.Token != "" {
			m.Token = mask(m.Token)
		}
		out.Models.Registry[i] = m
	}
	return out
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func flagValue(cmd *cobra.Command, name string) string {
	if cmd == nil {
		return ""
	}
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return strings.TrimSpace(flag.Value.String())
	}
	return ""
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	runsDir, err := expandConfiguredPath(cfg.Runs.Dir)
	if err != nil {
		return err
	}
	if runsDir != "" {
		cfg.Runs.Dir = runsDir
	}

	audioFile, err := expandConfiguredPath(cfg.Realtime.AudioFile)
	if err != nil {
		return err
	}
	if audioFile != "" {
		cfg.Realtime.AudioFile = audioFile
	}

	instructionsFile, err := expandConfiguredPath(cfg.Realtime.InstructionsFile)
	if err != nil {
		return err
	}
	if instructionsFile != "" {
		cfg.Realtime.InstructionsFile = instructionsFile
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
