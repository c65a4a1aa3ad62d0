package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/kiroku/internal/config"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/eventlog"
	"github.com/harunnryd/kiroku/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// execute runs the root command with fresh flag state and captures output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfg = nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// isolate points HOME and the working directory at a temp dir so no real
// config or .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("AZURE_OPENAI_API_KEY", "")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "")
	t.Chdir(dir)
	return dir
}

func newRealtimePeer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "test-key-5678" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if gjson.GetBytes(data, "type").String() == realtime.EventResponseCreate {
				for _, d := range []string{"Hello", " world"} {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio_transcript.delta","delta":"`+d+`"}`))
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, endpoint string) string {
	t.Helper()
	content := `log_level: error
models:
  default: azure-realtime
  registry:
    - name: azure-realtime
      endpoint: ` + endpoint + `
      deployment: gpt-4o-realtime
      key: test-key-5678
      timeout: 5s
      connect_retries: 0
runs:
  dir: ` + filepath.Join(dir, "runs") + `
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestRealtimeCommand_PersistsRun(t *testing.T) {
	dir := isolate(t)
	peer := newRealtimePeer(t)
	cfgPath := writeConfig(t, dir, peer.URL)
	audio := filepath.Join(dir, "turn.pcm")
	require.NoError(t, os.WriteFile(audio, bytes.Repeat([]byte{1, 0}, 480), 0644))

	out, err := execute(t, "realtime", "--config", cfgPath, "--audio", audio, "--quiet", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", gjson.Get(out, "transcript").String())
	assert.NotContains(t, out, "test-key-5678")

	runs, err := eventlog.ListRuns(filepath.Join(dir, "runs"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.True(t, run.Complete)
	assert.Equal(t, realtime.StateCompleted, run.Meta.State)
	assert.Equal(t, "azure-realtime", run.Model)

	events, err := eventlog.ReadEvents(filepath.Join(dir, "runs"), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.Events, len(events))
	assert.Equal(t, realtime.EventSessionUpdate, events[0].Type)
	for _, e := range events {
		assert.NotContains(t, string(e.Payload), "test-key-5678")
	}

	out, err = execute(t, "events", "verify", run.RunID, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "events verified")

	out, err = execute(t, "events", "show", run.RunID, "--config", cfgPath, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "response.done")

	out, err = execute(t, "runs", "ls", "--config", cfgPath, "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, run.RunID, gjson.Get(out, "0.run_id").String())

	out, err = execute(t, "runs", "show", run.RunID, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
}

func TestRealtimeCommand_MissingAudio(t *testing.T) {
	dir := isolate(t)
	cfgPath := writeConfig(t, dir, "https://example.openai.azure.com")

	_, err := execute(t, "realtime", "--config", cfgPath, "--quiet")
	require.Error(t, err)
	assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
	assert.Equal(t, "audio", kirokuErrors.FieldOf(err))
}

func TestRealtimeCommand_UnknownModel(t *testing.T) {
	dir := isolate(t)
	cfgPath := writeConfig(t, dir, "https://example.openai.azure.com")

	_, err := execute(t, "realtime", "--config", cfgPath, "--model", "nope")
	assert.ErrorIs(t, err, kirokuErrors.ErrNotFound)
}

func TestRealtimeSettings_FlagsWin(t *testing.T) {
	cmd := &cobra.Command{}
	addRealtimeFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--voice", "echo",
		"--modalities", "text, audio",
		"--turn-detection", "server_vad",
		"--audio", "~/turn.wav",
	}))
	t.Setenv("HOME", "/home/tester")

	run, err := realtimeSettings(cmd, realtimeConfig("verse", "base instructions"))
	require.NoError(t, err)
	assert.Equal(t, "echo", run.Voice)
	assert.Equal(t, "base instructions", run.Instructions, "unset flags keep config values")
	assert.Equal(t, []any{"text", "audio"}, run.Modalities)
	assert.Equal(t, "server_vad", run.TurnDetection)
	assert.Equal(t, "/home/tester/turn.wav", run.AudioFile)
}

func TestConfigInitAndView(t *testing.T) {
	dir := isolate(t)
	t.Setenv("AZURE_OPENAI_API_KEY", "sk-very-secret-9876")

	out, err := execute(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized config")
	_, err = os.Stat(filepath.Join(dir, ".kiroku", "config.yaml"))
	require.NoError(t, err)

	out, err = execute(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	out, err = execute(t, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "azure-realtime")
	assert.Contains(t, out, "****9876")
	assert.NotContains(t, out, "sk-very-secret")

	out, err = execute(t, "models", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "deployment: gpt-4o-realtime-preview")
	assert.NotContains(t, out, "sk-very-secret")
}

func TestEventsShow_UnknownRun(t *testing.T) {
	dir := isolate(t)
	cfgPath := writeConfig(t, dir, "https://example.openai.azure.com")

	_, err := execute(t, "events", "show", "01NOPE", "--config", cfgPath)
	assert.ErrorIs(t, err, kirokuErrors.ErrNotFound)

	out, err := execute(t, "runs", "ls", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "No runs found"))
}

func realtimeConfig(voice, instructions string) config.RealtimeConfig {
	return config.RealtimeConfig{Voice: voice, Instructions: instructions}
}
