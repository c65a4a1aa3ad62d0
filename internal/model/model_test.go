package model

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/kiroku/internal/config"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// scriptedTransport answers response.create with one transcript delta and
// response.done, and remembers what was written.
type scriptedTransport struct {
	mu      sync.Mutex
	written [][]byte
	inbox   chan realtime.Frame
	once    sync.Once
	closed  chan struct{}
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{inbox: make(chan realtime.Frame, 8), closed: make(chan struct{})}
}

func (s *scriptedTransport) WriteText(_ context.Context, data []byte) error {
	s.mu.Lock()
	s.written = append(s.written, append([]byte(nil), data...))
	s.mu.Unlock()
	if gjson.GetBytes(data, "type").String() == realtime.EventResponseCreate {
		s.inbox <- realtime.Frame{Data: []byte(`{"type":"response.audio_transcript.delta","delta":"hi"}`)}
		s.inbox <- realtime.Frame{Data: []byte(`{"type":"response.done"}`)}
	}
	return nil
}

func (s *scriptedTransport) ReadFrame() (realtime.Frame, error) {
	select {
	case f := <-s.inbox:
		return f, nil
	case <-s.closed:
		return realtime.Frame{}, realtime.ErrTransportClosed
	}
}

func (s *scriptedTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedTransport) frames(typ string) []gjson.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gjson.Result
	for _, w := range s.written {
		if r := gjson.ParseBytes(w); r.Get("type").String() == typ {
			out = append(out, r)
		}
	}
	return out
}

type scriptedDialer struct{ transport *scriptedTransport }

func (d scriptedDialer) Dial(context.Context, realtime.DialRequest) (realtime.Transport, error) {
	return d.transport, nil
}

func registryEntry() config.ModelRegistry {
	return config.ModelRegistry{
		Name:       "azure-realtime",
		Type:       config.ModelTypeAzureRealtime,
		Endpoint:   "https://example.openai.azure.com",
		API:        config.DefaultAPIVersion,
		Deployment: "gpt-4o-realtime",
		Key:        "secret-key-1234",
		Timeout:    "2s",
		Voice:      "verse",
	}
}

func wavBytes(pcm []byte, rate, channels, bits int) []byte {
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(rate*channels*bits/8))
	binary.LittleEndian.PutUint16(header[32:34], uint16(channels*bits/8))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bits))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))
	return append(header, pcm...)
}

func TestConnectionConfigFrom(t *testing.T) {
	entry := registryEntry()
	retries := 0
	entry.ConnectRetries = &retries
	entry.ChunkBytes = 4096

	cfg, err := ConnectionConfigFrom(entry)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, 15*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 0, cfg.ConnectRetries)
	assert.Equal(t, 4096, cfg.ChunkBytes)
	assert.Equal(t, realtime.DefaultSampleRateHz, cfg.SampleRateHz)
	require.NoError(t, cfg.Validate())

	entry.PingInterval = "often"
	_, err = ConnectionConfigFrom(entry)
	assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
	assert.Equal(t, "ping_interval", kirokuErrors.FieldOf(err))
}

func TestRegistry(t *testing.T) {
	other := registryEntry()
	other.Name = "chat"
	other.Type = "AZURE_OPEN_AI"

	reg, err := NewRegistry(config.ModelsConfig{
		Default:  "azure-realtime",
		Registry: []config.ModelRegistry{registryEntry(), other},
	}, config.RealtimeConfig{})
	require.NoError(t, err)

	assert.Equal(t, []string{"azure-realtime"}, reg.ListModels(), "unsupported types are skipped")

	m, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, "azure-realtime", m.Name())

	_, err = reg.Get("chat")
	assert.ErrorIs(t, err, kirokuErrors.ErrNotFound)

	assert.ErrorIs(t, reg.Register(m), kirokuErrors.ErrConfiguration)

	_, err = NewRegistry(config.ModelsConfig{Registry: []config.ModelRegistry{other}}, config.RealtimeConfig{})
	assert.ErrorIs(t, err, kirokuErrors.ErrInternal)
}

func TestMetadataExcludesCredentials(t *testing.T) {
	entry := registryEntry()
	entry.Token = "bearer-secret"
	m, err := NewAzureRealtime(entry, config.RealtimeConfig{})
	require.NoError(t, err)

	md := m.Metadata()
	assert.NotContains(t, md, "key")
	assert.NotContains(t, md, "token")
	assert.Equal(t, "verse", md["voice"])
	assert.Equal(t, "gpt-4o-realtime", md["deployment"])
	assert.Equal(t, config.ModelTypeAzureRealtime, md["type"])
}

func TestDecodePCM16(t *testing.T) {
	raw := []byte{1, 0, 2, 0, 3, 0}

	pcm, err := DecodePCM16(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, pcm.Data)
	assert.Equal(t, "raw", pcm.Container)
	assert.Zero(t, pcm.SampleRateHz)

	pcm, err = DecodePCM16(wavBytes(raw, 16000, 1, 16))
	require.NoError(t, err)
	assert.Equal(t, raw, pcm.Data)
	assert.Equal(t, "wav", pcm.Container)
	assert.Equal(t, 16000, pcm.SampleRateHz)

	_, err = DecodePCM16(wavBytes(raw, 16000, 2, 16))
	assert.ErrorIs(t, err, kirokuErrors.ErrValidation, "stereo is rejected")

	_, err = DecodePCM16(wavBytes(raw, 16000, 1, 8))
	assert.ErrorIs(t, err, kirokuErrors.ErrValidation, "8-bit is rejected")

	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	_, err = DecodePCM16(png)
	assert.ErrorIs(t, err, kirokuErrors.ErrValidation)
}

func TestResolveAudio(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "turn.pcm")
	require.NoError(t, os.WriteFile(audioPath, []byte{9, 9, 9, 9}, 0644))
	run := config.RealtimeConfig{AudioFile: audioPath}

	pcm, err := ResolveAudio(Case{Audio: []byte{1, 1}, AudioPath: "ignored"}, run)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1}, pcm.Data, "bytes win over a path")

	pcm, err = ResolveAudio(Case{AudioPath: "{audio_file}"}, run)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, pcm.Data)

	pcm, err = ResolveAudio(Case{}, run)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, pcm.Data, "run audio file is the fallback")

	_, err = ResolveAudio(Case{AudioPath: "{audio_file}"}, config.RealtimeConfig{})
	assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
	assert.Equal(t, "realtime.audio_file", kirokuErrors.FieldOf(err))

	_, err = ResolveAudio(Case{}, config.RealtimeConfig{})
	assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
	assert.Equal(t, "audio", kirokuErrors.FieldOf(err))

	_, err = ResolveAudio(Case{AudioPath: filepath.Join(dir, "missing.pcm")}, run)
	assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
}

func TestRunSettings(t *testing.T) {
	dir := t.TempDir()
	prompt := filepath.Join(dir, "prompt.txt")
	require.NoError(t, os.WriteFile(prompt, []byte("from file"), 0644))

	values, err := RunSettings(config.RealtimeConfig{InstructionsFile: prompt, Voice: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "from file", values[realtime.KeyInstructions])
	assert.Equal(t, "echo", values[realtime.KeyVoice])

	values, err = RunSettings(config.RealtimeConfig{Instructions: "inline", InstructionsFile: prompt})
	require.NoError(t, err)
	assert.Equal(t, "inline", values[realtime.KeyInstructions])

	_, err = RunSettings(config.RealtimeConfig{InstructionsFile: filepath.Join(dir, "nope.txt")})
	assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
}

func TestAzureRealtime_Infer(t *testing.T) {
	transport := newScriptedTransport()
	run := config.RealtimeConfig{
		Instructions:            "run instructions",
		ReconfigureInstructions: "second turn",
	}
	m, err := NewAzureRealtime(registryEntry(), run, realtime.WithDialer(scriptedDialer{transport: transport}))
	require.NoError(t, err)

	var displayed []string
	pcm := []byte{1, 0, 2, 0}
	res, err := m.Infer(context.Background(), Case{
		ID:        "case-1",
		Audio:     wavBytes(pcm, realtime.DefaultSampleRateHz, 1, 16),
		Overrides: map[string]any{"voice": "shimmer"},
		OnDisplay: func(e realtime.Event) { displayed = append(displayed, gjson.GetBytes(e.Payload, "delta").String()) },
	})
	require.NoError(t, err)

	assert.Equal(t, realtime.StateCompleted, res.Meta.State)
	assert.Equal(t, "hi", res.Transcript)
	assert.Equal(t, []string{"hi"}, displayed)

	updates := transport.frames(realtime.EventSessionUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, "shimmer", updates[0].Get("session.voice").String())
	assert.Equal(t, "run instructions", updates[0].Get("session.instructions").String())
	assert.Equal(t, "second turn", updates[1].Get("session.instructions").String())

	appends := transport.frames(realtime.EventAudioAppend)
	require.Len(t, appends, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), appends[0].Get("audio").String(), "wav header is not uploaded")
}

func TestAzureRealtime_InferNeedsCredential(t *testing.T) {
	entry := registryEntry()
	entry.Key = ""
	transport := newScriptedTransport()
	m, err := NewAzureRealtime(entry, config.RealtimeConfig{}, realtime.WithDialer(scriptedDialer{transport: transport}))
	require.NoError(t, err)

	_, err = m.Infer(context.Background(), Case{Audio: []byte{1, 0}})
	assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
	assert.Equal(t, "key", kirokuErrors.FieldOf(err))
	assert.Empty(t, transport.frames(realtime.EventSessionUpdate))
}
