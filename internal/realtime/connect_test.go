package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSessionURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
	}{
		{name: "https upgraded", endpoint: "https://example.openai.azure.com/", want: "wss://example.openai.azure.com/openai/realtime?api-version=v1&deployment=dep"},
		{name: "bare host", endpoint: "example.openai.azure.com", want: "wss://example.openai.azure.com/openai/realtime?api-version=v1&deployment=dep"},
		{name: "http to ws", endpoint: "http://127.0.0.1:8080//", want: "ws://127.0.0.1:8080/openai/realtime?api-version=v1&deployment=dep"},
		{name: "wss kept with path", endpoint: "wss://proxy.local/base/", want: "wss://proxy.local/base/openai/realtime?api-version=v1&deployment=dep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ConnectionConfig{Endpoint: tt.endpoint, APIVersion: "v1", Deployment: "dep", APIKey: "k"}
			u, err := cfg.SessionURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
			assert.NotContains(t, u.RawQuery, "k=")
		})
	}

	_, err := ConnectionConfig{Endpoint: "ftp://example.com", APIVersion: "v1", Deployment: "dep"}.SessionURL()
	require.Error(t, err)
	assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
	assert.Equal(t, "endpoint", kirokuErrors.FieldOf(err))
}

func TestValidateNamesMissingField(t *testing.T) {
	base := NewConnectionConfig("https://example.openai.azure.com", "v1", "dep", "key")

	tests := []struct {
		field  string
		mutate func(*ConnectionConfig)
	}{
		{field: "endpoint", mutate: func(c *ConnectionConfig) { c.Endpoint = "  " }},
		{field: "api", mutate: func(c *ConnectionConfig) { c.APIVersion = "" }},
		{field: "deployment", mutate: func(c *ConnectionConfig) { c.Deployment = "" }},
		{field: "key", mutate: func(c *ConnectionConfig) { c.APIKey = "" }},
		{field: "connect_retries", mutate: func(c *ConnectionConfig) { c.ConnectRetries = 9 }},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, kirokuErrors.ErrConfiguration)
			assert.Equal(t, tt.field, kirokuErrors.FieldOf(err))
		})
	}

	require.NoError(t, base.Validate())

	bearer := base
	bearer.APIKey = ""
	bearer.BearerToken = "tok"
	require.NoError(t, bearer.Validate())
	assert.Equal(t, "Bearer tok", bearer.Header().Get("Authorization"))
	assert.Empty(t, bearer.Header().Get("api-key"))
}

type realtimeServer struct {
	*httptest.Server
	hits       atomic.Int32
	failFirst  int32
	failStatus int
	apiKey     atomic.Value
	query      atomic.Value
	path       atomic.Value
}

// newRealtimeServer upgrades requests and replays a minimal realtime
// exchange: after response.create it sends transcript deltas and response.done.
func newRealtimeServer(t *testing.T, failFirst int32, failStatus int) *realtimeServer {
	t.Helper()
	rs := &realtimeServer{failFirst: failFirst, failStatus: failStatus}
	upgrader := websocket.Upgrader{}

	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := rs.hits.Add(1)
		if n <= rs.failFirst {
			http.Error(w, "unavailable", rs.failStatus)
			return
		}
		rs.apiKey.Store(r.Header.Get("api-key"))
		rs.query.Store(r.URL.RawQuery)
		rs.path.Store(r.URL.Path)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		first := true
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			typ := gjson.GetBytes(data, "type").String()
			if first && typ != "session.update" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":{"message":"config must come first","fatal":true}}`))
				return
			}
			first = false
			if typ == "response.create" {
				_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2})
				for _, d := range []string{"Hel", "lo ", "world"} {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio_transcript.delta","delta":"`+d+`"}`))
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`))
			}
		}
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *realtimeServer) config() ConnectionConfig {
	cfg := NewConnectionConfig(rs.URL, "2024-10-01-preview", "gpt-4o-realtime", "secret-key")
	cfg.Timeout = 5 * time.Second
	cfg.RetryDelay = time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	return cfg
}

func TestConnect_CredentialTravelsAsHeader(t *testing.T) {
	rs := newRealtimeServer(t, 0, 0)

	transport, attempts, err := Connect(context.Background(), rs.config(), WebSocketDialer{})
	require.NoError(t, err)
	defer transport.Close()

	assert.Equal(t, 1, attempts)
	assert.Equal(t, "secret-key", rs.apiKey.Load())
	assert.Equal(t, "/openai/realtime", rs.path.Load())
	query := rs.query.Load().(string)
	assert.Contains(t, query, "api-version=2024-10-01-preview")
	assert.Contains(t, query, "deployment=gpt-4o-realtime")
	assert.NotContains(t, query, "secret-key")
}

func TestConnect_RetriesTransientFailureOnce(t *testing.T) {
	rs := newRealtimeServer(t, 1, http.StatusServiceUnavailable)

	transport, attempts, err := Connect(context.Background(), rs.config(), WebSocketDialer{})
	require.NoError(t, err)
	defer transport.Close()

	assert.Equal(t, 2, attempts)
	assert.Equal(t, int32(2), rs.hits.Load())
}

func TestConnect_GivesUpAfterConfiguredRetries(t *testing.T) {
	rs := newRealtimeServer(t, 10, http.StatusBadGateway)

	_, attempts, err := Connect(context.Background(), rs.config(), WebSocketDialer{})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, kirokuErrors.ErrConnection)
	assert.ErrorIs(t, err, kirokuErrors.ErrTransient)
	assert.Contains(t, err.Error(), strings.TrimPrefix(rs.URL, "http://"))
	assert.NotContains(t, err.Error(), "secret-key")

	var hs *kirokuErrors.HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, http.StatusBadGateway, hs.StatusCode)
}

func TestConnect_RejectedCredentialIsNotRetried(t *testing.T) {
	rs := newRealtimeServer(t, 10, http.StatusUnauthorized)

	_, attempts, err := Connect(context.Background(), rs.config(), WebSocketDialer{})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, kirokuErrors.ErrPermissionDenied)
	assert.ErrorIs(t, err, kirokuErrors.ErrConnection)
}

func TestConnect_InvalidConfigNeverDials(t *testing.T) {
	dialer := &fakeDialer{transport: newFakeTransport()}
	cfg := testConfig()
	cfg.APIKey = ""

	_, attempts, err := Connect(context.Background(), cfg, dialer)
	require.Error(t, err)
	assert.Equal(t, 0, attempts)
	assert.Equal(t, "key", kirokuErrors.FieldOf(err))
	assert.Equal(t, 0, dialer.Calls())
}

func TestInfer_OverWebSocket(t *testing.T) {
	rs := newRealtimeServer(t, 0, 0)
	client := NewClient(rs.config())

	res, err := client.Infer(context.Background(), []byte("0123456789abcdef"), Request{})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.Meta.State)
	assert.Empty(t, res.Meta.Error)
	assert.Equal(t, "Hello world", res.Transcript)
	assert.Equal(t, EventSessionUpdate, res.Events[0].Type)
	require.Len(t, findEvents(res.Events, EventBinary), 1)
	require.NoError(t, VerifyEvents(res.Events))
}

func TestInfer_CancelWhilePeerStopsReading(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	cfg := NewConnectionConfig(srv.URL, "2024-10-01-preview", "gpt-4o-realtime", "secret-key")
	cfg.Timeout = time.Minute
	client := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := client.Infer(ctx, make([]byte, 32<<20), Request{})
		done <- outcome{res: res, err: err}
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.NotNil(t, out.res)
		assert.Equal(t, StateCancelled, out.res.Meta.State)
		require.Len(t, findEvents(out.res.Events, EventCancelled), 1)
		assert.Empty(t, findEvents(out.res.Events, EventAudioAppend), "the stalled upload never completed")
		require.NoError(t, VerifyEvents(out.res.Events))
	case <-time.After(5 * time.Second):
		t.Fatal("Infer did not return after cancellation")
	}
}
