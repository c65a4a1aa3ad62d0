package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/kiroku/internal/concurrency"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/logger"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/sjson"
)

type State string

const (
	StateConnected        State = "connected"
	StateConfigured       State = "configured"
	StateStreamingInput   State = "streaming_input"
	StateAwaitingResponse State = "awaiting_response"
	StateCompleted        State = "completed"
	StateTimedOut         State = "timed_out"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Meta summarizes how a session ended. Error is empty only for Completed.
type Meta struct {
	Error          string `json:"error,omitempty" yaml:"error,omitempty"`
	State          State  `json:"state" yaml:"state"`
	Reconnects     int    `json:"reconnects" yaml:"reconnects"`
	BytesSent      int64  `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived  int64  `json:"bytes_received" yaml:"bytes_received"`
	DurationMs     int64  `json:"duration_ms" yaml:"duration_ms"`
	AudioMs        int64  `json:"audio_ms" yaml:"audio_ms"`
	PeerErrors     int    `json:"peer_errors" yaml:"peer_errors"`
	ProtocolErrors int    `json:"protocol_errors" yaml:"protocol_errors"`
	SessionID      string `json:"session_id" yaml:"session_id"`
	Host           string `json:"host" yaml:"host"`
	Deployment     string `json:"deployment" yaml:"deployment"`
}

type Result struct {
	Transcript string  `json:"transcript"`
	Events     []Event `json:"events"`
	Meta       Meta    `json:"meta"`
}

// Request carries the per-call inputs of Infer. Overrides win over
// RunSettings, which win over the client's model defaults.
type Request struct {
	Overrides   map[string]any
	RunSettings map[string]any
	// Reconfigure, when set, is sent as a second session.update right after
	// response.create. It is layered over the initial sources.
	Reconfigure map[string]any
	// OnEvent sees every event in sequence order; OnDisplay only display-worthy ones.
	OnEvent   func(Event)
	OnDisplay func(Event)
}

type Client struct {
	config   ConnectionConfig
	defaults map[string]any
	dialer   Dialer
	now      func() time.Time
	newID    func() string
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithModelDefaults sets the model-level session parameters.
func WithModelDefaults(values map[string]any) Option {
	return func(c *Client) { c.defaults = values }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

func NewClient(cfg ConnectionConfig, opts ...Option) *Client {
	c := &Client{
		config: cfg,
		dialer: WebSocketDialer{},
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Config() ConnectionConfig {
	return c.config
}

// Infer runs one session: connect, configure, stream audio, and collect the
// response. Configuration and validation errors are returned before any
// connection attempt, connection errors after cleanup. Everything that
// happens in-stream (timeout, peer errors, transport loss, cancellation) is
// reported through Result.Meta with a nil error.
func (c *Client) Infer(ctx context.Context, audio []byte, req Request) (*Result, error) {
	if len(audio) == 0 {
		return nil, kirokuErrors.MissingField("audio")
	}
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	u, err := c.config.SessionURL()
	if err != nil {
		return nil, err
	}

	sources := []Source{
		{Name: "call", Values: req.Overrides},
		{Name: "run", Values: req.RunSettings},
		{Name: "model", Values: c.defaults},
	}
	initial, err := ResolveSessionConfig(sources...)
	if err != nil {
		return nil, err
	}
	var reconfig *SessionConfig
	if req.Reconfigure != nil {
		next, err := ResolveSessionConfig(append([]Source{{Name: "reconfigure", Values: req.Reconfigure}}, sources...)...)
		if err != nil {
			return nil, err
		}
		reconfig = &next
	}

	sessionID := c.newID()
	ctx = logger.WithSessionID(ctx, sessionID)
	started := c.now()

	transport, attempts, err := Connect(ctx, c.config, c.dialer)
	if err != nil {
		slog.Warn("Realtime session not started", append(logger.Attrs(ctx), "host", u.Host, "error", err)...)
		return nil, err
	}

	log := NewEventLog(c.now)
	if req.OnEvent != nil {
		log.Observe(req.OnEvent)
	}
	if req.OnDisplay != nil {
		log.Observe(func(e Event) {
			if e.Display {
				req.OnDisplay(e)
			}
		})
	}

	s := &session{
		cfg:       c.config,
		transport: transport,
		log:       log,
		audio:     audio,
		initial:   initial,
		reconfig:  reconfig,
		state:     StateConnected,
	}
	s.run(ctx)

	meta := Meta{
		Error:          s.failure,
		State:          s.state,
		Reconnects:     attempts - 1,
		BytesSent:      s.bytesSent.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		DurationMs:     c.now().Sub(started).Milliseconds(),
		AudioMs:        audioMillis(len(audio), c.config.SampleRateHz),
		PeerErrors:     s.peerErrors,
		ProtocolErrors: s.protocolErrors,
		SessionID:      sessionID,
		Host:           u.Host,
		Deployment:     c.config.Deployment,
	}
	slog.Info("Realtime session finished", append(logger.Attrs(ctx),
		"state", meta.State, "events", log.Len(), "duration_ms", meta.DurationMs, "error", meta.Error)...)

	return &Result{
		Transcript: s.transcript.String(),
		Events:     log.Events(),
		Meta:       meta,
	}, nil
}

// pcm16 mono: two bytes per sample.
func audioMillis(size, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return int64(size) * 1000 / int64(2*rate)
}

type inbound struct {
	frame Frame
	err   error
}

// session is the state of one Infer call. Only the run loop touches state,
// transcript and the counters other than the byte totals.
type session struct {
	cfg       ConnectionConfig
	transport Transport
	log       *EventLog
	audio     []byte
	initial   SessionConfig
	reconfig  *SessionConfig

	state          State
	failure        string
	transcript     strings.Builder
	peerErrors     int
	protocolErrors int
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	closed         atomic.Bool
	closeErr       error
	drain          <-chan inbound
	settled        bool
}

func (s *session) run(ctx context.Context) {
	defer s.teardown(ctx)

	if err := s.sendConfiguration(ctx, s.initial); err != nil {
		s.fail(ctx, err)
		return
	}
	s.state = StateConfigured

	frames := s.startReader()
	sendDone := concurrency.Go(func() error { return s.sendTurn(ctx) })
	s.state = StateStreamingInput

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancel(ctx.Err())
			s.await(sendDone)
			return

		case err, ok := <-sendDone:
			sendDone = nil
			if !ok {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					s.cancel(ctx.Err())
				} else {
					s.fail(ctx, err)
				}
				return
			}
			if s.state == StateStreamingInput {
				s.state = StateAwaitingResponse
			}
			resetTimer(timer, timeout)

		case in := <-frames:
			if in.err != nil {
				if ctx.Err() != nil {
					s.cancel(ctx.Err())
				} else {
					s.fail(ctx, fmt.Errorf("receive: %w", in.err))
				}
				s.await(sendDone)
				return
			}
			if s.receive(ctx, in.frame) {
				s.await(sendDone)
				return
			}
			resetTimer(timer, timeout)

		case <-timer.C:
			s.state = StateTimedOut
			s.failure = fmt.Sprintf("timeout: no frame received within %s", timeout)
			s.log.Append(Entry{
				Type:      EventTimeout,
				Direction: DirectionLocal,
				Payload:   mustJSON(map[string]any{"timeout_ms": timeout.Milliseconds(), "partial_transcript": s.transcript.String()}),
			})
			slog.Warn("Realtime session timed out", append(logger.Attrs(ctx), "timeout", timeout)...)
			s.await(sendDone)
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// await lets an in-flight send finish before teardown so no event is
// appended after the session is closed. A send blocked on a dead peer is
// unblocked by closing the transport first.
func (s *session) await(sendDone <-chan error) {
	if sendDone == nil {
		return
	}
	s.closeTransport()
	<-sendDone
}

// receive records one inbound frame and reports whether the session has
// reached a terminal state.
func (s *session) receive(ctx context.Context, f Frame) bool {
	c := s.record(f)

	switch c.Kind {
	case KindMalformed:
		s.protocolErrors++
		slog.Debug("Malformed realtime frame", append(logger.Attrs(ctx), "error", c.Err)...)

	case KindError:
		s.peerErrors++
		if c.Fatal {
			s.state = StateFailed
			s.failure = "peer error: " + c.Message
			slog.Error("Realtime session failed", append(logger.Attrs(ctx), "error", c.Message)...)
			return true
		}
		slog.Warn("Realtime peer reported error", append(logger.Attrs(ctx), "error", c.Message)...)

	case KindCompletion:
		s.state = StateCompleted
		s.log.Append(Entry{
			Type:      EventTranscriptFinal,
			Direction: DirectionLocal,
			Payload:   mustJSON(map[string]any{"transcript": s.transcript.String()}),
		})
		return true
	}
	return false
}

// record appends one inbound frame and accumulates its text. Once the
// session is settled the transcript is frozen; late frames are logged only.
func (s *session) record(f Frame) Classified {
	s.bytesReceived.Add(int64(len(f.Data)))
	c := Classify(f)

	s.log.Append(Entry{
		Type:      c.Type,
		Direction: DirectionInbound,
		Payload:   c.Payload,
		Display:   c.Display(),
	})
	if !s.settled && (c.Kind == KindTranscriptDelta || c.Kind == KindTextDelta) {
		s.transcript.WriteString(c.Delta)
	}
	return c
}

func (s *session) sendConfiguration(ctx context.Context, cfg SessionConfig) error {
	frame, err := cfg.Frame()
	if err != nil {
		return kirokuErrors.Wrap(err, "build session.update")
	}
	return s.send(ctx, Entry{Type: EventSessionUpdate, Direction: DirectionOutbound, Payload: frame}, frame)
}

// sendTurn runs on its own goroutine: start of input, audio, commit,
// response request, then the optional reconfiguration.
func (s *session) sendTurn(ctx context.Context) error {
	if err := s.sendSignal(ctx, EventAudioClear); err != nil {
		return err
	}

	chunk := s.cfg.ChunkBytes
	if chunk <= 0 || chunk > len(s.audio) {
		chunk = len(s.audio)
	}
	for off := 0; off < len(s.audio); off += chunk {
		end := min(off+chunk, len(s.audio))
		if err := s.sendAudio(ctx, s.audio[off:end]); err != nil {
			return err
		}
	}

	if err := s.sendSignal(ctx, EventAudioCommit); err != nil {
		return err
	}
	if err := s.sendSignal(ctx, EventResponseCreate); err != nil {
		return err
	}
	if s.reconfig != nil {
		return s.sendConfiguration(ctx, *s.reconfig)
	}
	return nil
}

func (s *session) sendSignal(ctx context.Context, typ string) error {
	frame := mustJSON(map[string]string{"type": typ})
	return s.send(ctx, Entry{Type: typ, Direction: DirectionOutbound, Payload: frame}, frame)
}

func (s *session) sendAudio(ctx context.Context, chunk []byte) error {
	frame, err := sjson.SetBytes([]byte(`{"type":"input_audio_buffer.append"}`), "audio", base64.StdEncoding.EncodeToString(chunk))
	if err != nil {
		return kirokuErrors.Wrap(err, "build input_audio_buffer.append")
	}
	logged := mustJSON(map[string]any{"type": EventAudioAppend, "size": len(chunk), "redacted": true})
	return s.send(ctx, Entry{Type: EventAudioAppend, Direction: DirectionOutbound, Payload: logged, AudioUpload: true}, frame)
}

// send transmits frame and, only once the write succeeded, appends e.
func (s *session) send(ctx context.Context, e Entry, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.transport.WriteText(ctx, frame); err != nil {
		return fmt.Errorf("send %s: %w", e.Type, err)
	}
	s.bytesSent.Add(int64(len(frame)))
	s.log.Append(e)
	return nil
}

func (s *session) startReader() <-chan inbound {
	frames := make(chan inbound, 64)
	concurrency.SafeGo(func() {
		for {
			f, err := s.transport.ReadFrame()
			if err != nil {
				frames <- inbound{err: err}
				close(frames)
				return
			}
			frames <- inbound{frame: f}
		}
	}, func(r interface{}) {
		frames <- inbound{err: fmt.Errorf("reader panic: %v", r)}
		close(frames)
	})
	s.drain = frames
	return frames
}

func (s *session) fail(ctx context.Context, err error) {
	s.state = StateFailed
	s.failure = err.Error()
	s.log.Append(Entry{
		Type:      EventTransportError,
		Direction: DirectionLocal,
		Payload:   mustJSON(map[string]any{"error": err.Error()}),
	})
	slog.Error("Realtime session failed", append(logger.Attrs(ctx), "error", err)...)
}

func (s *session) cancel(cause error) {
	s.state = StateCancelled
	s.failure = "cancelled: " + cause.Error()
	s.log.Append(Entry{
		Type:      EventCancelled,
		Direction: DirectionLocal,
		Payload:   mustJSON(map[string]any{"reason": cause.Error(), "partial_transcript": s.transcript.String()}),
	})
}

// closeTransport closes the transport exactly once and keeps the first
// close error for teardown to record.
func (s *session) closeTransport() {
	if s.closed.Swap(true) {
		return
	}
	s.closeErr = s.transport.Close()
}

// teardown closes the transport, records frames that were already read, and
// appends the close outcome. A close error is recorded, never returned.
func (s *session) teardown(ctx context.Context) {
	s.settled = true
	s.closeTransport()

	if s.drain != nil {
		for in := range s.drain {
			if in.err == nil {
				s.record(in.frame)
			}
		}
	}

	if s.closeErr != nil {
		s.log.Append(Entry{
			Type:      EventCloseError,
			Direction: DirectionLocal,
			Payload:   mustJSON(map[string]any{"error": s.closeErr.Error(), "benign": true}),
		})
		slog.Debug("Realtime transport close error", append(logger.Attrs(ctx), "error", s.closeErr)...)
		return
	}
	s.log.Append(Entry{
		Type:      EventClosed,
		Direction: DirectionLocal,
		Payload:   mustJSON(map[string]any{"state": s.state}),
	})
}
