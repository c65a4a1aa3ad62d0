package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by Close on a transport that is already closed.
var ErrTransportClosed = errors.New("transport already closed")

// Frame is one inbound websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Transport is an open bidirectional session. ReadFrame blocks until a frame
// arrives or the transport is closed; Close unblocks it.
type Transport interface {
	WriteText(ctx context.Context, data []byte) error
	ReadFrame() (Frame, error)
	Close() error
}

// DialRequest carries everything a Dialer needs for one attempt.
type DialRequest struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	MaxFrameBytes    int64
}

type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Transport, error)
}

const (
	handshakeBodyLimit = 512
	controlWriteWait   = 5 * time.Second
)

// WebSocketDialer dials gorilla websocket transports.
type WebSocketDialer struct{}

func (WebSocketDialer) Dial(ctx context.Context, req DialRequest) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: req.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, req.URL, req.Header)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, handshakeBodyLimit))
			return nil, &kirokuErrors.HandshakeError{
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(body)),
				Err:        err,
			}
		}
		return nil, err
	}

	if req.MaxFrameBytes > 0 {
		conn.SetReadLimit(req.MaxFrameBytes)
	}

	t := &wsTransport{
		conn: conn,
		done: make(chan struct{}),
	}
	if req.PingInterval > 0 {
		go t.pingLoop(req.PingInterval)
	}
	return t, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func (t *wsTransport) WriteText(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ReadFrame() (Frame, error) {
	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Binary: msgType == websocket.BinaryMessage, Data: data}, nil
}

// Close sends a normal-closure frame and closes the socket. A failed close
// frame (peer already gone) is reported but the socket is closed regardless.
// When a write is still in flight the close frame is skipped: closing the
// socket is what unblocks that write.
func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return ErrTransportClosed
	}
	close(t.done)

	if !t.writeMu.TryLock() {
		return t.conn.Close()
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	writeErr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	t.writeMu.Unlock()

	closeErr := t.conn.Close()
	if writeErr != nil {
		return fmt.Errorf("send close frame: %w", writeErr)
	}
	return closeErr
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// WriteControl may run alongside WriteText.
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait))
			if err != nil {
				slog.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}
