package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// fakeTransport is an in-memory Transport. onWrite runs after each
// successful write and may push inbound frames.
type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte

	inbox      chan Frame
	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
	closeErr   error

	onWrite  func(f *fakeTransport, typ string, n int)
	writeErr func(typ string) error
	counts   map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan Frame, 128),
		closed: make(chan struct{}),
		counts: make(map[string]int),
	}
}

func (f *fakeTransport) WriteText(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	typ := gjson.GetBytes(data, "type").String()
	if f.writeErr != nil {
		if err := f.writeErr(typ); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), data...))
	f.counts[typ]++
	n := f.counts[typ]
	f.mu.Unlock()

	if f.onWrite != nil {
		f.onWrite(f, typ, n)
	}
	return nil
}

func (f *fakeTransport) ReadFrame() (Frame, error) {
	select {
	case fr := <-f.inbox:
		return fr, nil
	case <-f.closed:
		return Frame{}, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	f.closeCalls.Add(1)
	first := false
	f.closeOnce.Do(func() {
		first = true
		close(f.closed)
	})
	if !first {
		return ErrTransportClosed
	}
	return f.closeErr
}

// peerClose simulates the remote end dropping the connection.
func (f *fakeTransport) peerClose() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeTransport) push(frames ...string) {
	for _, fr := range frames {
		f.inbox <- Frame{Data: []byte(fr)}
	}
}

func (f *fakeTransport) pushBinary(data []byte) {
	f.inbox <- Frame{Binary: true, Data: data}
}

func (f *fakeTransport) writtenTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.written))
	for _, w := range f.written {
		out = append(out, gjson.GetBytes(w, "type").String())
	}
	return out
}

func (f *fakeTransport) writtenFrame(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[i]
}

type fakeDialer struct {
	mu        sync.Mutex
	transport Transport
	errs      []error
	calls     int
	requests  []DialRequest
}

func (d *fakeDialer) Dial(_ context.Context, req DialRequest) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.requests = append(d.requests, req)
	if d.calls <= len(d.errs) && d.errs[d.calls-1] != nil {
		return nil, d.errs[d.calls-1]
	}
	if d.transport == nil {
		return nil, errors.New("no transport")
	}
	return d.transport, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock(step time.Duration) *stepClock {
	return &stepClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func testConfig() ConnectionConfig {
	cfg := NewConnectionConfig("https://example.openai.azure.com", "2024-10-01-preview", "gpt-4o-realtime", "secret-key")
	cfg.Timeout = 2 * time.Second
	cfg.RetryDelay = time.Millisecond
	return cfg
}

const (
	doneFrame = `{"type":"response.done"}`
)

func transcriptDelta(s string) string {
	return `{"type":"response.audio_transcript.delta","delta":"` + s + `"}`
}
