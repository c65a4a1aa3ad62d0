package realtime

import (
	"encoding/json"
	"sync"
	"time"
)

type Direction string

const (
	DirectionOutbound Direction = "out"
	DirectionInbound  Direction = "in"
	// DirectionLocal marks synthetic events that have no frame on the wire.
	DirectionLocal Direction = "local"
)

// Synthetic event types.
const (
	EventTranscriptFinal = "transcript.final"
	EventTimeout         = "error.timeout"
	EventTransportError  = "transport.error"
	EventProtocolError   = "protocol.error"
	EventCancelled       = "session.cancelled"
	EventClosed          = "session.closed"
	EventCloseError      = "session.close_error"
	EventBinary          = "binary"
)

// Outbound frame types.
const (
	EventSessionUpdate  = "session.update"
	EventAudioClear     = "input_audio_buffer.clear"
	EventAudioAppend    = "input_audio_buffer.append"
	EventAudioCommit    = "input_audio_buffer.commit"
	EventResponseCreate = "response.create"
)

const (
	timestampUTCLayout   = "2006-01-02T15:04:05.000000Z07:00"
	elapsedUnsetSentinel = -1
)

// Event is one sequenced record of a frame sent, received, or synthesized.
type Event struct {
	Sequence                 int64           `json:"sequence"`
	Type                     string          `json:"type"`
	Timestamp                float64         `json:"timestamp"`
	TimestampUTC             string          `json:"timestamp_utc"`
	ElapsedMsSinceAudioStart *int64          `json:"elapsed_ms_since_audio_start"`
	Direction                Direction       `json:"direction"`
	Display                  bool            `json:"display"`
	Payload                  json.RawMessage `json:"payload"`
}

// Entry is what a caller hands to EventLog.Append. Sequence and timing are
// assigned by the log.
type Entry struct {
	Type      string
	Direction Direction
	Payload   json.RawMessage
	Display   bool
	// AudioUpload marks an audio upload; the first one sets the elapsed baseline.
	AudioUpload bool
}

// EventLog is the append-only, per-session event record.
type EventLog struct {
	mu          sync.Mutex
	events      []Event
	now         func() time.Time
	audioStart  time.Time
	lastElapsed int64
	observers   []func(Event)
}

func NewEventLog(now func() time.Time) *EventLog {
	if now == nil {
		now = time.Now
	}
	return &EventLog{now: now, lastElapsed: elapsedUnsetSentinel}
}

// Observe registers fn to be called with every appended event, in sequence
// order, while the log is locked. fn must not call back into the log.
func (l *EventLog) Observe(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

func (l *EventLog) Append(e Entry) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	ev := Event{
		Sequence:     int64(len(l.events)),
		Type:         e.Type,
		Timestamp:    float64(t.UnixNano()) / 1e9,
		TimestampUTC: t.UTC().Format(timestampUTCLayout),
		Direction:    e.Direction,
		Display:      e.Display,
		Payload:      e.Payload,
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("null")
	}

	if e.AudioUpload && l.lastElapsed == elapsedUnsetSentinel {
		l.audioStart = t
		l.lastElapsed = 0
	}
	if l.lastElapsed != elapsedUnsetSentinel {
		elapsed := t.Sub(l.audioStart).Milliseconds()
		if elapsed < l.lastElapsed {
			elapsed = l.lastElapsed
		}
		l.lastElapsed = elapsed
		ev.ElapsedMsSinceAudioStart = &elapsed
	}

	l.events = append(l.events, ev)
	for _, fn := range l.observers {
		fn(ev)
	}
	return ev
}

// Events returns a copy of the log.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return data
}
