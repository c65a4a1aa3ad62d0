package realtime

import (
	"encoding/json"
	"strings"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind is the classification of one inbound frame.
type Kind int

const (
	KindGeneric Kind = iota
	KindBinary
	KindMalformed
	KindTranscriptDelta
	KindTextDelta
	KindAudioDelta
	KindCompletion
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindMalformed:
		return "malformed"
	case KindTranscriptDelta:
		return "transcript_delta"
	case KindTextDelta:
		return "text_delta"
	case KindAudioDelta:
		return "audio_delta"
	case KindCompletion:
		return "completion"
	case KindError:
		return "error"
	default:
		return "generic"
	}
}

// Classified is a frame after classification. Payload is what gets logged:
// the raw frame, or a redacted form for audio.
type Classified struct {
	Kind    Kind
	Type    string
	Delta   string
	Fatal   bool
	Message string
	Err     error
	Payload json.RawMessage
}

// Display reports whether the frame is eligible for live display.
func (c Classified) Display() bool {
	return c.Kind == KindTranscriptDelta
}

const malformedRawLimit = 512

// Classify tags one inbound frame. Unrecognized types fall through to
// KindGeneric with the raw payload kept.
func Classify(f Frame) Classified {
	if f.Binary {
		return Classified{
			Kind:    KindBinary,
			Type:    EventBinary,
			Payload: mustJSON(map[string]any{"type": "binary", "size": len(f.Data), "redacted": true}),
		}
	}

	if !gjson.ValidBytes(f.Data) || !gjson.ParseBytes(f.Data).IsObject() {
		return malformed(f.Data, "frame is not a JSON object")
	}
	typ := gjson.GetBytes(f.Data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return malformed(f.Data, "frame has no type")
	}

	c := Classified{Kind: KindGeneric, Type: typ.Str, Payload: json.RawMessage(f.Data)}

	switch typ.Str {
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		c.Kind = KindTranscriptDelta
		c.Delta = gjson.GetBytes(f.Data, "delta").String()

	case "response.text.delta", "response.output_text.delta":
		c.Kind = KindTextDelta
		c.Delta = gjson.GetBytes(f.Data, "delta").String()

	case "response.delta":
		delta := gjson.GetBytes(f.Data, "delta")
		if text := delta.Get("text"); text.Exists() {
			c.Kind = KindTextDelta
			c.Delta = text.String()
		} else if delta.Type == gjson.String {
			c.Kind = KindTextDelta
			c.Delta = delta.Str
		}

	case "response.audio.delta", "response.output_audio.delta":
		c.Kind = KindAudioDelta
		size := len(gjson.GetBytes(f.Data, "delta").Str)
		redacted, err := sjson.SetBytes(f.Data, "delta", map[string]any{"size": size, "redacted": true})
		if err == nil {
			c.Payload = redacted
		}

	case "response.done", "response.completed", "session.completed":
		c.Kind = KindCompletion

	case "error":
		c.Kind = KindError
		errObj := gjson.GetBytes(f.Data, "error")
		c.Message = errObj.Get("message").String()
		if c.Message == "" {
			c.Message = gjson.GetBytes(f.Data, "message").String()
		}
		severity := strings.ToLower(errObj.Get("severity").String())
		c.Fatal = errObj.Get("fatal").Bool() || severity == "fatal" || severity == "critical"
	}

	return c
}

func malformed(data []byte, reason string) Classified {
	raw := string(data)
	truncated := false
	if len(raw) > malformedRawLimit {
		raw = raw[:malformedRawLimit]
		truncated = true
	}
	return Classified{
		Kind: KindMalformed,
		Type: EventProtocolError,
		Err:  kirokuErrors.Protocol(reason),
		Payload: mustJSON(map[string]any{
			"error":     reason,
			"raw":       raw,
			"size":      len(data),
			"truncated": truncated,
		}),
	}
}
