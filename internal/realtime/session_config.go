package realtime

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
)

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

type TurnDetectionType string

const (
	TurnDetectionDisabled TurnDetectionType = "none"
	TurnDetectionServer   TurnDetectionType = "server_vad"
	TurnDetectionSemantic TurnDetectionType = "semantic_vad"
)

// Session parameter keys shared by every configuration source.
const (
	KeyInstructions  = "instructions"
	KeyVoice         = "voice"
	KeyModalities    = "modalities"
	KeyTurnDetection = "turn_detection"
)

const (
	DefaultVoice       = "alloy"
	DefaultAudioFormat = "pcm16"
)

// TurnDetection is a tagged variant keyed by Type. Only the fields that
// belong to Type are ever set.
type TurnDetection struct {
	Type              TurnDetectionType
	Threshold         *float64
	PrefixPaddingMs   *int
	SilenceDurationMs *int
	Eagerness         *string
	CreateResponse    *bool
	InterruptResponse *bool
}

// MarshalJSON emits the wire form: {"type":"none"} when disabled.
func (t TurnDetection) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": string(t.Type)}
	if t.Type == "" {
		out["type"] = string(TurnDetectionDisabled)
	}
	if t.Threshold != nil {
		out["threshold"] = *t.Threshold
	}
	if t.PrefixPaddingMs != nil {
		out["prefix_padding_ms"] = *t.PrefixPaddingMs
	}
	if t.SilenceDurationMs != nil {
		out["silence_duration_ms"] = *t.SilenceDurationMs
	}
	if t.Eagerness != nil {
		out["eagerness"] = *t.Eagerness
	}
	if t.CreateResponse != nil {
		out["create_response"] = *t.CreateResponse
	}
	if t.InterruptResponse != nil {
		out["interrupt_response"] = *t.InterruptResponse
	}
	return json.Marshal(out)
}

// SessionConfig is the resolved, validated parameter set for one
// session.update frame. Instructions are omitted from the wire when empty.
type SessionConfig struct {
	Instructions  string
	Voice         string
	Modalities    []Modality
	TurnDetection TurnDetection
}

type sessionWire struct {
	Modalities        []Modality    `json:"modalities"`
	Instructions      string        `json:"instructions,omitempty"`
	Voice             string        `json:"voice"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     TurnDetection `json:"turn_detection"`
	Tools             []any         `json:"tools"`
	ToolChoice        string        `json:"tool_choice"`
}

// Frame builds the session.update frame.
func (c SessionConfig) Frame() ([]byte, error) {
	return json.Marshal(struct {
		Type    string      `json:"type"`
		Session sessionWire `json:"session"`
	}{
		Type: "session.update",
		Session: sessionWire{
			Modalities:        c.Modalities,
			Instructions:      c.Instructions,
			Voice:             c.Voice,
			InputAudioFormat:  DefaultAudioFormat,
			OutputAudioFormat: DefaultAudioFormat,
			TurnDetection:     c.TurnDetection,
			Tools:             []any{},
			ToolChoice:        "auto",
		},
	})
}

// Source is one layer of session parameters.
type Source struct {
	Name   string
	Values map[string]any
}

// BuiltinDefaults is the lowest-precedence source. Instructions have no default.
func BuiltinDefaults() Source {
	return Source{
		Name: "builtin",
		Values: map[string]any{
			KeyVoice:         DefaultVoice,
			KeyModalities:    []Modality{ModalityText},
			KeyTurnDetection: TurnDetection{Type: TurnDetectionDisabled},
		},
	}
}

// Lookup returns the first present value for key across sources, in order,
// and the name of the source that supplied it. Nil values and blank strings
// count as absent.
func Lookup(key string, sources ...Source) (any, string, bool) {
	for _, src := range sources {
		v, ok := src.Values[key]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return v, src.Name, true
	}
	return nil, "", false
}

// ResolveSessionConfig resolves every session parameter from sources in
// priority order, falling back to BuiltinDefaults, and normalizes each one.
func ResolveSessionConfig(sources ...Source) (SessionConfig, error) {
	chain := append(append([]Source{}, sources...), BuiltinDefaults())
	var cfg SessionConfig

	if v, _, ok := Lookup(KeyInstructions, chain...); ok {
		s, isString := v.(string)
		if !isString {
			return SessionConfig{}, kirokuErrors.InvalidField(KeyInstructions, v, "must be a string")
		}
		cfg.Instructions = s
	}

	v, _, _ := Lookup(KeyVoice, chain...)
	voice, err := NormalizeVoice(v)
	if err != nil {
		return SessionConfig{}, err
	}
	cfg.Voice = voice

	v, _, _ = Lookup(KeyModalities, chain...)
	if cfg.Modalities, err = NormalizeModalities(v); err != nil {
		return SessionConfig{}, err
	}

	v, _, _ = Lookup(KeyTurnDetection, chain...)
	if cfg.TurnDetection, err = NormalizeTurnDetection(v); err != nil {
		return SessionConfig{}, err
	}

	return cfg, nil
}

// NormalizeVoice requires a non-empty string.
func NormalizeVoice(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", kirokuErrors.InvalidField(KeyVoice, v, "must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", kirokuErrors.InvalidField(KeyVoice, v, "must not be empty")
	}
	return s, nil
}

// NormalizeModalities accepts a list of "text" / "audio" literals and returns
// them in first-seen order without duplicates.
func NormalizeModalities(v any) ([]Modality, error) {
	var items []any
	switch list := v.(type) {
	case []Modality:
		for _, m := range list {
			items = append(items, string(m))
		}
	case []string:
		for _, s := range list {
			items = append(items, s)
		}
	case []any:
		items = list
	case string:
		return nil, kirokuErrors.InvalidField(KeyModalities, v, "must be a list, not a string")
	default:
		return nil, kirokuErrors.InvalidField(KeyModalities, v, "must be a list of \"text\" or \"audio\"")
	}

	if len(items) == 0 {
		return nil, kirokuErrors.InvalidField(KeyModalities, v, "must contain at least one modality")
	}

	seen := make(map[Modality]bool, 2)
	out := make([]Modality, 0, 2)
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, kirokuErrors.InvalidField(KeyModalities, item, "element must be a string")
		}
		m := Modality(s)
		if m != ModalityText && m != ModalityAudio {
			return nil, kirokuErrors.InvalidField(KeyModalities, s, "must be \"text\" or \"audio\"")
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// NormalizeTurnDetection maps nil to disabled and passes through only the
// fields recognized for the given type. A bare string is shorthand for
// {type: <string>}. Hyphenated type spellings are accepted.
func NormalizeTurnDetection(v any) (TurnDetection, error) {
	var fields map[string]any
	switch td := v.(type) {
	case nil:
		return TurnDetection{Type: TurnDetectionDisabled}, nil
	case TurnDetection:
		if td.Type == "" {
			td.Type = TurnDetectionDisabled
		}
		return td, nil
	case *TurnDetection:
		if td == nil {
			return TurnDetection{Type: TurnDetectionDisabled}, nil
		}
		return NormalizeTurnDetection(*td)
	case string:
		fields = map[string]any{"type": td}
	case map[string]any:
		fields = td
	case map[string]string:
		fields = make(map[string]any, len(td))
		for k, s := range td {
			fields[k] = s
		}
	default:
		return TurnDetection{}, kirokuErrors.InvalidField(KeyTurnDetection, v, "must be a mapping with a type")
	}

	rawType, ok := fields["type"].(string)
	if !ok {
		return TurnDetection{}, kirokuErrors.InvalidField("turn_detection.type", fields["type"], "must be a string")
	}
	kind := TurnDetectionType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(rawType)), "-", "_"))

	out := TurnDetection{Type: kind}
	var err error
	switch kind {
	case TurnDetectionDisabled, "disabled":
		return TurnDetection{Type: TurnDetectionDisabled}, nil
	case TurnDetectionServer:
		if out.Threshold, err = floatField(fields, "threshold", 0, 1); err != nil {
			return TurnDetection{}, err
		}
		if out.PrefixPaddingMs, err = intField(fields, "prefix_padding_ms"); err != nil {
			return TurnDetection{}, err
		}
		if out.SilenceDurationMs, err = intField(fields, "silence_duration_ms"); err != nil {
			return TurnDetection{}, err
		}
	case TurnDetectionSemantic:
		if out.Eagerness, err = eagernessField(fields); err != nil {
			return TurnDetection{}, err
		}
	default:
		return TurnDetection{}, kirokuErrors.InvalidField("turn_detection.type", rawType, "unknown turn detection type")
	}

	if out.CreateResponse, err = boolField(fields, "create_response"); err != nil {
		return TurnDetection{}, err
	}
	if out.InterruptResponse, err = boolField(fields, "interrupt_response"); err != nil {
		return TurnDetection{}, err
	}
	return out, nil
}

func floatField(fields map[string]any, name string, lo, hi float64) (*float64, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return nil, nil
	}
	f, ok := numericToFloat64(raw)
	if !ok {
		return nil, kirokuErrors.InvalidField("turn_detection."+name, raw, "must be a number")
	}
	if f < lo || f > hi {
		return nil, kirokuErrors.InvalidField("turn_detection."+name, raw, fmt.Sprintf("must be within [%g, %g]", lo, hi))
	}
	return &f, nil
}

func intField(fields map[string]any, name string) (*int, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return nil, nil
	}
	f, ok := numericToFloat64(raw)
	if !ok || f != math.Trunc(f) {
		return nil, kirokuErrors.InvalidField("turn_detection."+name, raw, "must be an integer")
	}
	if f < 0 {
		return nil, kirokuErrors.InvalidField("turn_detection."+name, raw, "must not be negative")
	}
	n := int(f)
	return &n, nil
}

func boolField(fields map[string]any, name string) (*bool, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return nil, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return nil, kirokuErrors.InvalidField("turn_detection."+name, raw, "must be a boolean")
	}
	return &b, nil
}

func eagernessField(fields map[string]any) (*string, error) {
	raw, ok := fields["eagerness"]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, kirokuErrors.InvalidField("turn_detection.eagerness", raw, "must be a string")
	}
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "low", "medium", "high", "auto":
		return &s, nil
	default:
		return nil, kirokuErrors.InvalidField("turn_detection.eagerness", raw, "must be one of low, medium, high, auto")
	}
}

func numericToFloat64(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
