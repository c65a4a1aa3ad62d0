package formatter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/kiroku/internal/eventlog"
	"github.com/harunnryd/kiroku/internal/realtime"
)

type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

type RunFormatter interface {
	FormatEvents([]realtime.Event) (string, error)
	FormatRuns([]eventlog.RunInfo) (string, error)
	FormatSummary(*eventlog.Summary) (string, error)
}

type FormatterFactory struct{}

func NewFormatterFactory() *FormatterFactory {
	return &FormatterFactory{}
}

func (f *FormatterFactory) Create(format OutputFormat) (RunFormatter, error) {
	switch format {
	case OutputFormatTable:
		return NewTableFormatter(), nil
	case OutputFormatJSON:
		return NewJSONFormatter(), nil
	case OutputFormatYAML:
		return NewYAMLFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, json, yaml)", format)
	}
}

func ParseOutputFormat(s string) (OutputFormat, error) {
	format := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	switch format {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (supported: table, json, yaml)", s)
	}
}

// eventView is an Event with its payload decoded, for encoders that would
// otherwise print raw JSON as bytes.
type eventView struct {
	Sequence                 int64              `yaml:"sequence"`
	Type                     string             `yaml:"type"`
	Timestamp                float64            `yaml:"timestamp"`
	TimestampUTC             string             `yaml:"timestamp_utc"`
	ElapsedMsSinceAudioStart *int64             `yaml:"elapsed_ms_since_audio_start"`
	Direction                realtime.Direction `yaml:"direction"`
	Display                  bool               `yaml:"display"`
	Payload                  any                `yaml:"payload"`
}

func viewOf(e realtime.Event) eventView {
	var payload any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			payload = string(e.Payload)
		}
	}
	return eventView{
		Sequence:                 e.Sequence,
		Type:                     e.Type,
		Timestamp:                e.Timestamp,
		TimestampUTC:             e.TimestampUTC,
		ElapsedMsSinceAudioStart: e.ElapsedMsSinceAudioStart,
		Direction:                e.Direction,
		Display:                  e.Display,
		Payload:                  payload,
	}
}

func truncateString(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
