package formatter

import (
	"encoding/json"

	"github.com/harunnryd/kiroku/internal/eventlog"
	"github.com/harunnryd/kiroku/internal/realtime"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatEvents(events []realtime.Event) (string, error) {
	if events == nil {
		events = []realtime.Event{}
	}
	return marshalIndent(events)
}

func (f *JSONFormatter) FormatRuns(runs []eventlog.RunInfo) (string, error) {
	if runs == nil {
		runs = []eventlog.RunInfo{}
	}
	return marshalIndent(runs)
}

func (f *JSONFormatter) FormatSummary(sum *eventlog.Summary) (string, error) {
	if sum == nil {
		return "null", nil
	}
	return marshalIndent(sum)
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
