package formatter

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/kiroku/internal/eventlog"
	"github.com/harunnryd/kiroku/internal/realtime"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatEvents(events []realtime.Event) (string, error) {
	views := make([]eventView, len(events))
	for i, e := range events {
		views[i] = viewOf(e)
	}
	return marshalYAML(views)
}

func (f *YAMLFormatter) FormatRuns(runs []eventlog.RunInfo) (string, error) {
	if runs == nil {
		runs = []eventlog.RunInfo{}
	}
	return marshalYAML(runs)
}

func (f *YAMLFormatter) FormatSummary(sum *eventlog.Summary) (string, error) {
	if sum == nil {
		return "null", nil
	}
	return marshalYAML(sum)
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
