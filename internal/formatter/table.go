package formatter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/harunnryd/kiroku/internal/eventlog"
	"github.com/harunnryd/kiroku/internal/realtime"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/tidwall/gjson"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
	displayStyle lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
		displayStyle: TranscriptStyle().
			Padding(0, 1),
	}
}

// TranscriptStyle is used for display-worthy text, in tables and live output.
func TranscriptStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
}

func (f *TableFormatter) FormatEvents(events []realtime.Event) (string, error) {
	if len(events) == 0 {
		return "No events found", nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case events[row].Display:
				return f.displayStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("Seq", "Type", "Dir", "Elapsed", "Display", "Summary")

	for _, e := range events {
		elapsed := "-"
		if e.ElapsedMsSinceAudioStart != nil {
			elapsed = strconv.FormatInt(*e.ElapsedMsSinceAudioStart, 10) + "ms"
		}
		display := ""
		if e.Display {
			display = "yes"
		}
		t.Row(
			strconv.FormatInt(e.Sequence, 10),
			truncateString(e.Type, 40),
			string(e.Direction),
			elapsed,
			display,
			truncateString(summarize(e), 50),
		)
	}

	return t.String(), nil
}

// summarize picks the most telling payload field for one table cell.
func summarize(e realtime.Event) string {
	p := gjson.ParseBytes(e.Payload)
	for _, path := range []string{"delta", "transcript", "error.message", "message", "error", "reason", "session.voice"} {
		if v := p.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if p.Get("redacted").Bool() {
		return fmt.Sprintf("%d bytes (redacted)", p.Get("size").Int())
	}
	if !p.Exists() || p.Type == gjson.Null {
		return ""
	}
	return p.Raw
}

func (f *TableFormatter) FormatRuns(runs []eventlog.RunInfo) (string, error) {
	if len(runs) == 0 {
		return "No runs found", nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("Run", "Created", "Model", "State", "Events", "Transcript")

	for _, r := range runs {
		t.Row(
			r.RunID,
			formatTime(r.CreatedAt),
			r.Model,
			runState(r),
			strconv.Itoa(r.Events),
			truncateString(r.Transcript, 40),
		)
	}

	return t.String(), nil
}

func runState(r eventlog.RunInfo) string {
	switch {
	case r.Complete:
		return string(r.Meta.State)
	case r.Active:
		return "running"
	default:
		return "incomplete"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func (f *TableFormatter) FormatSummary(sum *eventlog.Summary) (string, error) {
	if sum == nil {
		return "No result found", nil
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	m := sum.Meta
	t.Row("Run", sum.RunID)
	t.Row("Model", sum.Model)
	t.Row("State", string(m.State))
	if m.Error != "" {
		t.Row("Error", truncateString(m.Error, 60))
	}
	t.Row("Transcript", truncateString(sum.Transcript, 60))
	t.Row("Events", strconv.Itoa(sum.Events))
	t.Row("Duration", (time.Duration(m.DurationMs) * time.Millisecond).String())
	t.Row("Audio", (time.Duration(m.AudioMs) * time.Millisecond).String())
	t.Row("Traffic", fmt.Sprintf("%d B sent, %d B received", m.BytesSent, m.BytesReceived))
	t.Row("Errors", fmt.Sprintf("%d peer, %d protocol", m.PeerErrors, m.ProtocolErrors))
	t.Row("Reconnects", strconv.Itoa(m.Reconnects))
	t.Row("Endpoint", m.Host+" / "+m.Deployment)
	t.Row("Session", m.SessionID)

	return t.String(), nil
}
