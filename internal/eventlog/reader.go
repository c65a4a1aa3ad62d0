package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/realtime"

	"github.com/tidwall/gjson"
)

// RunInfo describes a run directory for listings. Runs interrupted before
// result.json was written are reconstructed from their events.
type RunInfo struct {
	Summary  `yaml:",inline"`
	Complete bool `json:"complete" yaml:"complete"`
	Active   bool `json:"active" yaml:"active"`
}

// ReadEvents loads every event of a run, rotated segments first.
func ReadEvents(root, runID string) ([]realtime.Event, error) {
	dir, err := existingRunDir(root, runID)
	if err != nil {
		return nil, err
	}

	paths, err := filepath.Glob(filepath.Join(dir, "events.*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	paths = append(paths, filepath.Join(dir, EventsFile))

	var events []realtime.Event
	for _, path := range paths {
		got, err := readEventsFile(path)
		if err != nil {
			return nil, err
		}
		events = append(events, got...)
	}
	return events, nil
}

func readEventsFile(path string) ([]realtime.Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Inbound frames may exceed bufio.Scanner's token limit.
	r := bufio.NewReader(f)
	var events []realtime.Event
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var e realtime.Event
			if uerr := json.Unmarshal(line, &e); uerr != nil {
				return nil, kirokuErrors.Protocol(fmt.Sprintf("%s line %d: %v", filepath.Base(path), lineNo, uerr))
			}
			events = append(events, e)
		}
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadSummary loads result.json of a run.
func ReadSummary(root, runID string) (*Summary, error) {
	dir, err := existingRunDir(root, runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, ResultFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, kirokuErrors.NotFound(fmt.Sprintf("run %s has no result", runID))
	}
	if err != nil {
		return nil, err
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, kirokuErrors.Protocol(fmt.Sprintf("%s: %v", ResultFile, err))
	}
	return &sum, nil
}

// ListRuns returns the runs under root, newest first. A missing root is empty.
func ListRuns(root string) ([]RunInfo, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return []RunInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	runs := make([]RunInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := describeRun(root, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", entry.Name(), err)
		}
		runs = append(runs, info)
	}

	// ulid run ids sort by creation time.
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID > runs[j].RunID })
	return runs, nil
}

func describeRun(root, runID string) (RunInfo, error) {
	dir := filepath.Join(root, runID)
	info := RunInfo{Active: Busy(dir)}

	sum, err := ReadSummary(root, runID)
	if err == nil {
		info.Summary = *sum
		info.Complete = true
		return info, nil
	}
	if !errors.Is(err, kirokuErrors.ErrNotFound) {
		return RunInfo{}, err
	}

	events, err := ReadEvents(root, runID)
	if err != nil {
		return RunInfo{}, err
	}
	info.RunID = runID
	info.Events = len(events)
	info.Transcript = DisplayText(events)
	if len(events) > 0 {
		if st, err := os.Stat(filepath.Join(dir, EventsFile)); err == nil {
			info.CreatedAt = st.ModTime().UTC()
		}
	}
	return info, nil
}

// DisplayText joins the deltas of display-worthy events in order.
func DisplayText(events []realtime.Event) string {
	var b strings.Builder
	for _, e := range events {
		if e.Display {
			b.WriteString(gjson.GetBytes(e.Payload, "delta").String())
		}
	}
	return b.String()
}

func existingRunDir(root, runID string) (string, error) {
	dir, err := RunDir(root, runID)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !st.IsDir()) {
		return "", kirokuErrors.NotFound(fmt.Sprintf("run %s", runID))
	}
	if err != nil {
		return "", err
	}
	return dir, nil
}
