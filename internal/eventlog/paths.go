package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/pathutil"
)

const (
	EventsFile = "events.jsonl"
	ResultFile = "result.json"
	LockFile   = "run.lock"
)

// ResolveRunsRoot resolves the configured runs directory.
// If empty, it falls back to ~/.kiroku/runs.
func ResolveRunsRoot(dir string) (string, error) {
	if trimmed := strings.TrimSpace(dir); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kiroku", "runs"), nil
}

// RunDir returns the directory of one run. Run ids are single path elements.
func RunDir(root, runID string) (string, error) {
	id := strings.TrimSpace(runID)
	if id == "" {
		return "", kirokuErrors.MissingField("run_id")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", kirokuErrors.InvalidField("run_id", runID, "must be a single path element")
	}
	return filepath.Join(root, id), nil
}

// rotatedPath names the n-th rotated segment; zero padding keeps lexical order.
func rotatedPath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("events.%06d.jsonl", n))
}
