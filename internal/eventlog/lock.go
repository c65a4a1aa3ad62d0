package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/kiroku/internal/config"

	"github.com/gofrs/flock"
)

// RunLock is an exclusive advisory lock on a run directory. It keeps a
// second writer from interleaving lines into the same events file.
type RunLock struct {
	lock       *flock.Flock
	path       string
	runID      string
	acquiredAt time.Time
	mu         sync.Mutex
}

type LockConfig struct {
	Timeout time.Duration
	Retry   time.Duration
}

func DefaultLockConfig() LockConfig {
	timeout, _ := config.DurationOrDefault("", config.DefaultRunsLockTimeout)
	retry, _ := config.DurationOrDefault("", config.DefaultRunsLockRetry)
	return LockConfig{Timeout: timeout, Retry: retry}
}

func AcquireRunLock(runID, dir string, cfg LockConfig) (*RunLock, error) {
	defaults := DefaultLockConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Retry <= 0 {
		cfg.Retry = defaults.Retry
	}

	path := filepath.Join(dir, LockFile)
	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, cfg.Retry)
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("failed to attempt lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("run %s is locked by another writer (timeout after %v)", runID, cfg.Timeout)
	}

	rl := &RunLock{lock: fl, path: path, runID: runID, acquiredAt: time.Now()}
	slog.Debug("Run lock acquired", "run_id", runID, "path", path)
	return rl, nil
}

func (rl *RunLock) Unlock() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.lock == nil {
		return
	}
	if err := rl.lock.Unlock(); err != nil {
		slog.Error("Failed to release run lock", "run_id", rl.runID, "path", rl.path, "error", err)
	} else {
		slog.Debug("Run lock released", "run_id", rl.runID, "held_ms", time.Since(rl.acquiredAt).Milliseconds())
	}
	rl.lock = nil
}

func (rl *RunLock) IsLocked() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lock != nil
}

// Busy reports whether some writer currently holds the lock of dir.
func Busy(dir string) bool {
	path := filepath.Join(dir, LockFile)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	fl := flock.New(path)
	ok, err := fl.TryRLock()
	if err != nil {
		return false
	}
	if ok {
		_ = fl.Unlock()
		return false
	}
	return true
}
