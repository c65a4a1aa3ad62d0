package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/harunnryd/kiroku/internal/config"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/realtime"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
)

type Operation int

const (
	OpAppendEvent Operation = iota
	OpWriteSummary
	OpFlush
)

type Request struct {
	Op      Operation
	Payload any
	Result  chan error
}

// Summary is the result.json document of a run.
type Summary struct {
	RunID      string        `json:"run_id" yaml:"run_id"`
	Model      string        `json:"model" yaml:"model"`
	CreatedAt  time.Time     `json:"created_at" yaml:"created_at"`
	Transcript string        `json:"transcript" yaml:"transcript"`
	Events     int           `json:"events" yaml:"events"`
	Meta       realtime.Meta `json:"meta" yaml:"meta"`
}

type RuntimeConfig struct {
	InboxSize      int
	RotateMaxBytes int64
	Lock           LockConfig
}

// RuntimeConfigFrom turns the runs section of the config into store settings.
func RuntimeConfigFrom(cfg config.RunsConfig) (RuntimeConfig, error) {
	timeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultRunsLockTimeout)
	if err != nil {
		return RuntimeConfig{}, kirokuErrors.InvalidConfig("runs.lock_timeout", err.Error())
	}
	retry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultRunsLockRetry)
	if err != nil {
		return RuntimeConfig{}, kirokuErrors.InvalidConfig("runs.lock_retry", err.Error())
	}
	return RuntimeConfig{
		InboxSize:      cfg.InboxSize,
		RotateMaxBytes: cfg.RotateMaxBytes,
		Lock:           LockConfig{Timeout: timeout, Retry: retry},
	}, nil
}

// Store owns one run directory. A single goroutine performs every write, so
// lines land in the order events were recorded.
type Store struct {
	runID          string
	dir            string
	createdAt      time.Time
	inbox          chan Request
	quit           chan struct{}
	stopped        chan struct{}
	wg             sync.WaitGroup
	lock           *RunLock
	running        stdatomic.Bool
	rotateMaxBytes int64
	segments       int
	written        int

	// owned by the loop goroutine
	events     *os.File
	eventsSize int64

	errMu    sync.Mutex
	asyncErr error
	stopOnce sync.Once
}

// Create starts a store for a new run under root.
func Create(root string, cfg RuntimeConfig) (*Store, error) {
	return Open(root, ulid.Make().String(), cfg)
}

// Open starts a store for runID, creating its directory when needed.
func Open(root, runID string, cfg RuntimeConfig) (*Store, error) {
	dir, err := RunDir(root, runID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	lock, err := AcquireRunLock(runID, dir, cfg.Lock)
	if err != nil {
		return nil, err
	}

	segments, err := filepath.Glob(filepath.Join(dir, "events.*.jsonl"))
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	if cfg.InboxSize <= 0 {
		cfg.InboxSize = config.DefaultRunsInboxSize
	}
	if cfg.RotateMaxBytes <= 0 {
		cfg.RotateMaxBytes = config.DefaultRunsRotateMaxBytes
	}

	s := &Store{
		runID:          runID,
		dir:            dir,
		createdAt:      time.Now().UTC(),
		inbox:          make(chan Request, cfg.InboxSize),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
		lock:           lock,
		rotateMaxBytes: cfg.RotateMaxBytes,
		segments:       len(segments),
	}
	s.start()
	return s, nil
}

func (s *Store) RunID() string { return s.runID }
func (s *Store) Dir() string   { return s.dir }

func (s *Store) start() {
	s.wg.Add(1)
	s.running.Store(true)
	go s.loop()
}

func (s *Store) loop() {
	slog.Debug("Run store started", "run_id", s.runID, "dir", s.dir)
	defer func() {
		if err := s.closeEvents(); err != nil {
			s.keepError(err)
		}
		s.running.Store(false)
		close(s.stopped)
		s.wg.Done()
	}()

	for {
		select {
		case req := <-s.inbox:
			s.serve(req)
		case <-s.quit:
			for {
				select {
				case req := <-s.inbox:
					s.serve(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) serve(req Request) {
	err := s.handle(req)
	if req.Result != nil {
		req.Result <- err
	} else if err != nil {
		s.keepError(err)
	}
}

func (s *Store) handle(req Request) error {
	switch req.Op {
	case OpAppendEvent:
		e, ok := req.Payload.(realtime.Event)
		if !ok {
			return fmt.Errorf("invalid payload for AppendEvent")
		}
		return s.appendEvent(e)
	case OpWriteSummary:
		sum, ok := req.Payload.(Summary)
		if !ok {
			return fmt.Errorf("invalid payload for WriteSummary")
		}
		return s.writeSummary(sum)
	case OpFlush:
		return nil
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (s *Store) appendEvent(e realtime.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", e.Sequence, err)
	}

	if err := s.checkAndRotate(); err != nil {
		slog.Warn("Failed to rotate events file", "run_id", s.runID, "error", err)
	}

	f, err := s.eventsFile()
	if err != nil {
		return err
	}
	n, err := f.Write(append(line, '\n'))
	s.eventsSize += int64(n)
	if err != nil {
		return err
	}
	s.written++
	return nil
}

// eventsFile returns the open events.jsonl handle, opening it on first use
// and after a rotation.
func (s *Store) eventsFile() (*os.File, error) {
	if s.events != nil {
		return s.events, nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, EventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s.events = f
	s.eventsSize = info.Size()
	return f, nil
}

func (s *Store) closeEvents() error {
	if s.events == nil {
		return nil
	}
	err := s.events.Close()
	s.events = nil
	s.eventsSize = 0
	return err
}

func (s *Store) checkAndRotate() error {
	if _, err := s.eventsFile(); err != nil {
		return err
	}
	if s.eventsSize < s.rotateMaxBytes {
		return nil
	}

	size := s.eventsSize
	if err := s.closeEvents(); err != nil {
		return err
	}
	next := rotatedPath(s.dir, s.segments+1)
	slog.Info("Rotating events file", "run_id", s.runID, "size", size, "segment", next)
	if err := os.Rename(filepath.Join(s.dir, EventsFile), next); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}
	s.segments++
	return nil
}

func (s *Store) writeSummary(sum Summary) error {
	sum.RunID = s.runID
	sum.Events = s.written
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.createdAt
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(s.dir, ResultFile), bytes.NewReader(data))
}

func (s *Store) keepError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.asyncErr == nil {
		s.asyncErr = err
	}
	slog.Error("Run store write failed", "run_id", s.runID, "error", err)
}

func (s *Store) firstError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.asyncErr
}

func (s *Store) enqueue(req Request) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.inbox <- req:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Store) call(op Operation, payload any) error {
	res := make(chan error, 1)
	if !s.enqueue(Request{Op: op, Payload: payload, Result: res}) {
		return kirokuErrors.Internal("run store is closed")
	}
	select {
	case err := <-res:
		return err
	case <-s.stopped:
		select {
		case err := <-res:
			return err
		default:
			return kirokuErrors.Internal("run store is closed")
		}
	}
}

// Public API

// Record queues e without waiting for the write. Failures surface from Close.
func (s *Store) Record(e realtime.Event) {
	if !s.enqueue(Request{Op: OpAppendEvent, Payload: e}) {
		slog.Warn("Event dropped after run store closed", "run_id", s.runID, "sequence", e.Sequence)
	}
}

// Append writes e and waits for the result.
func (s *Store) Append(e realtime.Event) error {
	return s.call(OpAppendEvent, e)
}

// WriteSummary waits for queued events, then replaces result.json atomically.
func (s *Store) WriteSummary(sum Summary) error {
	return s.call(OpWriteSummary, sum)
}

// Flush returns once every previously queued request has been handled.
func (s *Store) Flush() error {
	if err := s.call(OpFlush, nil); err != nil {
		return err
	}
	return s.firstError()
}

// Close drains the inbox, stops the writer, and releases the run lock.
func (s *Store) Close() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.Flush()
		close(s.quit)
		s.wg.Wait()
		s.lock.Unlock()
	})
	return err
}

func (s *Store) IsRunning() bool {
	return s.lock.IsLocked() && s.running.Load()
}
