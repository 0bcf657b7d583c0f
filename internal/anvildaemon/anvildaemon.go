// Package anvildaemon is the background maintenance scheduler for one
// Anvil environment (SPEC_FULL.md §5, §11): it drives Maintain on every
// registered dtable.Maintainable on a timer, watches the environment
// directory for external config edits between ticks, and retries a
// failed maintenance attempt with backoff instead of letting one bad
// digest wedge the whole schedule.
//
// It runs on internal/bgthread for the scheduler goroutine; explicit
// Trigger calls and fsnotify-triggered requests arrive through an
// internal/msgqueue, and the loop's own ticker drives the periodic runs.
package anvildaemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/nathansgreen/anvil/internal/bgthread"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/msgqueue"
)

// request is one unit of scheduled work: run Maintain on every
// registered table (name == ""), or a single named table.
type request struct {
	name  string
	force bool
}

// Scheduler periodically calls Maintain on every dtable.Maintainable
// registered with it, retrying failures with exponential backoff.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	tables map[string]dtable.Maintainable

	queue   *msgqueue.Queue[request]
	thread  *bgthread.Thread
	watcher *fsnotify.Watcher

	runCount   int
	errorCount int
}

// New builds a Scheduler that runs Maintain on its registered tables
// every interval. logger is used for every maintenance attempt,
// success, and failure; pass slog.Default() if the caller doesn't care.
func New(interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		logger:   logger,
		tables:   make(map[string]dtable.Maintainable),
		queue:    msgqueue.New[request](16),
	}
}

// Register adds a table to the schedule under name, used in log lines
// and to target a single table via Trigger.
func (s *Scheduler) Register(name string, t dtable.Maintainable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = t
}

// Unregister removes a table from the schedule.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, name)
}

// Trigger enqueues an immediate, forced maintenance pass for name (or
// every registered table if name is empty), without waiting for the
// next timer tick. ctx bounds only the enqueue, not the maintenance
// work itself.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	return s.queue.Send(ctx, request{name: name, force: true})
}

// Start launches the scheduler's background goroutine. Calling Start
// twice without an intervening Stop is a programmer error.
func (s *Scheduler) Start(parent context.Context) {
	s.thread = bgthread.Start(func(ctx context.Context) {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		requests := make(chan request)
		go func() {
			for {
				req, err := s.queue.Receive(ctx)
				if err != nil {
					return
				}
				select {
				case requests <- req:
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, request{})
			case req := <-requests:
				s.run(ctx, req)
			}
		}
	})
	_ = parent
}

// WatchDir watches dir for any file write or create, triggering an
// immediate forced maintenance pass on each such event — the
// scheduler's response to an operator editing anvil.toml or a params
// file by hand between ticks.
func (s *Scheduler) WatchDir(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("anvildaemon: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("anvildaemon: watch %s: %w", dir, err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.logger.Info("anvildaemon: descriptor changed, scheduling immediate maintenance", "file", ev.Name)
					_ = s.Trigger(context.Background(), "")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("anvildaemon: watch error", "error", err)
			}
		}
	}()
	return nil
}

// Stop halts the scheduler goroutine and the directory watcher, if any,
// and waits for the goroutine to exit.
func (s *Scheduler) Stop() {
	if s.thread != nil {
		s.thread.StopAndJoin()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// run executes one request, retrying a failing Maintain call with
// exponential backoff (capped at three attempts) before logging it as a
// failure for this tick — one table's digest error must never stall
// maintenance for the rest of the environment.
func (s *Scheduler) run(ctx context.Context, req request) {
	s.mu.Lock()
	var targets map[string]dtable.Maintainable
	if req.name == "" {
		targets = make(map[string]dtable.Maintainable, len(s.tables))
		for k, v := range s.tables {
			targets[k] = v
		}
	} else if t, ok := s.tables[req.name]; ok {
		targets = map[string]dtable.Maintainable{req.name: t}
	}
	s.mu.Unlock()

	for name, t := range targets {
		s.maintainOne(ctx, name, t, req.force)
	}
}

func (s *Scheduler) maintainOne(ctx context.Context, name string, t dtable.Maintainable, force bool) {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	op := func() error { return t.Maintain(ctx, force) }

	start := time.Now()
	err := backoff.Retry(op, backoff.WithContext(policy, ctx))

	s.mu.Lock()
	s.runCount++
	if err != nil {
		s.errorCount++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("anvildaemon: maintenance failed", "table", name, "force", force, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Debug("anvildaemon: maintenance complete", "table", name, "force", force, "duration", time.Since(start))
}

// Stats is a point-in-time snapshot of scheduler activity, surfaced by
// internal/anvilrpc's /status endpoint.
type Stats struct {
	RegisteredTables int `json:"registered_tables"`
	RunCount         int `json:"run_count"`
	ErrorCount       int `json:"error_count"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		RegisteredTables: len(s.tables),
		RunCount:         s.runCount,
		ErrorCount:       s.errorCount,
	}
}
