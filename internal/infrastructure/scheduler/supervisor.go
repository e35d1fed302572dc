package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrShuttingDown = errors.New("scheduler is shutting down")

// Supervisor runs named background tasks on their own goroutines. Tasks
// share a base context that is cancelled only when a graceful shutdown runs
// out of time.
type Supervisor struct {
	baseCtx context.Context
	cancel  context.CancelFunc
	slots   *semaphore.Weighted

	mu      sync.Mutex
	closed  bool
	running int
	wg      sync.WaitGroup
}

// New bounds concurrent tasks to maxConcurrent; zero or less means unbounded.
// Tasks over the bound wait for a slot on their own goroutine, so Schedule
// never blocks the caller.
func New(maxConcurrent int64) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{baseCtx: ctx, cancel: cancel}
	if maxConcurrent > 0 {
		s.slots = semaphore.NewWeighted(maxConcurrent)
	}
	return s
}

func (s *Supervisor) Schedule(name string, task func(context.Context)) error {
	if task == nil {
		return fmt.Errorf("schedule %s: nil task", name)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("schedule %s: %w", name, ErrShuttingDown)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(name, task)
	return nil
}

func (s *Supervisor) run(name string, task func(context.Context)) {
	defer s.wg.Done()

	// A task that never gets a slot still runs, on the cancelled base
	// context, so it can record its own terminal state.
	if s.slots != nil {
		if err := s.slots.Acquire(s.baseCtx, 1); err != nil {
			slog.Warn("background_task_started_without_slot", "task", name, "error", err)
		} else {
			defer s.slots.Release(1)
		}
	}

	s.mu.Lock()
	s.running++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("background_task_panic",
				"task", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	task(s.baseCtx)
}

// Running reports tasks currently executing, excluding those waiting for a slot.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown stops admissions and waits for scheduled tasks. When ctx expires
// first the base context is cancelled and ctx's error is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		slog.Warn("background_tasks_abandoned", "running", s.Running(), "error", ctx.Err())
		return ctx.Err()
	}
}
