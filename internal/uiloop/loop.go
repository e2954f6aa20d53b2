// Package uiloop provides the single-goroutine dispatcher that owns UI-side
// state. Worker goroutines never touch that state directly; they Post a
// closure and the loop runs it in FIFO order.
package uiloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/logger"
)

var (
	// ErrStopped is returned when work is submitted to a stopped loop.
	ErrStopped = errors.NewStd("dispatch loop stopped")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.NewStd("dispatch loop already running")
)

// Stats is a snapshot of loop counters
type Stats struct {
	Pending   int
	Processed uint64
	Panics    uint64
}

// Loop is an unbounded FIFO work queue drained by one goroutine. Post never
// blocks, so workers can always hand results back.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	processed atomic.Uint64
	panics    atomic.Uint64

	log logger.Logger
}

// New creates a loop. A nil logger falls back to the global one.
func New(log logger.Logger) *Loop {
	if log == nil {
		log = logger.Global().Module("uiloop")
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		log:    log,
	}
}

// Post schedules fn on the loop goroutine. It reports false if the loop has
// been stopped, in which case fn never runs.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run. It must not be called from the
// loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		// the task may still have completed just before the stop
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Run drains the queue on the calling goroutine until ctx is cancelled or
// Stop is called. Tasks still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-l.stopCh:
				l.dropPending()
				return nil
			default:
			}
			l.runTask(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.Stop()
			l.dropPending()
			return ctx.Err()
		case <-l.stopCh:
			l.dropPending()
			return nil
		case <-l.wake:
		}
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go func() {
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Warn("dispatch loop exited", logger.Error(err))
		}
	}()
}

// Stop prevents further posts and makes Run return after the current task.
// It does not wait; use Wait for that. Safe to call from a task.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.stopCh)
	})
}

// Wait blocks until Run has returned. It returns immediately if Run was
// never started.
func (l *Loop) Wait() {
	if !l.running.Load() {
		return
	}
	<-l.done
}

// Stats returns a snapshot of queue depth and counters
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	pending := len(l.queue)
	l.mu.Unlock()

	return Stats{
		Pending:   pending,
		Processed: l.processed.Load(),
		Panics:    l.panics.Load(),
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.log.Error("dispatch task panicked", logger.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
	l.processed.Add(1)
}

func (l *Loop) dropPending() {
	l.mu.Lock()
	n := len(l.queue)
	l.queue = nil
	l.stopped = true
	l.mu.Unlock()

	if n > 0 {
		l.log.Debug("dropped queued tasks on stop", logger.Int("count", n))
	}
}
