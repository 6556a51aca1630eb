// Package sched implements the callback scheduler: registration of one-shot
// and repeating units of work, advisory cancellation, and at-most-one
// in-flight execution per registered callback.
package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
)

// Work is a registered unit of work. It must observe ctx for cooperative
// cancellation; there is no forced termination.
type Work func(ctx context.Context)

// entry is the bookkeeping record for one registered callback. The cancel
// handle is non-nil only while the work is executing and is replaced fresh
// on every raise, since a fired handle cannot be reused.
type entry struct {
	id        string
	work      Work
	cancel    context.CancelFunc
	message   string
	repeating bool
	timerID   string

	// runMu serializes executions of this callback only. A raise that
	// cannot take it is dropped, never queued.
	runMu sync.Mutex
}

// Scheduler registers callbacks against a platform timer service and owns
// all overlap and cancellation semantics above it.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry

	timers   domain.TimerService
	wakeLock domain.WakeLock
	notifier domain.Notifier
	logger   *zap.Logger

	// onComplete, when set, is invoked with the callback id after every
	// raise attempt finishes (executed or dropped). Used by tests and the
	// supervisor to observe completion.
	onComplete func(id string)
}

// NewScheduler creates a scheduler on top of the given timer service.
// Nil wakeLock and notifier default to no-ops.
func NewScheduler(timers domain.TimerService, wakeLock domain.WakeLock, notifier domain.Notifier, logger *zap.Logger) *Scheduler {
	if wakeLock == nil {
		wakeLock = NoopWakeLock{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Scheduler{
		entries:  make(map[string]*entry),
		timers:   timers,
		wakeLock: wakeLock,
		notifier: notifier,
		logger:   logger,
	}
}

// SetCompletionHook installs a hook invoked after every raise attempt.
func (s *Scheduler) SetCompletionHook(hook func(id string)) {
	s.mu.Lock()
	s.onComplete = hook
	s.mu.Unlock()
}

// ScheduleOnce registers work to be raised once after delay.
// Returns the opaque callback id.
func (s *Scheduler) ScheduleOnce(delay time.Duration, message string, work Work) (string, error) {
	return s.schedule(delay, 0, false, message, work)
}

// ScheduleRepeating registers work to be raised after initialDelay and then
// every interval.
func (s *Scheduler) ScheduleRepeating(initialDelay, interval time.Duration, message string, work Work) (string, error) {
	return s.schedule(initialDelay, interval, true, message, work)
}

func (s *Scheduler) schedule(delay, interval time.Duration, repeating bool, message string, work Work) (string, error) {
	id := domain.NewID()
	e := &entry{
		id:        id,
		work:      work,
		message:   message,
		repeating: repeating,
	}

	// Insert before arming the timer so a fire cannot beat the entry into
	// the table.
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	var timerID string
	var err error
	if repeating {
		timerID, err = s.timers.ScheduleRepeating(delay, interval, func() { s.Raise(id) })
	} else {
		timerID, err = s.timers.ScheduleOnce(delay, func() { s.Raise(id) })
	}
	if err != nil {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return "", err
	}

	s.mu.Lock()
	if kept, ok := s.entries[id]; ok {
		kept.timerID = timerID
	} else {
		// Unscheduled while the timer was being armed.
		s.timers.Unschedule(timerID)
	}
	s.mu.Unlock()

	s.logger.Debug("callback scheduled",
		zap.String("id", id),
		zap.Bool("repeating", repeating),
		zap.Duration("delay", delay),
		zap.Duration("interval", interval))
	return id, nil
}

// Raise executes the callback registered under id. Unknown ids are a silent
// no-op: the expected case when a platform timer fires after cancellation.
// The raise sequence runs off the calling goroutine so timer delivery never
// blocks on callback execution.
func (s *Scheduler) Raise(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	hook := s.onComplete
	s.mu.Unlock()
	if !ok {
		return
	}

	go s.raise(e, hook)
}

func (s *Scheduler) raise(e *entry, hook func(id string)) {
	s.wakeLock.Acquire()
	defer s.wakeLock.Release()
	if hook != nil {
		defer hook(e.id)
	}

	if !e.runMu.TryLock() {
		// Previous execution still in flight. Drop, never queue.
		s.logger.Warn("callback raise dropped, previous execution still running",
			zap.String("id", e.id))
		return
	}
	defer e.runMu.Unlock()

	// Install a fresh cancellation handle; a fired handle cannot be reused.
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	e.cancel = cancel
	s.mu.Unlock()

	if e.message != "" {
		s.notifier.Notify(e.message)
	}

	s.execute(e, ctx)

	cancel()
	s.mu.Lock()
	e.cancel = nil
	if !e.repeating {
		delete(s.entries, e.id)
	}
	s.mu.Unlock()
}

// execute runs the work, containing any panic so a failing callback cannot
// take the scheduler down.
func (s *Scheduler) execute(e *entry, ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback panicked",
				zap.String("id", e.id),
				zap.Any("panic", r))
		}
	}()
	e.work(ctx)
}

// Cancel signals the callback's live execution, if any. Cancellation is
// advisory: the work function must observe its context. Calling Cancel with
// no execution in flight is a no-op.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.cancel == nil {
		return
	}
	e.cancel()
	s.logger.Debug("callback canceled", zap.String("id", id))
}

// Unschedule removes the callback and cancels its platform timer.
// Safe to call on an id that no longer exists.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if e.timerID != "" {
		s.timers.Unschedule(e.timerID)
	}
	s.logger.Debug("callback unscheduled", zap.String("id", id))
}

// Reschedule re-registers a repeating callback under new delays, keeping its
// work and message. The old id becomes invalid; callers must retain the
// returned id.
func (s *Scheduler) Reschedule(id string, initialDelay, interval time.Duration) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return "", ErrUnknownCallback
	}
	s.Unschedule(id)
	return s.ScheduleRepeating(initialDelay, interval, e.message, e.work)
}

// Contains reports whether id is currently registered.
func (s *Scheduler) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of registered callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
