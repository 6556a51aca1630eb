package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/sched"
)

// defaultBatchLimit caps how many items one remote commit cycle pushes.
const defaultBatchLimit = 500

// Drainable is what the remote store needs from the local store: read what
// has not been sent, and clear exactly what was.
type Drainable interface {
	Unsent(limit int) ([]domain.Datum, error)
	ClearSent(data []domain.Datum) error
}

// RemoteStore drains the local store to a sink on a repeating commit cycle.
type RemoteStore struct {
	local          Drainable
	sink           domain.Sink
	commitInterval time.Duration
	batchLimit     int
	scheduler      *sched.Scheduler
	logger         *zap.Logger

	mu          sync.Mutex
	running     bool
	callbackID  string
	lastPushErr error
}

// NewRemoteStore creates a remote store draining local into sink.
func NewRemoteStore(local Drainable, sink domain.Sink, commitInterval time.Duration, scheduler *sched.Scheduler, logger *zap.Logger) *RemoteStore {
	return &RemoteStore{
		local:          local,
		sink:           sink,
		commitInterval: commitInterval,
		batchLimit:     defaultBatchLimit,
		scheduler:      scheduler,
		logger:         logger,
	}
}

// CommitInterval is how often the drain cycle runs.
func (s *RemoteStore) CommitInterval() time.Duration { return s.commitInterval }

// Running reports whether the store is started.
func (s *RemoteStore) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start schedules the drain cycle. No-op when already running.
func (s *RemoteStore) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	callbackID, err := s.scheduler.ScheduleRepeating(s.commitInterval, s.commitInterval, "", s.runDrain)
	if err != nil {
		return fmt.Errorf("failed to schedule remote drain cycle: %w", err)
	}
	s.callbackID = callbackID
	s.running = true
	s.lastPushErr = nil
	s.logger.Info("remote store started",
		zap.Duration("commit_interval", s.commitInterval))
	return nil
}

// Stop unschedules the drain cycle. Undelivered data stays in the local
// store for the next Start. No-op when stopped.
func (s *RemoteStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.scheduler.Unschedule(s.callbackID)
	s.callbackID = ""
	s.running = false
	s.logger.Info("remote store stopped")
	return nil
}

// Restart is Stop followed by Start.
func (s *RemoteStore) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

// TestHealth reports degradation: the store not running, or the most recent
// push failing.
func (s *RemoteStore) TestHealth() domain.HealthResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result domain.HealthResult
	if !s.running {
		result.Degraded = true
		result.Error = "remote store is not running"
		return result
	}
	if s.lastPushErr != nil {
		result.Degraded = true
		result.Warning = fmt.Sprintf("remote store last push failed: %v", s.lastPushErr)
	}
	return result
}

// AddNonProbeDatum pushes a datum directly to the sink, bypassing the local
// buffer. Used for forced report forwarding.
func (s *RemoteStore) AddNonProbeDatum(d domain.Datum) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("remote store is not running")
	}
	return s.sink.Push(context.Background(), []domain.Datum{d})
}

// DrainNow runs one drain cycle synchronously. Used by tests and shutdown.
func (s *RemoteStore) DrainNow(ctx context.Context) error {
	s.runDrain(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPushErr
}

// runDrain reads not-yet-sent data from the local store, pushes it to the
// sink, and clears exactly the pushed items.
func (s *RemoteStore) runDrain(ctx context.Context) {
	data, err := s.local.Unsent(s.batchLimit)
	if err != nil {
		s.recordPushErr(fmt.Errorf("failed to read local store: %w", err))
		return
	}
	if len(data) == 0 {
		s.recordPushErr(nil)
		return
	}

	if err := s.sink.Push(ctx, data); err != nil {
		s.recordPushErr(fmt.Errorf("failed to push %d items: %w", len(data), err))
		s.logger.Warn("remote push failed",
			zap.Int("count", len(data)),
			zap.Error(err))
		return
	}

	if err := s.local.ClearSent(data); err != nil {
		// The sink accepted the batch but local cleanup failed; the next
		// cycle re-pushes. The sink must tolerate duplicates by datum id.
		s.recordPushErr(fmt.Errorf("failed to clear sent items: %w", err))
		s.logger.Warn("failed to clear sent items", zap.Error(err))
		return
	}

	s.recordPushErr(nil)
	s.logger.Debug("remote drain completed", zap.Int("count", len(data)))
}

func (s *RemoteStore) recordPushErr(err error) {
	s.mu.Lock()
	s.lastPushErr = err
	s.mu.Unlock()
}

var _ domain.DataStore = (*RemoteStore)(nil)
