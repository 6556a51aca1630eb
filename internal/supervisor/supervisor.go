// Package supervisor implements the process-wide service helper: the
// protocol registry, the should-be-running set, the shared health-test
// callback and encrypted persistence of agent state.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/infra"
	"github.com/probelab/sensd/internal/protocol"
	"github.com/probelab/sensd/internal/sched"
)

// Builder materializes a protocol from a definition. Wired at the
// composition root so the supervisor stays free of probe and store details.
type Builder func(def domain.ProtocolDefinition) (*protocol.Protocol, error)

// Supervisor owns process lifetime: the scheduler, every registered
// protocol, the set of protocols that should be running, and the single
// shared health-test callback.
//
// Lock order: protocols call back into Add/RemoveRunningProtocolID while
// holding their own lock, so the only permitted nesting is
// protocol-then-supervisor. The supervisor lock is held for bookkeeping
// only and is always released before any protocol method is invoked.
type Supervisor struct {
	scheduler *sched.Scheduler
	state     *infra.StateFile
	build     Builder
	logger    *zap.Logger

	mu               sync.Mutex
	started          bool
	protocols        []*protocol.Protocol
	runningIDs       map[string]struct{}
	healthInterval   time.Duration
	healthCount      int
	testsPerReport   int
	healthCallbackID string
}

// New creates a supervisor and restores persisted state: previously
// registered protocols are rebuilt and previously running ids are
// remembered so Start resumes them.
func New(scheduler *sched.Scheduler, state *infra.StateFile, build Builder, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		scheduler:  scheduler,
		state:      state,
		build:      build,
		logger:     logger,
		runningIDs: make(map[string]struct{}),
	}

	persisted := state.Load()
	s.healthInterval = persisted.HealthTestInterval
	s.healthCount = persisted.HealthTestCount
	s.testsPerReport = persisted.TestsPerReport

	for _, def := range persisted.Protocols {
		p, err := build(def)
		if err != nil {
			logger.Error("failed to restore protocol",
				zap.String("name", def.Name),
				zap.Error(err))
			continue
		}
		p.SetRegistry(s)
		s.protocols = append(s.protocols, p)
		// A restored protocol keeps a fresh runtime id; map the persisted
		// should-be-running marker onto it.
		for _, id := range persisted.RunningIDs {
			if id == def.ID {
				s.runningIDs[p.ID()] = struct{}{}
			}
		}
	}

	return s
}

// Start is idempotent: if already started it is a no-op, otherwise every
// registered protocol whose id is in the should-be-running set is started.
// This is how a process restart resumes prior running protocols.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	toStart := s.shouldRunLocked()
	s.mu.Unlock()

	s.logger.Info("supervisor starting", zap.Int("resuming", len(toStart)))
	for _, p := range toStart {
		if err := p.Start(); err != nil {
			s.logger.Error("protocol failed to resume",
				zap.String("protocol", p.Name()),
				zap.Error(err))
		}
	}
}

// Stop stops every registered protocol and marks the supervisor stopped.
// The should-be-running set is preserved so a later Start resumes.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	all := make([]*protocol.Protocol, len(s.protocols))
	copy(all, s.protocols)
	resume := make([]string, 0, len(s.runningIDs))
	for id := range s.runningIDs {
		resume = append(resume, id)
	}
	s.mu.Unlock()

	for _, p := range all {
		p.Stop()
	}

	// Each protocol's Stop deregistered its id; restore the set so the
	// next Start resumes what was running.
	s.mu.Lock()
	for _, id := range resume {
		s.runningIDs[id] = struct{}{}
	}
	s.ensureHealthTestLocked()
	s.persistLocked()
	s.mu.Unlock()

	s.logger.Info("supervisor stopped")
}

// SetHealthTestInterval overrides the persisted health-test interval and
// reschedules the shared callback if one is live. Non-positive values are
// ignored.
func (s *Supervisor) SetHealthTestInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.healthInterval {
		return
	}
	s.healthInterval = d
	if s.healthCallbackID != "" {
		id, err := s.scheduler.Reschedule(s.healthCallbackID, d, d)
		if err != nil {
			s.logger.Error("failed to reschedule health test", zap.Error(err))
		} else {
			s.healthCallbackID = id
		}
	}
	s.persistLocked()
}

// Started reports whether the supervisor is started.
func (s *Supervisor) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// RegisterProtocol adds a protocol to the registry, ignoring duplicates,
// and persists.
func (s *Supervisor) RegisterProtocol(p *protocol.Protocol) {
	// Re-parent before taking the supervisor lock; a starting protocol
	// nests protocol-then-supervisor and this must not nest the reverse.
	p.SetRegistry(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.protocols {
		if existing.ID() == p.ID() {
			return
		}
	}
	s.protocols = append(s.protocols, p)
	s.persistLocked()
	s.logger.Info("protocol registered",
		zap.String("protocol", p.Name()),
		zap.String("id", p.ID()))
}

// UnregisterProtocol stops and removes a protocol. The one way a protocol
// is ever destroyed.
func (s *Supervisor) UnregisterProtocol(id string) {
	s.mu.Lock()
	var victim *protocol.Protocol
	kept := s.protocols[:0]
	for _, p := range s.protocols {
		if p.ID() == id {
			victim = p
			continue
		}
		kept = append(kept, p)
	}
	s.protocols = kept
	s.mu.Unlock()

	if victim == nil {
		return
	}
	victim.Stop()

	s.mu.Lock()
	delete(s.runningIDs, id)
	s.ensureHealthTestLocked()
	s.persistLocked()
	s.mu.Unlock()
	s.logger.Info("protocol unregistered", zap.String("id", id))
}

// Protocols returns a snapshot of the registered protocols.
func (s *Supervisor) Protocols() []*protocol.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Protocol, len(s.protocols))
	copy(out, s.protocols)
	return out
}

// AddRunningProtocolID marks a protocol as should-be-running, persists, and
// lazily schedules the shared health-test callback when the set becomes
// non-empty.
func (s *Supervisor) AddRunningProtocolID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runningIDs[id]; ok {
		return
	}
	s.runningIDs[id] = struct{}{}
	s.ensureHealthTestLocked()
	s.persistLocked()
}

// RemoveRunningProtocolID removes the should-be-running marker, persists,
// and unschedules the health-test callback when the set becomes empty.
func (s *Supervisor) RemoveRunningProtocolID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runningIDs[id]; !ok {
		return
	}
	delete(s.runningIDs, id)
	s.ensureHealthTestLocked()
	s.persistLocked()
}

// RunningIDs returns a snapshot of the should-be-running set.
func (s *Supervisor) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runningIDs))
	for id := range s.runningIDs {
		out = append(out, id)
	}
	return out
}

// ensureHealthTestLocked keeps exactly one health-test callback registered
// system-wide: scheduled when the running set becomes non-empty, removed
// when it empties.
func (s *Supervisor) ensureHealthTestLocked() {
	switch {
	case len(s.runningIDs) > 0 && s.healthCallbackID == "":
		id, err := s.scheduler.ScheduleRepeating(s.healthInterval, s.healthInterval,
			"", s.HealthSweep)
		if err != nil {
			s.logger.Error("failed to schedule health test", zap.Error(err))
			return
		}
		s.healthCallbackID = id
		s.logger.Info("health test scheduled",
			zap.Duration("interval", s.healthInterval))

	case len(s.runningIDs) == 0 && s.healthCallbackID != "":
		s.scheduler.Unschedule(s.healthCallbackID)
		s.healthCallbackID = ""
		s.logger.Info("health test unscheduled")
	}
}

// HealthSweep walks every registered protocol and health-tests those that
// should be running. Every Nth sweep (the tests-per-report ratio) also
// persists each protocol's report through the data pipeline. ctx is polled
// per protocol so a canceled sweep stops early, leaving already-processed
// protocols fully checked.
func (s *Supervisor) HealthSweep(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		// A stopped supervisor keeps the should-be-running set for resume
		// but must not heal protocols back to life.
		s.mu.Unlock()
		return
	}
	protos := make([]*protocol.Protocol, len(s.protocols))
	copy(protos, s.protocols)
	running := make(map[string]struct{}, len(s.runningIDs))
	for id := range s.runningIDs {
		running[id] = struct{}{}
	}
	s.healthCount++
	storeReports := s.testsPerReport > 0 && s.healthCount%s.testsPerReport == 0
	s.persistLocked()
	s.mu.Unlock()

	s.logger.Debug("health sweep starting",
		zap.Int("protocols", len(protos)),
		zap.Bool("store_reports", storeReports))

	for _, p := range protos {
		if ctx.Err() != nil {
			s.logger.Info("health sweep canceled")
			return
		}
		if _, ok := running[p.ID()]; !ok {
			continue
		}

		p.TestHealth(ctx)
		if storeReports {
			if err := p.StoreMostRecentReport(); err != nil {
				s.logger.Error("failed to store protocol report",
					zap.String("protocol", p.Name()),
					zap.Error(err))
			}
		}
	}
}

// shouldRunLocked returns registered protocols whose id is marked running.
func (s *Supervisor) shouldRunLocked() []*protocol.Protocol {
	var out []*protocol.Protocol
	for _, p := range s.protocols {
		if _, ok := s.runningIDs[p.ID()]; ok {
			out = append(out, p)
		}
	}
	return out
}

// persistLocked rewrites the encrypted state file. Failures are logged and
// leave the prior on-disk state intact.
func (s *Supervisor) persistLocked() {
	state := domain.AgentState{
		Version:            1,
		RunningIDs:         make([]string, 0, len(s.runningIDs)),
		HealthTestInterval: s.healthInterval,
		HealthTestCount:    s.healthCount,
		TestsPerReport:     s.testsPerReport,
	}
	for _, p := range s.protocols {
		state.Protocols = append(state.Protocols, p.Definition())
	}
	for id := range s.runningIDs {
		state.RunningIDs = append(state.RunningIDs, id)
	}

	if err := s.state.Save(state); err != nil {
		s.logger.Error("failed to persist agent state", zap.Error(err))
	}
}

var _ protocol.RunningRegistry = (*Supervisor)(nil)

// ---- process-wide instance handle ----

var (
	instMu  sync.Mutex
	current *Supervisor
)

// Replace swaps the process-wide supervisor at the composition root. The
// old instance, when present, is stopped before the new one takes over;
// passing the wrong old instance is an error so two roots cannot race.
func Replace(old, new *Supervisor) error {
	instMu.Lock()
	defer instMu.Unlock()
	if current != old {
		return fmt.Errorf("supervisor replace conflict: current instance is not the expected one")
	}
	if old != nil {
		old.Stop()
	}
	current = new
	return nil
}

// Current returns the process-wide supervisor, or nil before Replace.
func Current() *Supervisor {
	instMu.Lock()
	defer instMu.Unlock()
	return current
}

// Await blocks until the process-wide supervisor exists, polling with a
// bounded timeout. This is the one place callers may block multi-second:
// a startup race with the composition root, failed hard when it loses.
func Await(timeout time.Duration) (*Supervisor, error) {
	deadline := time.Now().Add(timeout)
	for {
		if s := Current(); s != nil {
			return s, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("supervisor not constructed within %s", timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
