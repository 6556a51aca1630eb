package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/sched"
)

// PollFunc gathers one batch of data. It must observe ctx.
type PollFunc func(ctx context.Context) ([]domain.Datum, error)

// PollingProbe is the base for probes that sample a source on a repeating
// schedule. Concrete probes supply a kind and a PollFunc; run state, the
// scheduler callback, buffering and health all live here.
type PollingProbe struct {
	id        string
	kind      string
	enabled   bool
	interval  time.Duration
	poll      PollFunc
	scheduler *sched.Scheduler
	buffer    *Buffer
	logger    *zap.Logger

	mu          sync.Mutex
	running     bool
	callbackID  string
	lastPollErr error
}

// NewPollingProbe creates a probe of the given kind polling at interval.
func NewPollingProbe(kind string, enabled bool, interval time.Duration, poll PollFunc, scheduler *sched.Scheduler, logger *zap.Logger) *PollingProbe {
	return &PollingProbe{
		id:        domain.NewID(),
		kind:      kind,
		enabled:   enabled,
		interval:  interval,
		poll:      poll,
		scheduler: scheduler,
		buffer:    NewBuffer(),
		logger:    logger,
	}
}

func (p *PollingProbe) ID() string    { return p.id }
func (p *PollingProbe) Kind() string  { return p.kind }
func (p *PollingProbe) Enabled() bool { return p.enabled }

// Running reports whether the probe was started and not yet stopped.
func (p *PollingProbe) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start registers the repeating poll callback. No-op when already running.
func (p *PollingProbe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	id, err := p.scheduler.ScheduleRepeating(p.interval, p.interval, "", p.runPoll)
	if err != nil {
		return fmt.Errorf("failed to schedule %s probe poll: %w", p.kind, err)
	}
	p.callbackID = id
	p.running = true
	p.lastPollErr = nil
	p.logger.Info("probe started",
		zap.String("probe", p.kind),
		zap.Duration("interval", p.interval))
	return nil
}

// Stop unregisters the poll callback. Buffered data is retained for the
// next commit cycle. No-op when already stopped.
func (p *PollingProbe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.scheduler.Unschedule(p.callbackID)
	p.callbackID = ""
	p.running = false
	p.logger.Info("probe stopped", zap.String("probe", p.kind))
	return nil
}

// Restart is Stop followed by Start.
func (p *PollingProbe) Restart() error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.Start()
}

// TestHealth reports degradation: an enabled probe that is not running, or
// whose most recent poll failed.
func (p *PollingProbe) TestHealth() domain.HealthResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result domain.HealthResult
	if p.enabled && !p.running {
		result.Degraded = true
		result.Error = fmt.Sprintf("probe %s is enabled but not running", p.kind)
	}
	if p.lastPollErr != nil {
		result.Degraded = true
		result.Warning = joinNonEmpty(result.Warning,
			fmt.Sprintf("probe %s last poll failed: %v", p.kind, p.lastPollErr))
	}
	result.Misc = fmt.Sprintf("probe %s buffered %d items", p.kind, p.buffer.Len())
	return result
}

// GetCollectedData returns a snapshot of all not-yet-committed data.
func (p *PollingProbe) GetCollectedData() []domain.Datum {
	return p.buffer.Snapshot()
}

// ClearCommittedData removes exactly the given data from the buffer.
func (p *PollingProbe) ClearCommittedData(data []domain.Datum) {
	p.buffer.Remove(data)
}

// runPoll is the scheduler callback body.
func (p *PollingProbe) runPoll(ctx context.Context) {
	data, err := p.poll(ctx)

	p.mu.Lock()
	p.lastPollErr = err
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("probe poll failed",
			zap.String("probe", p.kind),
			zap.Error(err))
		return
	}
	p.buffer.Add(data...)
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

var _ domain.Probe = (*PollingProbe)(nil)
