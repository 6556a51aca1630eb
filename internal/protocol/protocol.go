// Package protocol implements the protocol state machine: a bound set of
// probes plus one local and one remote data store, with start/stop
// lifecycle and the self-healing health test.
package protocol

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/store"
)

// LocalStore is the local data store as the protocol consumes it.
type LocalStore interface {
	domain.DataStore
	ForwardToRemote() bool
	SetOwner(owner store.ProbeSource)
}

// RemoteStore is the remote data store as the protocol consumes it.
type RemoteStore interface {
	domain.DataStore
}

// RunningRegistry is the slice of the supervisor a protocol talks to when
// it starts and stops.
type RunningRegistry interface {
	AddRunningProtocolID(id string)
	RemoveRunningProtocolID(id string)
}

// Protocol binds probes to exactly one local and one remote data store and
// owns the Running state machine. All state transitions serialize on one
// exclusive per-protocol lock; these are long critical sections by design,
// protocols start and stop rarely enough that contention does not matter.
type Protocol struct {
	id         string
	name       string
	storageDir string
	def        domain.ProtocolDefinition

	mu               sync.Mutex
	probes           []domain.Probe
	local            LocalStore
	remote           RemoteStore
	running          bool
	firstStart       time.Time
	mostRecentReport *domain.ProtocolReport
	onRunningChanged func(running bool)
	registry         RunningRegistry
	logger           *zap.Logger
}

// New creates a protocol with a fresh unique id and its own storage
// directory under baseDir. The directory itself is created lazily by the
// local store on first start.
func New(def domain.ProtocolDefinition, baseDir string, registry RunningRegistry, logger *zap.Logger) *Protocol {
	id := domain.NewID()
	return &Protocol{
		id:         id,
		name:       def.Name,
		storageDir: storageDir(baseDir, id),
		def:        def,
		registry:   registry,
		logger:     logger.With(zap.String("protocol", def.Name)),
	}
}

func storageDir(baseDir, id string) string {
	return filepath.Join(baseDir, "protocols", id)
}

// ID returns the protocol's unique identity.
func (p *Protocol) ID() string { return p.id }

// Name returns the protocol's display name.
func (p *Protocol) Name() string { return p.name }

// StorageDir returns the protocol's unique storage directory.
func (p *Protocol) StorageDir() string { return p.storageDir }

// Definition returns the serializable definition with the live id.
func (p *Protocol) Definition() domain.ProtocolDefinition {
	def := p.def
	def.ID = p.id
	return def
}

// FirstStart returns when the protocol first entered Running, or zero.
func (p *Protocol) FirstStart() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstStart
}

// SetProbes replaces the protocol's probe set. Only valid while stopped.
func (p *Protocol) SetProbes(probes []domain.Probe) {
	p.mu.Lock()
	p.probes = probes
	p.mu.Unlock()
}

// Probes returns the protocol's probes. Implements store.ProbeSource.
func (p *Protocol) Probes() []domain.Probe {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Probe, len(p.probes))
	copy(out, p.probes)
	return out
}

// SetLocalStore assigns the local data store, re-parenting it to this
// protocol. The store's back-reference is replaced, never shared.
func (p *Protocol) SetLocalStore(ls LocalStore) {
	p.mu.Lock()
	p.local = ls
	p.mu.Unlock()
	ls.SetOwner(p)
}

// SetRemoteStore assigns the remote data store.
func (p *Protocol) SetRemoteStore(rs RemoteStore) {
	p.mu.Lock()
	p.remote = rs
	p.mu.Unlock()
}

// SetRegistry re-parents the protocol onto a running-id registry. The
// supervisor calls this when it adopts a protocol, which breaks the
// construction-order cycle between the two.
func (p *Protocol) SetRegistry(r RunningRegistry) {
	p.mu.Lock()
	p.registry = r
	p.mu.Unlock()
}

// SetRunningChangedFunc installs the running-changed notification.
func (p *Protocol) SetRunningChangedFunc(fn func(running bool)) {
	p.mu.Lock()
	p.onRunningChanged = fn
	p.mu.Unlock()
}

// Running reports whether the protocol is in the Running state.
func (p *Protocol) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// MostRecentReport returns the latest health report, or nil.
func (p *Protocol) MostRecentReport() *domain.ProtocolReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mostRecentReport
}

// Start transitions the protocol to Running and starts its probes and
// stores. Per-probe start failures are logged, not fatal; if nothing useful
// could start the protocol falls back to Stopped within the same call.
// No-op when already running.
func (p *Protocol) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Protocol) startLocked() error {
	if p.running {
		return nil
	}

	p.running = true
	p.fireRunningChanged(true)
	if p.firstStart.IsZero() {
		p.firstStart = time.Now().UTC()
	}
	if p.registry != nil {
		p.registry.AddRunningProtocolID(p.id)
	}
	p.logger.Info("protocol starting")

	// Fail-safe shutdown beats a half-initialized running state: anything
	// that keeps the pipeline from being useful sets mustStop, and Stop is
	// invoked before returning.
	mustStop := false

	started := 0
	for _, probe := range p.probes {
		if !probe.Enabled() {
			continue
		}
		if err := probe.Start(); err != nil {
			p.logger.Error("probe failed to start",
				zap.String("probe", probe.Kind()),
				zap.Error(err))
			continue
		}
		started++
	}

	if started == 0 {
		p.logger.Warn("no probes started, stopping protocol")
		mustStop = true
	} else {
		if err := p.local.Start(); err != nil {
			p.logger.Error("local store failed to start", zap.Error(err))
			mustStop = true
		} else if err := p.remote.Start(); err != nil {
			p.logger.Error("remote store failed to start", zap.Error(err))
			mustStop = true
		}
	}

	if mustStop {
		p.stopLocked()
		return fmt.Errorf("protocol %s could not stay running", p.name)
	}

	p.logger.Info("protocol started", zap.Int("probes", started))
	return nil
}

// Stop transitions the protocol to Stopped, stopping probes then the local
// then the remote store. Every failure is logged, none propagates.
// No-op when already stopped.
func (p *Protocol) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Protocol) stopLocked() {
	if !p.running {
		return
	}

	p.running = false
	p.fireRunningChanged(false)
	if p.registry != nil {
		p.registry.RemoveRunningProtocolID(p.id)
	}

	for _, probe := range p.probes {
		if !probe.Running() {
			continue
		}
		if err := probe.Stop(); err != nil {
			p.logger.Error("probe failed to stop",
				zap.String("probe", probe.Kind()),
				zap.Error(err))
		}
	}

	if p.local != nil {
		if err := p.local.Stop(); err != nil {
			p.logger.Error("local store failed to stop", zap.Error(err))
		}
	}
	if p.remote != nil {
		if err := p.remote.Stop(); err != nil {
			p.logger.Error("remote store failed to stop", zap.Error(err))
		}
	}

	p.logger.Info("protocol stopped")
}

// TestHealth checks and repairs the protocol's subsystems. A protocol that
// should be running but is not gets a stop+start cycle first. Degraded
// stores and probes are restarted; restart failures are logged and folded
// into the report. A report is always produced, even when nothing failed.
// ctx is polled between units so a canceled sweep stops early.
func (p *Protocol) TestHealth(ctx context.Context) domain.ProtocolReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	var health domain.HealthResult

	if !p.running {
		health.Merge(domain.HealthResult{
			Degraded: true,
			Error:    "protocol was not running; attempting restart",
		})
		p.stopLocked()
		if err := p.startLocked(); err != nil {
			health.Merge(domain.HealthResult{
				Degraded: true,
				Error:    fmt.Sprintf("protocol restart failed: %v", err),
			})
		}
	}

	if p.running {
		p.testStoreLocked(ctx, "local store", p.local, &health)
		p.testStoreLocked(ctx, "remote store", p.remote, &health)

		for _, probe := range p.probes {
			if ctx.Err() != nil {
				health.Merge(domain.HealthResult{Misc: "health test canceled"})
				break
			}
			if !probe.Enabled() {
				continue
			}
			result := probe.TestHealth()
			health.Merge(result)
			if result.Degraded {
				if err := probe.Restart(); err != nil {
					health.Merge(domain.HealthResult{
						Error: fmt.Sprintf("failed to restart %s probe: %v", probe.Kind(), err),
					})
					p.logger.Error("probe restart failed",
						zap.String("probe", probe.Kind()),
						zap.Error(err))
				}
			}
		}
	}

	report := health.Report()
	p.mostRecentReport = &report
	p.logger.Debug("health test completed",
		zap.Bool("degraded", health.Degraded))
	return report
}

func (p *Protocol) testStoreLocked(ctx context.Context, name string, ds domain.DataStore, health *domain.HealthResult) {
	if ds == nil || ctx.Err() != nil {
		return
	}
	result := ds.TestHealth()
	health.Merge(result)
	if result.Degraded {
		if err := ds.Restart(); err != nil {
			health.Merge(domain.HealthResult{
				Error: fmt.Sprintf("failed to restart %s: %v", name, err),
			})
			p.logger.Error("store restart failed",
				zap.String("store", name),
				zap.Error(err))
		}
	}
}

// StoreMostRecentReport appends the latest report to the local data store
// as a non-probe datum. When the local store does not forward to the remote
// store and the protocol forces report forwarding, the report also goes
// directly to the remote store.
func (p *Protocol) StoreMostRecentReport() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mostRecentReport == nil {
		return nil
	}

	d := p.mostRecentReport.Datum(p.id)
	if err := p.local.AddNonProbeDatum(d); err != nil {
		return fmt.Errorf("failed to store report locally: %w", err)
	}

	if !p.local.ForwardToRemote() && p.def.ForceReportForward {
		if err := p.remote.AddNonProbeDatum(d); err != nil {
			return fmt.Errorf("failed to forward report remotely: %w", err)
		}
	}
	return nil
}

// fireRunningChanged must be called with the lock held, immediately after
// flipping the flag, so exactly one notification fires per transition.
func (p *Protocol) fireRunningChanged(running bool) {
	if p.onRunningChanged != nil {
		p.onRunningChanged(running)
	}
}

var _ store.ProbeSource = (*Protocol)(nil)
