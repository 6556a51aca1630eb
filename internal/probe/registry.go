package probe

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/sched"
)

// Factory builds a probe from its definition.
type Factory func(def domain.ProbeDefinition, scheduler *sched.Scheduler, logger *zap.Logger) (domain.Probe, error)

// Registry is the static table mapping probe kinds to factories, built at
// startup rather than discovered at runtime.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with all built-in probe kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register(KindCPU, func(def domain.ProbeDefinition, s *sched.Scheduler, l *zap.Logger) (domain.Probe, error) {
		return NewCPUProbe(def.Enabled, intervalOrDefault(def.PollInterval), s, l), nil
	})
	r.Register(KindMemory, func(def domain.ProbeDefinition, s *sched.Scheduler, l *zap.Logger) (domain.Probe, error) {
		return NewMemoryProbe(def.Enabled, intervalOrDefault(def.PollInterval), s, l), nil
	})
	r.Register(KindHost, func(def domain.ProbeDefinition, s *sched.Scheduler, l *zap.Logger) (domain.Probe, error) {
		return NewHostProbe(def.Enabled, intervalOrDefault(def.PollInterval), s, l), nil
	})

	return r
}

// Register adds a factory for a probe kind.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Kinds returns all registered probe kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Build materializes a probe from its definition.
func (r *Registry) Build(def domain.ProbeDefinition, scheduler *sched.Scheduler, logger *zap.Logger) (domain.Probe, error) {
	f, ok := r.factories[def.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown probe kind %q", def.Kind)
	}
	return f(def, scheduler, logger)
}

func intervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPollInterval
	}
	return d
}
