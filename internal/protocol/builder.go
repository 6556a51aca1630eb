package protocol

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/probe"
	"github.com/probelab/sensd/internal/sched"
	"github.com/probelab/sensd/internal/store"
)

// Default commit intervals for definitions that omit them.
const (
	DefaultLocalCommitInterval  = time.Minute
	DefaultRemoteCommitInterval = 5 * time.Minute
)

// BuildDeps carries everything needed to materialize a protocol from its
// definition.
type BuildDeps struct {
	BaseDir   string
	StoreKey  []byte
	Probes    *probe.Registry
	Scheduler *sched.Scheduler
	Registry  RunningRegistry
	Sink      domain.Sink
	Logger    *zap.Logger
}

// Build materializes a protocol from a definition: fresh id and storage
// directory, probes from the static registry, one encrypted local store and
// one remote store draining to the sink. Serialized ids and directories are
// never reused, so a shared definition imports cleanly on many devices.
func Build(def domain.ProtocolDefinition, deps BuildDeps) (*Protocol, error) {
	p := New(def, deps.BaseDir, deps.Registry, deps.Logger)

	probes := make([]domain.Probe, 0, len(def.Probes))
	for _, pd := range def.Probes {
		pr, err := deps.Probes.Build(pd, deps.Scheduler, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build probe for protocol %s: %w", def.Name, err)
		}
		probes = append(probes, pr)
	}
	p.SetProbes(probes)

	localInterval := def.LocalCommitInterval
	if localInterval <= 0 {
		localInterval = DefaultLocalCommitInterval
	}
	remoteInterval := def.RemoteCommitInterval
	if remoteInterval <= 0 {
		remoteInterval = DefaultRemoteCommitInterval
	}

	local := store.NewLocalStore(p.StorageDir(), deps.StoreKey, localInterval, def.ForwardToRemote, deps.Scheduler, deps.Logger)
	p.SetLocalStore(local)

	remote := store.NewRemoteStore(local, deps.Sink, remoteInterval, deps.Scheduler, deps.Logger)
	p.SetRemoteStore(remote)

	return p, nil
}
