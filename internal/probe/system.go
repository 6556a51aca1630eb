package probe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/sched"
)

// Probe kind names. These are the values a protocol definition references.
const (
	KindCPU    = "cpu"
	KindMemory = "memory"
	KindHost   = "host"
)

// DefaultPollInterval is used when a definition omits the probe interval.
const DefaultPollInterval = 30 * time.Second

type cpuSample struct {
	Percent float64 `json:"percent"`
}

type memorySample struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

type hostSample struct {
	UptimeSec uint64  `json:"uptime_sec"`
	Load1     float64 `json:"load1"`
	Load5     float64 `json:"load5"`
	Load15    float64 `json:"load15"`
}

// NewCPUProbe samples total CPU utilization via gopsutil.
func NewCPUProbe(enabled bool, interval time.Duration, scheduler *sched.Scheduler, logger *zap.Logger) *PollingProbe {
	var p *PollingProbe
	p = NewPollingProbe(KindCPU, enabled, interval, func(ctx context.Context) ([]domain.Datum, error) {
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return nil, err
		}
		var sample cpuSample
		if len(percents) > 0 {
			sample.Percent = percents[0]
		}
		payload, err := json.Marshal(sample)
		if err != nil {
			return nil, err
		}
		return []domain.Datum{domain.NewDatum(p.ID(), KindCPU, payload)}, nil
	}, scheduler, logger)
	return p
}

// NewMemoryProbe samples virtual memory usage via gopsutil.
func NewMemoryProbe(enabled bool, interval time.Duration, scheduler *sched.Scheduler, logger *zap.Logger) *PollingProbe {
	var p *PollingProbe
	p = NewPollingProbe(KindMemory, enabled, interval, func(ctx context.Context) ([]domain.Datum, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(memorySample{
			Total:       vm.Total,
			Used:        vm.Used,
			UsedPercent: vm.UsedPercent,
		})
		if err != nil {
			return nil, err
		}
		return []domain.Datum{domain.NewDatum(p.ID(), KindMemory, payload)}, nil
	}, scheduler, logger)
	return p
}

// NewHostProbe samples host uptime and load averages via gopsutil.
func NewHostProbe(enabled bool, interval time.Duration, scheduler *sched.Scheduler, logger *zap.Logger) *PollingProbe {
	var p *PollingProbe
	p = NewPollingProbe(KindHost, enabled, interval, func(ctx context.Context) ([]domain.Datum, error) {
		uptime, err := host.UptimeWithContext(ctx)
		if err != nil {
			return nil, err
		}
		sample := hostSample{UptimeSec: uptime}
		// Load averages are unavailable on some platforms; report uptime alone.
		if avg, err := load.AvgWithContext(ctx); err == nil {
			sample.Load1 = avg.Load1
			sample.Load5 = avg.Load5
			sample.Load15 = avg.Load15
		}
		payload, err := json.Marshal(sample)
		if err != nil {
			return nil, err
		}
		return []domain.Datum{domain.NewDatum(p.ID(), KindHost, payload)}, nil
	}, scheduler, logger)
	return p
}
