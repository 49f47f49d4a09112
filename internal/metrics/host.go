package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

const bytesPerMB = 1024 * 1024

// DefaultSampleInterval is used when a Sampler has no interval set.
const DefaultSampleInterval = 15 * time.Second

// HostStats is one sample of host utilisation.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
}

// SampleHost reads current CPU and memory utilisation. CPU is measured
// since the previous call.
func SampleHost(ctx context.Context) (HostStats, error) {
	var stats HostStats

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, fmt.Errorf("reading cpu usage: %w", err)
	}
	if len(percents) == 0 {
		return stats, errors.New("reading cpu usage: no data")
	}
	stats.CPUPercent = percents[0]

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("reading memory usage: %w", err)
	}
	stats.MemoryPercent = vm.UsedPercent
	stats.MemoryUsedMB = float64(vm.Used) / bytesPerMB
	stats.MemoryTotalMB = float64(vm.Total) / bytesPerMB

	return stats, nil
}

// Logger is the logging interface used by the sampler.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Sampler periodically records host utilisation and relay group counts
// into the gauges. It runs as a supervised service.
type Sampler struct {
	Interval time.Duration
	Logger   Logger

	// Groups, when set, reports the current relay group count.
	Groups func() int
}

// Serve samples until ctx is cancelled.
func (s *Sampler) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sample(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	if s.Groups != nil {
		SetRelayGroups(s.Groups())
	}

	stats, err := SampleHost(ctx)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("host sample failed", "error", err)
		}
		return
	}
	SetHostStats(stats.CPUPercent, stats.MemoryPercent)
	if s.Logger != nil {
		s.Logger.Debug("host sampled", "cpu_percent", stats.CPUPercent, "memory_percent", stats.MemoryPercent)
	}
}

func (s *Sampler) String() string { return "metrics-sampler" }
