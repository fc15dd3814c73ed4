// Package health implements the host resource snapshot the /healthz
// endpoint surfaces alongside pipeline progress, so operators
// can tell a stalled pass apart from a saturated node (spec.md §9 DOMAIN
// STACK).
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time read of host resource usage.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpuPercent"`
	MemoryUsedPct  float64   `json:"memoryUsedPercent"`
	MemoryTotalMB  uint64    `json:"memoryTotalMb"`
	LoadAverage1m  float64   `json:"loadAverage1m"`
}

// Snapshotter takes a Snapshot. It is overridable in tests so they don't
// depend on the real host's /proc.
type Snapshotter func(ctx context.Context) (Snapshot, error)

// Collect reads CPU, memory, and load averages via gopsutil (spec.md §9).
// On platforms without load-average support, LoadAverage1m is left at 0
// rather than failing the whole snapshot.
func Collect(ctx context.Context) (Snapshot, error) {
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("health: cpu percent: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("health: virtual memory: %w", err)
	}

	var loadAvg1 float64
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		loadAvg1 = avg.Load1
	}

	return Snapshot{
		Timestamp:     time.Now(),
		CPUPercent:    cpuPct,
		MemoryUsedPct: vm.UsedPercent,
		MemoryTotalMB: vm.Total / (1024 * 1024),
		LoadAverage1m: loadAvg1,
	}, nil
}
