package doctor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host is the capacity of the machine running the pool.
type Host struct {
	PhysicalCores int
	LogicalCores  int
	MemoryBytes   uint64
}

// HostProbe measures the host.
type HostProbe func(ctx context.Context) (Host, error)

// DiskProbe reports free bytes on the filesystem holding path.
type DiskProbe func(ctx context.Context, path string) (uint64, error)

// ProbeHost reads core counts and total memory.
func ProbeHost(ctx context.Context) (Host, error) {
	var h Host
	physical, err := cpu.CountsWithContext(ctx, false)
	if err != nil {
		return h, fmt.Errorf("count physical cores: %w", err)
	}
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return h, fmt.Errorf("count logical cores: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return h, fmt.Errorf("read memory: %w", err)
	}
	h.PhysicalCores = physical
	h.LogicalCores = logical
	h.MemoryBytes = vm.Total
	return h, nil
}

// ProbeDisk returns the free space of the filesystem holding path.
func ProbeDisk(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}

// PoolSize resolves the configured pool size. Zero means one slot per
// physical core, leaving one core for the host, and never fewer than one.
func (h Host) PoolSize(configured int) int {
	if configured > 0 {
		return configured
	}
	return max(1, h.PhysicalCores-1)
}
