package agent

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"vmgate/core/api"
)

// collectHostStats gathers what gopsutil can report. Missing probes leave
// their fields zero and are joined into the returned error.
func collectHostStats(ctx context.Context) (*api.HostStats, error) {
	stats := &api.HostStats{}
	var errs []error

	if info, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		stats.OS = info.OS
		stats.Platform = info.Platform
		stats.PlatformVersion = info.PlatformVersion
		stats.KernelVersion = info.KernelVersion
		stats.HostUptime = info.Uptime
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		errs = append(errs, err)
	} else {
		stats.CPUCount = n
	}

	// interval 0 compares against the previous call
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, err)
	} else if len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		stats.MemoryTotal = vm.Total
		stats.MemoryUsed = vm.Used
		stats.MemoryPercent = vm.UsedPercent
	}

	return stats, errors.Join(errs...)
}
