package sysinfo

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const gib = 1024 * 1024 * 1024

// Overview is a snapshot of host-level metrics.
type Overview struct {
	Hostname         string  `json:"hostname,omitempty"`
	Platform         string  `json:"platform,omitempty"`
	CPUCount         int     `json:"cpu_count"`
	CPUUsagePercent  float32 `json:"cpu_usage_percent"`
	RAMTotalGB       float64 `json:"ram_total_gb"`
	RAMUsagePercent  float32 `json:"ram_usage_percent"`
	WorkspacePath    string  `json:"workspace_path"`
	TotalDiskSpaceGB float64 `json:"total_disk_space_gb"`
	FreeDiskSpaceGB  float64 `json:"free_disk_space_gb"`
	UptimeSeconds    uint64  `json:"uptime_seconds"`
	CollectedAt      string  `json:"collected_at"`
}

// Collect gathers an Overview. Disk figures are for the filesystem holding
// workspaceDir. Individual probe failures are logged and leave zero values.
func Collect(ctx context.Context, workspaceDir string, logger *zap.Logger) Overview {
	overview := Overview{WorkspacePath: workspaceDir, CollectedAt: time.Now().UTC().Format(time.RFC3339)}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		logger.Warn("Failed to count CPUs", zap.Error(err))
	} else {
		overview.CPUCount = n
	}

	cpuPercentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercentages) > 0 {
		overview.CPUUsagePercent = float32(cpuPercentages[0])
	}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.Warn("Failed to get virtual memory stats", zap.Error(err))
	} else {
		overview.RAMTotalGB = float64(vmStat.Total) / gib
		overview.RAMUsagePercent = float32(vmStat.UsedPercent)
	}

	if workspaceDir != "" {
		usage, err := disk.UsageWithContext(ctx, workspaceDir)
		if err != nil {
			logger.Warn("Failed to get disk usage stats", zap.String("path", workspaceDir), zap.Error(err))
		} else {
			overview.TotalDiskSpaceGB = float64(usage.Total) / gib
			overview.FreeDiskSpaceGB = float64(usage.Free) / gib
		}
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		logger.Warn("Failed to get host info", zap.Error(err))
	} else {
		overview.Hostname = info.Hostname
		overview.Platform = info.Platform
		overview.UptimeSeconds = info.Uptime
	}

	return overview
}
