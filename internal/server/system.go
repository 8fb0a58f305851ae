package server

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// systemInfo describes the machine the supervisor runs on. Fields that
// cannot be read are left zero.
type systemInfo struct {
	Hostname        string  `json:"hostname"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelVersion   string  `json:"kernel_version"`
	Arch            string  `json:"arch"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	CPUCount        int     `json:"cpu_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemTotal        uint64  `json:"mem_total"`
	MemUsed         uint64  `json:"mem_used"`
	MemUsedPercent  float64 `json:"mem_used_percent"`
	GoVersion       string  `json:"go_version"`
}

func collectSystem(ctx context.Context) systemInfo {
	info := systemInfo{OS: runtime.GOOS, Arch: runtime.GOARCH, GoVersion: runtime.Version()}
	if h, err := host.InfoWithContext(ctx); err == nil && h != nil {
		info.Hostname = h.Hostname
		if h.OS != "" {
			info.OS = h.OS
		}
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		if h.KernelArch != "" {
			info.Arch = h.KernelArch
		}
		info.UptimeSeconds = h.Uptime
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCount = n
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		info.CPUPercent = round2(p[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.MemTotal = vm.Total
		info.MemUsed = vm.Used
		info.MemUsedPercent = round2(vm.UsedPercent)
	}
	return info
}
