package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	processCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cloudflared",
		Name:      "cpu_percent",
		Help:      "CPU usage of the running cloudflared process.",
	})
	processMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cloudflared",
		Name:      "memory_rss_bytes",
		Help:      "Resident memory of the running cloudflared process.",
	})
	processThreads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cloudflared",
		Name:      "threads",
		Help:      "Thread count of the running cloudflared process.",
	})
)

// ProcessStats holds CPU and memory figures for one process.
type ProcessStats struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads current resource usage for pid and updates the
// cloudflared gauges when metrics are registered.
func SampleProcess(pid int) (ProcessStats, error) {
	if pid <= 0 {
		return ProcessStats{}, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	st := ProcessStats{PID: int32(pid), Timestamp: time.Now()}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		st.MemoryRSS = mem.RSS
		st.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreads(); err == nil {
		st.NumThreads = n
	}
	if regOK.Load() {
		processCPUPercent.Set(st.CPUPercent)
		processMemoryBytes.Set(float64(st.MemoryRSS))
		processThreads.Set(float64(st.NumThreads))
	}
	return st, nil
}

// ResetProcess zeroes the cloudflared gauges after the process exits.
func ResetProcess() {
	if regOK.Load() {
		processCPUPercent.Set(0)
		processMemoryBytes.Set(0)
		processThreads.Set(0)
	}
}
