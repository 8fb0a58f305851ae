package client

import "time"

// Status mirrors GET /status.
type Status struct {
	Status          string         `json:"status"`
	Phase           string         `json:"phase"`
	Running         bool           `json:"running"`
	TunnelURL       string         `json:"tunnel_url"`
	LastTunnelURL   string         `json:"last_tunnel_url"`
	RetryCount      int            `json:"retry_count"`
	DisconnectCount int            `json:"disconnect_count"`
	TunnelStarts    int            `json:"tunnel_starts"`
	Internet        bool           `json:"internet"`
	LatencyMs       float64        `json:"latency_ms"`
	LatencyKnown    bool           `json:"latency_known"`
	LastCheck       time.Time      `json:"last_check"`
	MonitorStarted  time.Time      `json:"monitor_started"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	SessionID       string         `json:"session_id"`
	PID             int            `json:"pid"`
	LastError       string         `json:"last_error,omitempty"`
	Process         *ProcessStatus `json:"process,omitempty"`
}

// ProcessStatus is the resource usage of the live cloudflared.
type ProcessStatus struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
}

// LogEntry mirrors one element of GET /logs.
type LogEntry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// PingResult mirrors GET /ping/test.
type PingResult struct {
	Success   bool      `json:"success"`
	Host      string    `json:"host"`
	Timestamp time.Time `json:"timestamp"`
	Ping      *float64  `json:"ping,omitempty"`
	Via       string    `json:"via,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
