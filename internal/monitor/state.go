package monitor

import (
	"time"

	"github.com/loykin/tunnelmon/internal/events"
)

// Phase is the monitor loop's position in its state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnectedNoTunnel
	PhaseConnectedRunning
	PhaseDisconnectedBackoff
	PhaseDisconnectedLongWait
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnectedNoTunnel:
		return "connected_no_tunnel"
	case PhaseConnectedRunning:
		return "connected_running"
	case PhaseDisconnectedBackoff:
		return "disconnected_backoff"
	case PhaseDisconnectedLongWait:
		return "disconnected_long_wait"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Connected reports whether the phase follows a successful probe.
func (p Phase) Connected() bool {
	return p == PhaseConnectedNoTunnel || p == PhaseConnectedRunning
}

// State is a point-in-time copy of the loop's bookkeeping. Only the loop
// mutates the original; everyone else reads snapshots.
type State struct {
	Status          events.Status `json:"status"`
	Phase           Phase         `json:"phase"`
	RetryCount      int           `json:"retry_count"`
	LastTunnelURL   string        `json:"last_tunnel_url"`
	UptimeStart     time.Time     `json:"uptime_start"`
	Uptime          time.Duration `json:"uptime"`
	DisconnectCount int           `json:"disconnect_count"`
	TunnelStarts    int           `json:"tunnel_starts"`
	LastCheck       time.Time     `json:"last_check"`
	Internet        bool          `json:"internet"`
	LatencyMs       float64       `json:"latency_ms"`
	LatencyKnown    bool          `json:"latency_known"`
	MonitorStarted  time.Time     `json:"monitor_started"`
	SessionID       string        `json:"session_id"`
	PID             int           `json:"pid"`
	LastError       string        `json:"last_error,omitempty"`
}

// UptimeAt returns the tunnel uptime as of now, or 0 when not running.
func (s State) UptimeAt(now time.Time) time.Duration {
	if s.Status != events.StatusRunning || s.UptimeStart.IsZero() {
		return 0
	}
	return now.Sub(s.UptimeStart)
}
