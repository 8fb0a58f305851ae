package history

import (
	"context"
	"time"
)

// EventType defines the kind of tunnel lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventURL        EventType = "url"
	EventDisconnect EventType = "disconnect"
	EventStartError EventType = "start_error"
)

// Record is the tunnel session an event belongs to.
type Record struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	TargetURL string `json:"target_url"`
	TunnelURL string `json:"tunnel_url,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return what they stored.
type Reader interface {
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// TableName is the relational table every SQL sink writes to.
const TableName = "tunnel_history"
