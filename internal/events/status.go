package events

// Status is the operator-visible state of the tunnel.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusStartError Status = "start_error"
)

// Statuses lists every Status, in display order.
var Statuses = []Status{StatusStopped, StatusStarting, StatusRunning, StatusStopping, StatusStartError}

func (s Status) String() string { return string(s) }
