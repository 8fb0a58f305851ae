package process

// State is the lifecycle of a single Handle. Exit states are absorbing.
type State int

const (
	StateRunning State = iota
	StateGracefulExit
	StateForcedExit
	StateAlreadyDead
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateGracefulExit:
		return "graceful_exit"
	case StateForcedExit:
		return "forced_exit"
	case StateAlreadyDead:
		return "already_dead"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// StopOutcome tells how a Stop call ended.
type StopOutcome int

const (
	StopGraceful StopOutcome = iota
	StopForced
	StopAlreadyDead
	StopFailed
)

func (o StopOutcome) String() string {
	switch o {
	case StopGraceful:
		return "graceful"
	case StopForced:
		return "forced"
	case StopAlreadyDead:
		return "already_dead"
	case StopFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (o StopOutcome) state() State {
	switch o {
	case StopGraceful:
		return StateGracefulExit
	case StopForced:
		return StateForcedExit
	case StopAlreadyDead:
		return StateAlreadyDead
	default:
		return StateAbandoned
	}
}

func outcomeOf(s State) StopOutcome {
	switch s {
	case StateGracefulExit:
		return StopGraceful
	case StateForcedExit:
		return StopForced
	case StateAlreadyDead:
		return StopAlreadyDead
	default:
		return StopFailed
	}
}
