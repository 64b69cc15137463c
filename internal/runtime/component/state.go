package component

// State is a step of the component lifecycle. States only move forward.
type State int

const (
	StateCreated State = iota
	StateConfigured
	StateConnected
	StateRunning
	StateShuttingDown
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateCleanedUp:
		return "cleaned_up"
	default:
		return "unknown"
	}
}
