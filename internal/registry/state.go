package registry

// State is a connection lifecycle state.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	// StateError is terminal and reachable from any other state.
	StateError
)

var stateNames = [...]string{
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateDisconnected: "disconnected",
	StateError:        "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// CanTransition reports whether a connection may move from one state to
// another.
func CanTransition(from, to State) bool {
	if from == StateError {
		return false
	}
	if to == StateError {
		return true
	}
	switch from {
	case StateConnecting:
		return to == StateConnected || to == StateDisconnected
	case StateConnected:
		return to == StateReconnecting || to == StateDisconnected
	case StateReconnecting:
		return to == StateConnected || to == StateDisconnected
	default:
		return false
	}
}
