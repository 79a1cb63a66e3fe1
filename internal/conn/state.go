package conn

// State is the lifecycle state of the one logical server connection. It is
// owned exclusively by the Manager; every mutation funnels through
// Manager.setState so concurrent loops serialize their transitions.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// live reports whether the wire is usable for writes.
func (s State) live() bool {
	return s == StateConnected || s == StateAuthenticating || s == StateAuthenticated
}
