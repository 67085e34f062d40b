package client

// State is the connection manager's position in its lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionChange is delivered to subscribers on every state transition.
type ConnectionChange struct {
	State State
	// Remote is the endpoint the manager is targeting.
	Remote string
	// Repairing is set on a Disconnected change when the manager has
	// already queued a redial of Remote.
	Repairing bool
}

// Connected reports whether the transition left the manager connected.
func (c ConnectionChange) Connected() bool { return c.State == Connected }

// Connecting reports whether an establishment is running.
func (c ConnectionChange) Connecting() bool { return c.State == Connecting }
