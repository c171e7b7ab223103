package domain

// SessionState is the lifecycle state of the single chat session.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	// StateFailed means Connect returned an error. The session stays unusable
	// until the process restarts.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
