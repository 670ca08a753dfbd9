package live

import "time"

// ConnectionState is the state of the client's single logical connection.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosing
	StateClosed
)

func (state ConnectionState) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives every state transition.
type ConnectionStateListener interface {
	ConnectionStateChanged(ConnectionState)
}

// ConnectionStateListenerFunc adapts a function to ConnectionStateListener.
type ConnectionStateListenerFunc func(ConnectionState)

func (f ConnectionStateListenerFunc) ConnectionStateChanged(state ConnectionState) { f(state) }

// StatusKind is the user-facing connectivity signal.
type StatusKind int

const (
	// StatusConnected follows a completed handshake.
	StatusConnected StatusKind = iota
	// StatusReconnecting reports a transient failure and the scheduled retry.
	StatusReconnecting
	// StatusGaveUp is terminal: reconnect attempts are exhausted.
	StatusGaveUp
	// StatusDisconnected follows an explicit disconnect or a normal closure.
	StatusDisconnected
)

func (kind StatusKind) String() string {
	switch kind {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusGaveUp:
		return "gave up"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Status is delivered to StatusListeners. Attempt and Delay are set for
// StatusReconnecting; Err carries the failure that caused the change.
type Status struct {
	Kind     StatusKind
	Identity string
	Attempt  int
	Delay    time.Duration
	Err      error
}

// StatusListener receives connectivity status changes.
type StatusListener interface {
	StatusChanged(Status)
}

// StatusListenerFunc adapts a function to StatusListener.
type StatusListenerFunc func(Status)

func (f StatusListenerFunc) StatusChanged(status Status) { f(status) }
