package rmq

// ConnectionState identifies where a ConnectionManager is in its connection lifecycle
type ConnectionState int

const (
	// StateDisconnected means no usable channel exists; a reconnect is pending unless
	// the manager has never been started
	StateDisconnected ConnectionState = iota

	// StateConnecting means a connection attempt (dial, channel open and setup task
	// replay) is in progress
	StateConnecting

	// StateConnected means every setup task has been applied to the current channel,
	// and the manager is listening
	StateConnected

	// StateClosed is terminal: the manager has been stopped and will not reconnect
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StateListener is notified of every state transition. err carries the cause of a
// transition to StateDisconnected, and is nil otherwise. Listeners are called
// synchronously and must not block.
type StateListener interface {
	OnStateChange(state ConnectionState, err error)
}

// StateListenerFunc adapts a plain function to the StateListener interface
type StateListenerFunc func(state ConnectionState, err error)

func (f StateListenerFunc) OnStateChange(state ConnectionState, err error) {
	f(state, err)
}
