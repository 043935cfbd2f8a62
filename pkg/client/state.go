package client

// ConnState is the connection lifecycle state of a session.
type ConnState int

const (
	// StateDisconnected means no transport is open. The session moves
	// here between reconnect attempts.
	StateDisconnected ConnState = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateAuthenticating means the transport is open and the credential
	// has been presented.
	StateAuthenticating

	// StateJoining means authentication succeeded and the room join or
	// post-reconnect resync is in progress.
	StateJoining

	// StateSynced means the session is live: local state matches the
	// server and operations flow in both directions.
	StateSynced

	// StateFailed is terminal: the retry budget is exhausted or the
	// credential was rejected. A new session is required.
	StateFailed
)

// String returns the state name used in logs and callbacks.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoining:
		return "joining"
	case StateSynced:
		return "synced"
	case StateFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}
