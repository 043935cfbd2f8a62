package protocol

// ErrorCode classifies a client-visible failure. Codes are stable wire
// values; messages are advisory.
type ErrorCode string

const (
	// ErrUnauthorized: the connection has no authenticated identity, or the
	// credential was bad/expired. Connection-level; the socket survives.
	ErrUnauthorized ErrorCode = "unauthorized"

	// ErrForbidden: authenticated but not allowed into the room. The join is
	// rejected; the participant is never added.
	ErrForbidden ErrorCode = "forbidden"

	// ErrValidation: malformed payload. The event is dropped and logged; the
	// connection survives.
	ErrValidation ErrorCode = "validation_failed"

	// ErrNotFound: reference to a nonexistent room or operation. Ignored by
	// the server beyond this reply.
	ErrNotFound ErrorCode = "not_found"

	// ErrCapacity: the connection's outbound queue overflowed; the offending
	// connection is force-disconnected and expected to auto-reconnect.
	ErrCapacity ErrorCode = "capacity_exceeded"

	// ErrInternal: a handler failed unexpectedly. The error was logged; the
	// room actor and the process keep running.
	ErrInternal ErrorCode = "internal"
)

// String returns the wire value of the code.
func (c ErrorCode) String() string {
	return string(c)
}

// ErrorPayload is the payload of error and auth_error events.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}
