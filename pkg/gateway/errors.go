package gateway

import "errors"

// Error types for gateway operation.
var (
	// ErrSendQueueFull is returned by enqueue when a connection's
	// outbound queue overflows; the connection is then force-closed.
	ErrSendQueueFull = errors.New("gateway: send queue full")

	// ErrConnClosed is returned when writing to a closed connection.
	ErrConnClosed = errors.New("gateway: connection closed")

	// ErrServerClosed is returned by Start after a graceful shutdown.
	ErrServerClosed = errors.New("gateway: server closed")
)
