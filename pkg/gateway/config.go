package gateway

import (
	"net/http"
	"time"
)

// Config configures the gateway server.
type Config struct {
	// Address is the listen address. Default: ":8090".
	Address string

	// AuthTimeout is how long a fresh connection may remain unauthenticated
	// before it is closed. Default: 10 seconds.
	AuthTimeout time.Duration

	// ReadTimeout is the WebSocket read deadline, renewed on every inbound
	// message and pong. Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the per-message write deadline. Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is how often the server pings idle connections.
	// Must be shorter than ReadTimeout. Default: 30 seconds.
	HeartbeatInterval time.Duration

	// SendQueueSize is the per-connection outbound queue depth. A
	// connection that cannot drain its queue is force-disconnected rather
	// than allowed to stall the broadcast path. Default: 64.
	SendQueueSize int

	// MaxMessageSize caps inbound message size in bytes. Default: 64 KiB.
	MaxMessageSize int64

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	// Default: 4096 each.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin header during the upgrade.
	// Default: allow all (put a reverse proxy in front for production).
	CheckOrigin func(r *http.Request) bool

	// ShutdownTimeout bounds graceful shutdown. Default: 10 seconds.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:           ":8090",
		AuthTimeout:       10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		SendQueueSize:     64,
		MaxMessageSize:    64 << 10,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       func(*http.Request) bool { return true },
		ShutdownTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}
