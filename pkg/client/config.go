package client

import "time"

// Config configures a client session.
type Config struct {
	// URL is the gateway WebSocket endpoint, e.g. "ws://host:8090/ws".
	URL string

	// Token is the credential presented on every (re)connect.
	Token string

	// Room is the room to join after authenticating.
	Room string

	// DialTimeout bounds one connection attempt. Default: 10 seconds.
	DialTimeout time.Duration

	// InitialBackoff is the delay before the first reconnect attempt;
	// each subsequent attempt doubles it up to MaxBackoff.
	// Default: 500 milliseconds.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Default: 30 seconds.
	MaxBackoff time.Duration

	// MaxAttempts is how many consecutive failed connection attempts are
	// tolerated before the session moves to the terminal
	// connection_failed state. Default: 8.
	MaxAttempts int

	// CursorThrottle is the minimum interval between outbound cursor
	// updates; intermediate positions are dropped, the latest wins.
	// Default: 50 milliseconds.
	CursorThrottle time.Duration

	// CursorMinDelta suppresses cursor updates that moved less than this
	// many canvas units since the last send. Default: 1.0.
	CursorMinDelta float64

	// TypingIdle is how long after the last typing activity the session
	// emits typing_stop on the user's behalf. Default: 3 seconds.
	TypingIdle time.Duration
}

// DefaultConfig returns a Config with sensible defaults. URL, Token and
// Room must still be set.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    8,
		CursorThrottle: 50 * time.Millisecond,
		CursorMinDelta: 1.0,
		TypingIdle:     3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.CursorThrottle <= 0 {
		c.CursorThrottle = d.CursorThrottle
	}
	if c.CursorMinDelta <= 0 {
		c.CursorMinDelta = d.CursorMinDelta
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = d.TypingIdle
	}
	return c
}

// backoffFor returns the delay before the given attempt (1-based),
// doubling from InitialBackoff up to MaxBackoff.
func (c Config) backoffFor(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
