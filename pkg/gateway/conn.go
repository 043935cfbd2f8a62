package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palettelabs/palettesync/pkg/auth"
	"github.com/palettelabs/palettesync/pkg/metrics"
	"github.com/palettelabs/palettesync/pkg/palette"
	"github.com/palettelabs/palettesync/pkg/protocol"
)

// Conn is one client WebSocket connection. Reads happen on a single
// goroutine, writes drain a bounded queue on another; a connection that
// cannot keep up with its queue is force-disconnected so one slow consumer
// never stalls a room's fan-out.
type Conn struct {
	id     string
	ws     *websocket.Conn
	srv    *Server
	logger *slog.Logger

	mu       sync.RWMutex
	identity auth.Identity
	authed   bool

	out  chan []byte
	done chan struct{}

	closed    atomic.Bool
	authTimer *time.Timer

	// closeReason is set by closeWithReason before done is closed; the
	// write loop reads it after observing done, which orders the accesses.
	closeReason string
}

func newConn(srv *Server, ws *websocket.Conn) *Conn {
	id := palette.NewID()
	return &Conn{
		id:     id,
		ws:     ws,
		srv:    srv,
		logger: srv.logger.With("component", "conn", "conn_id", id),
		out:    make(chan []byte, srv.config.SendQueueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// start launches the read and write loops and arms the authentication
// deadline.
func (c *Conn) start() {
	c.authTimer = time.AfterFunc(c.srv.config.AuthTimeout, func() {
		if c.isAuthenticated() {
			return
		}
		c.logger.Info("authentication deadline expired")
		c.send(protocol.NewEvent(protocol.KindAuthError, "", protocol.ErrorPayload{
			Code:    protocol.ErrUnauthorized,
			Message: "authentication timed out",
		}))
		c.closeWithReason("auth_timeout")
	})

	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) markAuthenticated(id auth.Identity) {
	c.mu.Lock()
	c.identity = id
	c.authed = true
	c.mu.Unlock()
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
}

func (c *Conn) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

// Identity returns the authenticated identity. Zero before authentication.
func (c *Conn) Identity() auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) readLoop() {
	defer c.closeWithReason("client_close")

	c.ws.SetReadLimit(c.srv.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))

		ev, err := protocol.DecodeEvent(msg)
		if err != nil {
			c.logger.Debug("undecodable event", "error", err)
			metrics.RecordValidationError()
			c.send(protocol.NewErrorEvent("", protocol.ErrValidation, "malformed event"))
			continue
		}

		c.srv.dispatch(c, ev)
	}
}

// writeLoop owns all writes to the socket, the close frame included: after
// done is observed it drains the remaining queued frames before writing the
// close frame, so events enqueued just before a close (an auth_error, a
// capacity error) still reach the client.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.srv.config.HeartbeatInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write error", "error", err)
				c.closeWithReason("write_error")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWithReason("heartbeat_failed")
				return
			}

		case <-c.done:
			c.drainAndCloseSocket()
			return
		}
	}
}

// drainAndCloseSocket flushes whatever is still queued and says goodbye.
func (c *Conn) drainAndCloseSocket() {
	for {
		select {
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason))
			return
		}
	}
}

// enqueue queues an encoded frame. On overflow the connection is closed and
// ErrSendQueueFull returned: a client this far behind is better served by
// reconnect-and-resync than by unbounded buffering.
func (c *Conn) enqueue(frame []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.logger.Warn("send queue overflow, disconnecting",
			"queue_size", cap(c.out))
		c.closeWithReason("slow_consumer")
		return ErrSendQueueFull
	}
}

// send encodes and queues an event for this connection.
func (c *Conn) send(ev protocol.Event) {
	frame, err := ev.Encode()
	if err != nil {
		c.logger.Error("encode event", "kind", ev.Kind, "error", err)
		return
	}
	if err := c.enqueue(frame); err != nil {
		c.logger.Debug("send dropped", "kind", ev.Kind, "error", err)
	}
}

// closeWithReason tears the connection down once. Safe to call from any
// goroutine and multiple times; only the first reason wins. The socket
// itself is closed by the write loop after it flushes the outbound queue.
func (c *Conn) closeWithReason(reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.closeReason = reason
	close(c.done)

	metrics.RecordConnectionClosed(reason)
	c.srv.onDisconnect(c)

	c.logger.Debug("connection closed", "reason", reason)
}
