package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"github.com/palettelabs/palettesync/pkg/auth"
	"github.com/palettelabs/palettesync/pkg/metrics"
	"github.com/palettelabs/palettesync/pkg/protocol"
	"github.com/palettelabs/palettesync/pkg/registry"
	"github.com/palettelabs/palettesync/pkg/store"
)

// dispatch routes one decoded event. Runs on the connection's read
// goroutine; room state mutations are serialized further down by the room
// actor, so handlers here stay lock-free.
func (s *Server) dispatch(c *Conn, ev *protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"kind", ev.Kind,
				"conn_id", c.ID(),
				"panic", r,
				"stack", string(debug.Stack()))
			c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrInternal, "internal error"))
			metrics.RecordEvent(string(ev.Kind), "error")
		}
	}()

	if err := protocol.Validate(ev); err != nil {
		metrics.RecordValidationError()
		metrics.RecordEvent(string(ev.Kind), "invalid")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrValidation, err.Error()))
		return
	}

	// Only authentication and ping are allowed pre-auth.
	switch ev.Kind {
	case protocol.KindAuthenticate:
		s.handleAuthenticate(c, ev)
		return
	case protocol.KindPing:
		s.handlePing(c, ev)
		return
	}

	if !c.isAuthenticated() {
		metrics.RecordEvent(string(ev.Kind), "unauthorized")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrUnauthorized, "authenticate first"))
		return
	}

	switch ev.Kind {
	case protocol.KindJoinRoom:
		s.handleJoinRoom(c, ev)
	case protocol.KindLeaveRoom:
		s.handleLeaveRoom(c, ev)
	case protocol.KindOperation:
		s.handleOperation(c, ev)
	case protocol.KindSyncRequest:
		s.handleSyncRequest(c, ev)
	case protocol.KindCursorMove:
		s.handleCursorMove(c, ev)
	case protocol.KindTypingStart:
		s.handleTyping(c, ev, true)
	case protocol.KindTypingStop:
		s.handleTyping(c, ev, false)
	case protocol.KindComment:
		s.handleComment(c, ev)
	default:
		// Validate already rejected unknown kinds; nothing reaches here.
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrValidation, "unsupported event"))
	}
}

func (s *Server) handleAuthenticate(c *Conn, ev *protocol.Event) {
	p, err := protocol.Decode[protocol.AuthenticatePayload](ev)
	if err != nil {
		metrics.RecordEvent("authenticate", "invalid")
		c.send(protocol.NewErrorEvent("", protocol.ErrValidation, "bad authenticate payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.AuthTimeout)
	defer cancel()

	identity, err := s.provider.Authenticate(ctx, p.Token)
	if err != nil {
		s.logger.Info("authentication failed", "conn_id", c.ID(), "error", err)
		metrics.RecordEvent("authenticate", "unauthorized")
		c.send(protocol.NewEvent(protocol.KindAuthError, "", protocol.ErrorPayload{
			Code:    protocol.ErrUnauthorized,
			Message: authErrorMessage(err),
		}))
		c.closeWithReason("auth_failed")
		return
	}

	c.markAuthenticated(identity)
	metrics.RecordEvent("authenticate", "ok")
	c.send(protocol.NewEvent(protocol.KindAuthenticated, "", protocol.AuthenticatedPayload{
		UserID:    identity.ID,
		Name:      identity.Name,
		AvatarURL: identity.AvatarURL,
	}))

	s.logger.Info("connection authenticated", "conn_id", c.ID(), "user_id", identity.ID)
}

// authErrorMessage keeps provider internals off the wire.
func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing token"
	case errors.Is(err, auth.ErrExpiredToken):
		return "token expired"
	case errors.Is(err, context.DeadlineExceeded):
		return "authentication timed out"
	default:
		return "invalid token"
	}
}

func (s *Server) handlePing(c *Conn, ev *protocol.Event) {
	p, err := protocol.Decode[protocol.PingPayload](ev)
	if err != nil {
		p = &protocol.PingPayload{}
	}
	c.send(protocol.NewEvent(protocol.KindPong, "", protocol.PongPayload{Timestamp: p.Timestamp}))
}

func (s *Server) handleJoinRoom(c *Conn, ev *protocol.Event) {
	identity := c.Identity()
	room, err := s.registry.GetOrCreate(ev.Room)
	if err != nil {
		metrics.RecordEvent("join_room", "error")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrInternal, "room unavailable"))
		return
	}

	participant := registry.Participant{
		UserID:    identity.ID,
		ConnID:    c.ID(),
		Name:      identity.Name,
		AvatarURL: identity.AvatarURL,
		Color:     colorFor(identity.ID),
	}

	state, err := room.Join(participant)
	if err != nil {
		if errors.Is(err, registry.ErrRoomFull) {
			metrics.RecordEvent("join_room", "capacity")
			c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrCapacity, "room is full"))
			return
		}
		metrics.RecordEvent("join_room", "error")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrInternal, "join failed"))
		return
	}

	// Hub membership after the registry accepts the join; broadcasts for
	// this room now include the new connection.
	s.hub.add(ev.Room, c)
	metrics.RecordEvent("join_room", "ok")

	c.send(protocol.NewEvent(protocol.KindRoomState, ev.Room, protocol.RoomStatePayload{
		Room:       state.Room,
		Members:    s.membersOf(ev.Room, state.Members),
		Operations: state.Operations,
		Document:   *state.Document,
		Clock:      state.Clock,
	}))

	// An operation recorded between the snapshot and the hub registration
	// was broadcast before this connection could hear it. Close the gap
	// with a delta against the snapshot clock; anything that instead raced
	// in after hub registration arrives twice, which operation application
	// tolerates.
	if res, err := room.Sync(state.Clock); err == nil {
		switch {
		case res.Full:
			c.send(protocol.NewEvent(protocol.KindFullSync, ev.Room, protocol.FullSyncPayload{
				Document: *res.Document,
				Clock:    res.Clock,
			}))
		case len(res.Operations) > 0:
			c.send(protocol.NewEvent(protocol.KindSyncOperations, ev.Room, protocol.SyncOperationsPayload{
				Operations: res.Operations,
				Clock:      res.Clock,
			}))
		}
	}

	joined := protocol.Member{
		UserID:    participant.UserID,
		ConnID:    participant.ConnID,
		Name:      participant.Name,
		AvatarURL: participant.AvatarURL,
		Color:     participant.Color,
	}
	s.broadcastEvent(ev.Room, protocol.NewEvent(protocol.KindUserJoined, ev.Room, protocol.UserJoinedPayload{
		Member: joined,
	}), c.ID())
	s.broadcastActiveUsers(ev.Room, room)
}

func (s *Server) handleLeaveRoom(c *Conn, ev *protocol.Event) {
	room, ok := s.registry.Get(ev.Room)
	if !ok {
		// Leaving a room that does not exist is a no-op.
		s.hub.remove(ev.Room, c.ID())
		return
	}

	s.hub.remove(ev.Room, c.ID())
	s.presence.Clear(ev.Room, c.ID())
	p, left := room.Leave(c.ID())
	metrics.RecordEvent("leave_room", "ok")
	if !left {
		return
	}

	s.broadcastEvent(ev.Room, protocol.NewEvent(protocol.KindUserLeft, ev.Room, protocol.UserLeftPayload{
		UserID: p.UserID,
		ConnID: p.ConnID,
	}), "")
	s.broadcastActiveUsers(ev.Room, room)
}

// requireMembership resolves the room and checks the connection joined it.
func (s *Server) requireMembership(c *Conn, ev *protocol.Event) (*registry.Room, bool) {
	if !s.hub.contains(ev.Room, c.ID()) {
		metrics.RecordEvent(string(ev.Kind), "forbidden")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrForbidden, "join the room first"))
		return nil, false
	}
	room, ok := s.registry.Get(ev.Room)
	if !ok {
		metrics.RecordEvent(string(ev.Kind), "not_found")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrNotFound, "room not found"))
		return nil, false
	}
	return room, true
}

func (s *Server) handleOperation(c *Conn, ev *protocol.Event) {
	room, ok := s.requireMembership(c, ev)
	if !ok {
		return
	}

	op, err := protocol.DecodeOperation(ev)
	if err != nil {
		metrics.RecordEvent("operation", "invalid")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrValidation, "bad operation"))
		return
	}

	// Origin is the authenticated user, never the client's claim.
	op.Origin = c.Identity().ID

	if _, err := room.RecordOperation(context.Background(), *op); err != nil {
		metrics.RecordEvent("operation", "invalid")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrValidation, "operation rejected"))
		return
	}
	metrics.RecordEvent("operation", "ok")
	// The accepted operation reaches every member, the sender included,
	// through the registry's operation hook.
}

func (s *Server) handleSyncRequest(c *Conn, ev *protocol.Event) {
	room, ok := s.requireMembership(c, ev)
	if !ok {
		return
	}

	p, err := protocol.Decode[protocol.SyncRequestPayload](ev)
	if err != nil {
		metrics.RecordEvent("sync_request", "invalid")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrValidation, "bad sync request"))
		return
	}

	res, err := room.Sync(p.Clock)
	if err != nil {
		metrics.RecordEvent("sync_request", "error")
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrInternal, "sync failed"))
		return
	}
	metrics.RecordEvent("sync_request", "ok")

	if res.Full {
		c.send(protocol.NewEvent(protocol.KindFullSync, ev.Room, protocol.FullSyncPayload{
			Document: *res.Document,
			Clock:    res.Clock,
		}))
		return
	}
	c.send(protocol.NewEvent(protocol.KindSyncOperations, ev.Room, protocol.SyncOperationsPayload{
		Operations: res.Operations,
		Clock:      res.Clock,
	}))
}

func (s *Server) handleCursorMove(c *Conn, ev *protocol.Event) {
	if _, ok := s.requireMembership(c, ev); !ok {
		return
	}

	p, err := protocol.Decode[protocol.CursorMovePayload](ev)
	if err != nil {
		c.send(protocol.NewErrorEvent(ev.Room, protocol.ErrValidation, "bad cursor payload"))
		return
	}

	identity := c.Identity()
	s.presence.UpdateCursor(ev.Room, c.ID(), identity.ID, p.X, p.Y)
	s.broadcastEvent(ev.Room, protocol.NewEvent(protocol.KindCursorMoved, ev.Room, protocol.CursorMovedPayload{
		UserID: identity.ID,
		X:      p.X,
		Y:      p.Y,
	}), c.ID())
}

func (s *Server) handleTyping(c *Conn, ev *protocol.Event, typing bool) {
	if _, ok := s.requireMembership(c, ev); !ok {
		return
	}

	identity := c.Identity()
	s.presence.SetTyping(ev.Room, c.ID(), identity.ID, typing)
	s.broadcastEvent(ev.Room, protocol.NewEvent(protocol.KindUserTyping, ev.Room, protocol.UserTypingPayload{
		UserID: identity.ID,
		Typing: typing,
	}), c.ID())
}

// handleComment relays a social event verbatim. The gateway checks only
// that the payload is well-formed JSON and stamps the sender; comments
// never touch the operation log.
func (s *Server) handleComment(c *Conn, ev *protocol.Event) {
	if _, ok := s.requireMembership(c, ev); !ok {
		return
	}

	identity := c.Identity()
	s.broadcastEvent(ev.Room, protocol.NewEvent(protocol.KindNewComment, ev.Room, commentBroadcast{
		UserID:  identity.ID,
		Name:    identity.Name,
		Comment: ev.Payload,
	}), "")
}

type commentBroadcast struct {
	UserID  string          `json:"user_id"`
	Name    string          `json:"name,omitempty"`
	Comment json.RawMessage `json:"comment"`
}

// snapshotFunc adapts the registry to the persistence debouncer.
func (s *Server) snapshotFunc(_ context.Context, roomID string) (store.Snapshot, error) {
	room, ok := s.registry.Get(roomID)
	if !ok {
		return store.Snapshot{}, errors.New("gateway: room gone before snapshot")
	}
	doc, err := room.Document()
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{
		Room:     roomID,
		Document: doc,
		Clock:    room.Clock(),
		SavedAt:  time.Now().UTC(),
	}, nil
}

// SnapshotFunc exposes the registry-backed snapshot producer for wiring a
// store.Debouncer in main.
func (s *Server) SnapshotFunc() store.SnapshotFunc {
	return s.snapshotFunc
}
