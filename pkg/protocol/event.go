package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/palettelabs/palettesync/pkg/palette"
)

// Kind identifies the type of an event.
type Kind string

// Client -> server kinds.
const (
	KindAuthenticate Kind = "authenticate"
	KindJoinRoom     Kind = "join_room"
	KindLeaveRoom    Kind = "leave_room"
	KindOperation    Kind = "operation"
	KindSyncRequest  Kind = "sync_request"
	KindCursorMove   Kind = "cursor_move"
	KindTypingStart  Kind = "typing_start"
	KindTypingStop   Kind = "typing_stop"
	KindComment      Kind = "comment"
	KindPing         Kind = "ping"
)

// Server -> client kinds.
const (
	KindAuthenticated  Kind = "authenticated"
	KindAuthError      Kind = "auth_error"
	KindRoomState      Kind = "room_state"
	KindUserJoined     Kind = "user_joined"
	KindUserLeft       Kind = "user_left"
	KindActiveUsers    Kind = "active_users"
	KindStateUpdated   Kind = "state_updated"
	KindSyncOperations Kind = "sync_operations"
	KindFullSync       Kind = "full_sync"
	KindCursorMoved    Kind = "cursor_moved"
	KindUserTyping     Kind = "user_typing"
	KindNewComment     Kind = "new_comment"
	KindNotification   Kind = "notification"
	KindError          Kind = "error"
	KindPong           Kind = "pong"
)

// Event is the wire envelope. Payload is decoded per kind; see Validate.
type Event struct {
	Kind    Kind            `json:"kind"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Member describes a room participant on the wire.
type Member struct {
	UserID    string  `json:"user_id"`
	ConnID    string  `json:"conn_id"`
	Name      string  `json:"name"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Color     string  `json:"color,omitempty"`
	Cursor    *Cursor `json:"cursor,omitempty"`
	Typing    bool    `json:"typing,omitempty"`
}

// Cursor is a participant's pointer position in palette canvas coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AuthenticatePayload carries the bearer token for the identity provider.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms a successful authentication.
type AuthenticatedPayload struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// RoomStatePayload is the authoritative snapshot sent on join and full sync.
type RoomStatePayload struct {
	Room       string              `json:"room"`
	Members    []Member            `json:"members"`
	Operations []palette.Operation `json:"operations"`
	Document   palette.Document    `json:"document"`
	Clock      palette.VectorClock `json:"clock"`
}

// UserJoinedPayload announces a new participant to existing members.
type UserJoinedPayload struct {
	Member Member `json:"member"`
}

// UserLeftPayload announces a departed participant.
type UserLeftPayload struct {
	UserID string `json:"user_id"`
	ConnID string `json:"conn_id"`
}

// ActiveUsersPayload lists the current participant set.
type ActiveUsersPayload struct {
	Members []Member `json:"members"`
}

// StateUpdatedPayload broadcasts an accepted operation together with the
// room clock after it was applied.
type StateUpdatedPayload struct {
	Operation palette.Operation   `json:"operation"`
	Clock     palette.VectorClock `json:"clock"`
}

// SyncRequestPayload asks for operations the client has not observed.
type SyncRequestPayload struct {
	Clock palette.VectorClock `json:"clock"`
}

// SyncOperationsPayload is the delta reply to a sync_request.
type SyncOperationsPayload struct {
	Operations []palette.Operation `json:"operations"`
	Clock      palette.VectorClock `json:"clock"`
}

// FullSyncPayload replaces the client's state wholesale when the gap since
// disconnect reaches past the server's operation log.
type FullSyncPayload struct {
	Document palette.Document    `json:"document"`
	Clock    palette.VectorClock `json:"clock"`
}

// NotificationPayload carries a room-scoped informational message.
type NotificationPayload struct {
	Message string `json:"message"`
}

// CursorMovePayload is the client's throttled pointer update.
type CursorMovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CursorMovedPayload is the broadcast form of a cursor update.
type CursorMovedPayload struct {
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// UserTypingPayload broadcasts a typing flag change.
type UserTypingPayload struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// PingPayload carries a millisecond timestamp for RTT measurement.
type PingPayload struct {
	Timestamp int64 `json:"ts"`
}

// PongPayload echoes the ping timestamp.
type PongPayload struct {
	Timestamp int64 `json:"ts"`
}

// Encode marshals the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an envelope. Payload validation happens separately in
// Validate so a malformed payload can be answered with a typed error while
// the envelope itself is still usable.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("protocol: decode event: %w", err)
	}
	if e.Kind == "" {
		return nil, fmt.Errorf("protocol: decode event: missing kind")
	}
	return &e, nil
}

// NewEvent builds an event with a marshaled payload.
func NewEvent(kind Kind, room string, payload any) Event {
	ev := Event{Kind: kind, Room: room}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("protocol: marshal %s payload: %v", kind, err))
		}
		ev.Payload = b
	}
	return ev
}

// NewErrorEvent builds an error event for the given room (may be empty).
func NewErrorEvent(room string, code ErrorCode, message string) Event {
	return NewEvent(KindError, room, ErrorPayload{Code: code, Message: message})
}
