// Package protocol defines the wire protocol for palettesync.
//
// Events travel over a persistent, ordered, bidirectional channel (a
// WebSocket carrying one JSON-encoded Event per text message). Every event
// has a kind, an optional target room, and a kind-specific payload that is
// validated against a strict schema before dispatch: unknown fields and
// missing required fields are rejected, the event is dropped, and a typed
// error event is returned without closing the connection.
//
// # Event taxonomy
//
//   - Connection lifecycle: authenticate, authenticated, auth_error
//   - Room lifecycle: join_room / room_state, leave_room, user_joined,
//     user_left, active_users
//   - Mutation: operation / state_updated, sync_request / sync_operations,
//     full_sync
//   - Presence: cursor_move / cursor_moved, typing_start, typing_stop /
//     user_typing
//   - Social pass-through: comment / new_comment, notification
//   - Control: ping / pong, error
//
// Mutation events carry the target room id and a globally unique operation
// id; presence events bypass the operation log entirely and tolerate loss
// and reordering.
package protocol
