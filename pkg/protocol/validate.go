package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/palettelabs/palettesync/pkg/palette"
)

// ErrInvalidPayload is wrapped by every validation failure.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

// roomScoped lists the kinds that must carry a target room id.
var roomScoped = map[Kind]bool{
	KindJoinRoom:    true,
	KindLeaveRoom:   true,
	KindOperation:   true,
	KindSyncRequest: true,
	KindCursorMove:  true,
	KindTypingStart: true,
	KindTypingStop:  true,
	KindComment:     true,
}

// Decode unmarshals an event payload into v, rejecting unknown fields. This
// is the strict per-kind schema check: extra fields are treated the same as
// malformed JSON.
func Decode[T any](e *Event) (*T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Kind, err)
	}
	return &v, nil
}

// Validate checks an inbound (client -> server) event against the schema for
// its kind. It returns nil for well-formed events; any error should be
// answered with a validation_failed error event and the event dropped.
func Validate(e *Event) error {
	if roomScoped[e.Kind] && e.Room == "" {
		return fmt.Errorf("%w: %s: missing room", ErrInvalidPayload, e.Kind)
	}

	switch e.Kind {
	case KindAuthenticate:
		p, err := Decode[AuthenticatePayload](e)
		if err != nil {
			return err
		}
		if p.Token == "" {
			return fmt.Errorf("%w: authenticate: missing token", ErrInvalidPayload)
		}

	case KindJoinRoom, KindLeaveRoom, KindTypingStart, KindTypingStop:
		// Envelope-only kinds: any payload present must still be an object
		// with no fields beyond the schema (none).
		if len(e.Payload) > 0 {
			if _, err := Decode[struct{}](e); err != nil {
				return err
			}
		}

	case KindOperation:
		var op palette.Operation
		if err := json.Unmarshal(e.Payload, &op); err != nil {
			return fmt.Errorf("%w: operation: %v", ErrInvalidPayload, err)
		}
		if err := op.Validate(); err != nil {
			return fmt.Errorf("%w: operation: %v", ErrInvalidPayload, err)
		}

	case KindSyncRequest:
		if _, err := Decode[SyncRequestPayload](e); err != nil {
			return err
		}

	case KindCursorMove:
		if _, err := Decode[CursorMovePayload](e); err != nil {
			return err
		}

	case KindPing:
		if len(e.Payload) > 0 {
			if _, err := Decode[PingPayload](e); err != nil {
				return err
			}
		}

	case KindComment:
		// Pass-through: any JSON value is forwarded untouched.
		if len(e.Payload) > 0 && !json.Valid(e.Payload) {
			return fmt.Errorf("%w: comment: not valid JSON", ErrInvalidPayload)
		}

	default:
		return fmt.Errorf("%w: unsupported inbound kind %q", ErrInvalidPayload, e.Kind)
	}
	return nil
}

// DecodeOperation extracts the validated operation from an operation event.
func DecodeOperation(e *Event) (*palette.Operation, error) {
	var op palette.Operation
	if err := json.Unmarshal(e.Payload, &op); err != nil {
		return nil, fmt.Errorf("%w: operation: %v", ErrInvalidPayload, err)
	}
	return &op, nil
}
