package palette

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the type of a palette operation.
type Kind string

const (
	KindAddColor       Kind = "add_color"
	KindUpdateColor    Kind = "update_color"
	KindRemoveColor    Kind = "remove_color"
	KindReorderColor   Kind = "reorder_color"
	KindUpdateMetadata Kind = "update_metadata"
)

// Valid reports whether k is a known operation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAddColor, KindUpdateColor, KindRemoveColor, KindReorderColor, KindUpdateMetadata:
		return true
	}
	return false
}

// Sentinel errors for operation validation and application.
var (
	// ErrColorNotFound is returned when an operation references a color id
	// that is not in the document. Callers are expected to treat it as a
	// no-op so replicas stay convergent.
	ErrColorNotFound = errors.New("palette: color not found")

	// ErrInvalidOperation is returned when an operation payload fails its
	// schema check.
	ErrInvalidOperation = errors.New("palette: invalid operation")
)

// Operation is a discrete edit to the shared document.
//
// ID is client-generated and globally unique; it is how a client matches the
// server echo of its own edit. Seq, OriginSeq and Time are assigned by the
// registry when the operation is accepted and are zero before that.
type Operation struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin"`

	// Server-assigned fields.
	Seq       uint64    `json:"seq,omitempty"`        // total order by arrival
	OriginSeq uint64    `json:"origin_seq,omitempty"` // clock counter for Origin
	Time      time.Time `json:"ts,omitempty"`
}

// AddColorPayload inserts a color at a position (clamped to the list bounds).
type AddColorPayload struct {
	Color    Color `json:"color"`
	Position int   `json:"position"`
}

// UpdateColorPayload overwrites the hex and name of an existing color.
type UpdateColorPayload struct {
	ID   string `json:"id"`
	Hex  string `json:"hex"`
	Name string `json:"name,omitempty"`
}

// RemoveColorPayload deletes a color by id.
type RemoveColorPayload struct {
	ID string `json:"id"`
}

// ReorderColorPayload moves a color to a new position (clamped).
type ReorderColorPayload struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// UpdateMetadataPayload sets one metadata key. An empty value deletes the key.
type UpdateMetadataPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// decodeStrict unmarshals raw into v, rejecting unknown fields.
func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// Validate checks the operation envelope and its payload against the schema
// for its kind. Server-assigned fields are not required.
func (op *Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if len(op.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidOperation)
	}

	switch op.Kind {
	case KindAddColor:
		var p AddColorPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if p.Color.ID == "" {
			return fmt.Errorf("%w: add_color missing color id", ErrInvalidOperation)
		}
		if !ValidHex(p.Color.Hex) {
			return fmt.Errorf("%w: add_color bad hex %q", ErrInvalidOperation, p.Color.Hex)
		}
	case KindUpdateColor:
		var p UpdateColorPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if p.ID == "" {
			return fmt.Errorf("%w: update_color missing id", ErrInvalidOperation)
		}
		if !ValidHex(p.Hex) {
			return fmt.Errorf("%w: update_color bad hex %q", ErrInvalidOperation, p.Hex)
		}
	case KindRemoveColor:
		var p RemoveColorPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if p.ID == "" {
			return fmt.Errorf("%w: remove_color missing id", ErrInvalidOperation)
		}
	case KindReorderColor:
		var p ReorderColorPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if p.ID == "" {
			return fmt.Errorf("%w: reorder_color missing id", ErrInvalidOperation)
		}
	case KindUpdateMetadata:
		var p UpdateMetadataPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if p.Key == "" {
			return fmt.Errorf("%w: update_metadata missing key", ErrInvalidOperation)
		}
	}
	return nil
}

// Apply mutates the document with the operation. Operations referencing a
// color that no longer exists return ErrColorNotFound and leave the document
// unchanged; every replica hits the same no-op, so convergence holds.
func (d *Document) Apply(op *Operation) error {
	switch op.Kind {
	case KindAddColor:
		var p AddColorPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if d.indexOf(p.Color.ID) >= 0 {
			// Duplicate add (e.g. a replayed operation): overwrite in place.
			d.Colors[d.indexOf(p.Color.ID)] = p.Color
			return nil
		}
		pos := clampPosition(p.Position, len(d.Colors))
		d.Colors = append(d.Colors, Color{})
		copy(d.Colors[pos+1:], d.Colors[pos:])
		d.Colors[pos] = p.Color
		return nil

	case KindUpdateColor:
		var p UpdateColorPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		i := d.indexOf(p.ID)
		if i < 0 {
			return ErrColorNotFound
		}
		d.Colors[i].Hex = p.Hex
		d.Colors[i].Name = p.Name
		return nil

	case KindRemoveColor:
		var p RemoveColorPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		i := d.indexOf(p.ID)
		if i < 0 {
			return ErrColorNotFound
		}
		d.Colors = append(d.Colors[:i], d.Colors[i+1:]...)
		return nil

	case KindReorderColor:
		var p ReorderColorPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		i := d.indexOf(p.ID)
		if i < 0 {
			return ErrColorNotFound
		}
		c := d.Colors[i]
		d.Colors = append(d.Colors[:i], d.Colors[i+1:]...)
		pos := clampPosition(p.Position, len(d.Colors))
		d.Colors = append(d.Colors, Color{})
		copy(d.Colors[pos+1:], d.Colors[pos:])
		d.Colors[pos] = c
		return nil

	case KindUpdateMetadata:
		var p UpdateMetadataPayload
		if err := decodeStrict(op.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if p.Value == "" {
			delete(d.Metadata, p.Key)
			return nil
		}
		if d.Metadata == nil {
			d.Metadata = make(map[string]string)
		}
		d.Metadata[p.Key] = p.Value
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
}

// MustPayload marshals v, panicking on failure. Payload structs in this
// package always marshal; the helper keeps operation construction terse.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("palette: marshal payload: %v", err))
	}
	return b
}
