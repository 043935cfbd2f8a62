package palette

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

// Color is one entry in the palette.
type Color struct {
	ID   string `json:"id"`
	Hex  string `json:"hex"`
	Name string `json:"name,omitempty"`
}

// hexPattern matches a #RRGGBB color value.
var hexPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ValidHex reports whether s is a well-formed #RRGGBB value.
func ValidHex(s string) bool {
	return hexPattern.MatchString(s)
}

// Document is the materialized palette shared by all participants of a room.
type Document struct {
	Colors   []Color           `json:"colors"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Colors: []Color{}}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := &Document{Colors: make([]Color, len(d.Colors))}
	copy(c.Colors, d.Colors)
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Encode returns the canonical JSON encoding of the document. Two replicas
// that applied the same operation prefix encode to identical bytes;
// encoding/json sorts map keys, so Metadata does not break this.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// indexOf returns the position of the color with the given id, or -1.
func (d *Document) indexOf(id string) int {
	for i := range d.Colors {
		if d.Colors[i].ID == id {
			return i
		}
	}
	return -1
}

// clampPosition bounds pos to a valid insertion index for n existing entries.
func clampPosition(pos, n int) int {
	if pos < 0 {
		return 0
	}
	if pos > n {
		return n
	}
	return pos
}

// NewID generates a random 128-bit hex identifier for colors and operations.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Weak ids would let one client clobber another's pending operations.
		panic(fmt.Sprintf("palette: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
