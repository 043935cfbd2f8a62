// Package presence tracks ephemeral per-room state: cursor positions and
// typing indicators.
//
// Presence is deliberately lossy. Nothing here touches the operation log or
// the document; entries vanish when a connection drops and stale typing
// flags are swept on a timer, so a crashed client never leaves a phantom
// "is typing" badge behind.
package presence

import (
	"log/slog"
	"sync"
	"time"
)

// Cursor is a position in palette-canvas coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is one connection's presence within a room.
type State struct {
	UserID string  `json:"user_id"`
	ConnID string  `json:"conn_id"`
	Cursor *Cursor `json:"cursor,omitempty"`
	Typing bool    `json:"typing,omitempty"`

	// UpdatedAt is when any field last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// typingSince drives the server-side safety sweep for clients that
	// died without sending typing_stop.
	typingSince time.Time
}

// Config configures the tracker.
type Config struct {
	// TypingTTL is how long a typing flag survives without renewal before
	// the sweep clears it. The client stops its own indicator after 3
	// seconds of silence; this is the backstop for clients that never get
	// the chance. Default: 5 seconds.
	TypingTTL time.Duration

	// SweepInterval is how often stale typing flags are cleared.
	// Default: 1 second.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TypingTTL:     5 * time.Second,
		SweepInterval: time.Second,
	}
}

// ExpiredFunc is called by the sweep for each typing flag it clears, so the
// gateway can broadcast the stop on the client's behalf.
type ExpiredFunc func(roomID, userID, connID string)

// Tracker holds presence for all rooms.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*State // roomID -> connID -> state

	config    Config
	logger    *slog.Logger
	onExpired ExpiredFunc

	done    chan struct{}
	stopped bool
}

// NewTracker creates a tracker and starts its sweep loop.
func NewTracker(config Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TypingTTL <= 0 {
		config.TypingTTL = 5 * time.Second
	}

	t := &Tracker{
		rooms:  make(map[string]map[string]*State),
		config: config,
		logger: logger.With("component", "presence"),
		done:   make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go t.sweepLoop()
	}

	return t
}

// OnTypingExpired installs the callback invoked when the sweep clears a
// stale typing flag. Call once during wiring.
func (t *Tracker) OnTypingExpired(fn ExpiredFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpired = fn
}

func (t *Tracker) entryLocked(roomID, connID, userID string) *State {
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]*State)
		t.rooms[roomID] = room
	}
	s, ok := room[connID]
	if !ok {
		s = &State{UserID: userID, ConnID: connID}
		room[connID] = s
	}
	return s
}

// UpdateCursor records a cursor position.
func (t *Tracker) UpdateCursor(roomID, connID, userID string, x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entryLocked(roomID, connID, userID)
	s.Cursor = &Cursor{X: x, Y: y}
	s.UpdatedAt = time.Now()
}

// SetTyping records a typing flag. Setting it true repeatedly renews the
// TTL; setting it false clears the flag immediately.
func (t *Tracker) SetTyping(roomID, connID, userID string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entryLocked(roomID, connID, userID)
	s.Typing = typing
	s.UpdatedAt = time.Now()
	if typing {
		s.typingSince = s.UpdatedAt
	} else {
		s.typingSince = time.Time{}
	}
}

// Clear removes one connection's presence from a room. Called when the
// connection leaves the room or drops.
func (t *Tracker) Clear(roomID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
}

// ClearRoom drops all presence for a room.
func (t *Tracker) ClearRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}

// Room returns a snapshot of the presence in a room.
func (t *Tracker) Room(roomID string) []State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]State, 0, len(room))
	for _, s := range room {
		snap := *s
		if s.Cursor != nil {
			c := *s.Cursor
			snap.Cursor = &c
		}
		out = append(out, snap)
	}
	return out
}

// Get returns one connection's presence within a room.
func (t *Tracker) Get(roomID, connID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return State{}, false
	}
	s, ok := room[connID]
	if !ok {
		return State{}, false
	}
	snap := *s
	if s.Cursor != nil {
		c := *s.Cursor
		snap.Cursor = &c
	}
	return snap, true
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweepTyping()
		case <-t.done:
			return
		}
	}
}

// sweepTyping clears typing flags past the TTL and notifies the expiry
// callback outside the lock.
func (t *Tracker) sweepTyping() {
	type expired struct {
		roomID, userID, connID string
	}

	cutoff := time.Now().Add(-t.config.TypingTTL)

	t.mu.Lock()
	var cleared []expired
	for roomID, room := range t.rooms {
		for connID, s := range room {
			if s.Typing && !s.typingSince.IsZero() && s.typingSince.Before(cutoff) {
				s.Typing = false
				s.typingSince = time.Time{}
				cleared = append(cleared, expired{roomID, s.UserID, connID})
			}
		}
	}
	fn := t.onExpired
	t.mu.Unlock()

	if fn == nil {
		return
	}
	for _, e := range cleared {
		t.logger.Debug("typing flag expired",
			"room_id", e.roomID,
			"user_id", e.userID)
		fn(e.roomID, e.userID, e.connID)
	}
}

// Close stops the sweep loop.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.done)
}
