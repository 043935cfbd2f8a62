package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/palettelabs/palettesync/pkg/metrics"
)

// ErrRegistryClosed is returned when operations are attempted on a closed
// registry.
var ErrRegistryClosed = errors.New("registry: closed")

// Config configures the registry and the rooms it creates.
type Config struct {
	// OpLogCapacity is the number of recent operations each room keeps for
	// delta resync. Older operations are compacted into the document.
	// Default: 100.
	OpLogCapacity int

	// MaxParticipantsPerRoom caps room membership. Zero means unlimited.
	// Default: 50.
	MaxParticipantsPerRoom int

	// RoomIdleTimeout is how long an empty room survives before the sweep
	// loop evicts it. Default: 30 minutes.
	RoomIdleTimeout time.Duration

	// SweepInterval is how often idle rooms are checked for eviction.
	// Default: 5 minutes.
	SweepInterval time.Duration

	// TaskQueueSize is the actor queue depth per room. Default: 256.
	TaskQueueSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OpLogCapacity:          100,
		MaxParticipantsPerRoom: 50,
		RoomIdleTimeout:        30 * time.Minute,
		SweepInterval:          5 * time.Minute,
		TaskQueueSize:          256,
	}
}

// Registry is the room store the gateway talks to. MemoryRegistry is the
// in-process implementation; a distributed-store-backed implementation can
// replace it without touching the gateway.
type Registry interface {
	// SetOperationHook installs the broadcast hook passed to every room.
	SetOperationHook(hook OperationHook)

	// GetOrCreate returns the room with the given id, creating it if needed.
	GetOrCreate(roomID string) (*Room, error)

	// Get returns the room with the given id if it exists.
	Get(roomID string) (*Room, bool)

	// RoomIDs returns the ids of all live rooms.
	RoomIDs() []string

	// Stats returns registry statistics.
	Stats() Stats

	// Close releases every room and stops background work.
	Close(ctx context.Context) error
}

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry owns all live rooms in process memory. Rooms are created
// on first access and garbage collected once empty and idle.
type MemoryRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	config Config
	logger *slog.Logger
	hook   OperationHook

	done    chan struct{}
	stopped bool
}

// New creates a registry and starts its sweep loop.
func New(config Config, logger *slog.Logger) *MemoryRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if config.OpLogCapacity <= 0 {
		config.OpLogCapacity = 100
	}
	if config.TaskQueueSize <= 0 {
		config.TaskQueueSize = 256
	}

	r := &MemoryRegistry{
		rooms:  make(map[string]*Room),
		config: config,
		logger: logger.With("component", "registry"),
		done:   make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go r.sweepLoop()
	}

	return r
}

// SetOperationHook installs the broadcast hook passed to every room. New
// rooms pick it up on creation; call this once during wiring, before any
// traffic.
func (r *MemoryRegistry) SetOperationHook(hook OperationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// GetOrCreate returns the room with the given id, creating it if needed.
func (r *MemoryRegistry) GetOrCreate(roomID string) (*Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return nil, ErrRegistryClosed
	}
	if ok {
		return room, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrRegistryClosed
	}
	if room, ok := r.rooms[roomID]; ok {
		return room, nil
	}

	room = newRoom(roomID, r.config, r.hook, r.logger)
	r.rooms[roomID] = room
	metrics.RecordRoomCreated()

	r.logger.Info("room created", "room_id", roomID, "rooms", len(r.rooms))
	return room, nil
}

// Get returns the room with the given id if it exists.
func (r *MemoryRegistry) Get(roomID string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// RoomIDs returns the ids of all live rooms.
func (r *MemoryRegistry) RoomIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns registry statistics.
func (r *MemoryRegistry) Stats() Stats {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	s := Stats{Rooms: len(rooms)}
	for _, room := range rooms {
		s.Participants += room.MemberCount()
	}
	return s
}

// Stats contains registry statistics.
type Stats struct {
	// Rooms is the number of live rooms.
	Rooms int `json:"rooms"`

	// Participants is the total membership across all rooms.
	Participants int `json:"participants"`
}

func (r *MemoryRegistry) sweepLoop() {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepIdle()
		case <-r.done:
			return
		}
	}
}

// sweepIdle evicts rooms that are empty and past the idle timeout. The
// membership check runs through the room actor, so a join racing the sweep
// either lands before the check or recreates the room afterwards.
func (r *MemoryRegistry) sweepIdle() {
	cutoff := time.Now().Add(-r.config.RoomIdleTimeout)

	r.mu.RLock()
	var candidates []*Room
	for _, room := range r.rooms {
		if room.LastActive().Before(cutoff) {
			candidates = append(candidates, room)
		}
	}
	r.mu.RUnlock()

	for _, room := range candidates {
		if room.MemberCount() > 0 {
			continue
		}

		r.mu.Lock()
		if r.rooms[room.ID()] == room && room.MemberCount() == 0 {
			delete(r.rooms, room.ID())
			room.close()
			metrics.RecordRoomEvicted()
			metrics.RecordRoomDestroyed()
			r.logger.Info("room evicted",
				"room_id", room.ID(),
				"idle", time.Since(room.LastActive()).Round(time.Second))
		}
		r.mu.Unlock()
	}
}

// Close stops the sweep loop and closes every room.
func (r *MemoryRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.done)

	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.close()
		metrics.RecordRoomDestroyed()
	}

	r.logger.Info("registry closed", "rooms_closed", len(rooms))
	return nil
}
