package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/palettelabs/palettesync/pkg/metrics"
	"github.com/palettelabs/palettesync/pkg/palette"
)

var tracer = otel.Tracer("github.com/palettelabs/palettesync/pkg/registry")

// Error types for room access.
var (
	// ErrRoomClosed is returned when submitting work to a closed room.
	ErrRoomClosed = errors.New("registry: room closed")

	// ErrRoomFull is returned when a join would exceed the participant limit.
	ErrRoomFull = errors.New("registry: room at participant capacity")
)

// Participant is one membership entry in a room. A user with two open tabs
// appears twice, distinguished by ConnID.
type Participant struct {
	// UserID is the authenticated user identity.
	UserID string `json:"user_id"`

	// ConnID is the connection this membership belongs to.
	ConnID string `json:"conn_id"`

	// Name and AvatarURL are display fields carried from authentication.
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`

	// Color is the display color assigned for cursors and highlights.
	Color string `json:"color,omitempty"`

	// JoinedAt is when this membership was established.
	JoinedAt time.Time `json:"joined_at"`
}

// RoomState is a consistent snapshot taken inside the room actor: the
// document, clock, membership and buffered log all describe the same moment.
type RoomState struct {
	Room       string              `json:"room"`
	Members    []Participant       `json:"members"`
	Document   *palette.Document   `json:"document"`
	Clock      palette.VectorClock `json:"clock"`
	Operations []palette.Operation `json:"operations,omitempty"`
}

// SyncResult is the answer to a resync request. When Full is false the
// client applies Operations on top of its local state; when Full is true it
// replaces local state with Document wholesale.
type SyncResult struct {
	Full       bool                `json:"full"`
	Operations []palette.Operation `json:"operations,omitempty"`
	Document   *palette.Document   `json:"document,omitempty"`
	Clock      palette.VectorClock `json:"clock"`
}

// OperationHook is invoked inside the room actor after each accepted
// operation, before the next one is processed. Broadcast fan-out hangs off
// this hook so every connection observes operations in log order.
type OperationHook func(roomID string, op palette.Operation, clock palette.VectorClock)

// Room owns one collaboration room's state. All state access runs on the
// room's actor goroutine; exported methods submit a closure and wait for it.
type Room struct {
	id     string
	logger *slog.Logger

	// Actor-owned state. Only the run goroutine touches these.
	doc          *palette.Document
	clock        palette.VectorClock
	log          *opLog
	participants map[string]Participant // keyed by ConnID
	seq          uint64

	hook            OperationHook
	maxParticipants int

	tasks chan func()
	done  chan struct{}

	closeMu sync.RWMutex
	closed  bool

	// lastActive is unix nanos of the last join, leave or operation,
	// read by the registry's sweep loop without entering the actor.
	lastActive atomic.Int64
}

func newRoom(id string, cfg Config, hook OperationHook, logger *slog.Logger) *Room {
	r := &Room{
		id:              id,
		logger:          logger.With("component", "room", "room_id", id),
		doc:             palette.NewDocument(),
		clock:           palette.NewVectorClock(),
		log:             newOpLog(cfg.OpLogCapacity),
		participants:    make(map[string]Participant),
		hook:            hook,
		maxParticipants: cfg.MaxParticipantsPerRoom,
		tasks:           make(chan func(), cfg.TaskQueueSize),
		done:            make(chan struct{}),
	}
	r.lastActive.Store(time.Now().UnixNano())

	go r.run()

	return r
}

// run is the actor loop. Tasks execute one at a time in submission order;
// on close the remaining queue is drained so no caller is left waiting.
func (r *Room) run() {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.done:
			for {
				select {
				case fn := <-r.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (r *Room) do(fn func()) error {
	r.closeMu.RLock()
	if r.closed {
		r.closeMu.RUnlock()
		return ErrRoomClosed
	}
	ran := make(chan struct{})
	r.tasks <- func() {
		fn()
		close(ran)
	}
	r.closeMu.RUnlock()

	<-ran
	return nil
}

// close stops the actor. Idempotent.
func (r *Room) close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	r.closeMu.Unlock()
	close(r.done)
}

func (r *Room) touch() {
	r.lastActive.Store(time.Now().UnixNano())
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// LastActive returns the time of the last membership change or operation.
func (r *Room) LastActive() time.Time {
	return time.Unix(0, r.lastActive.Load())
}

// Join adds a participant and returns a snapshot of the room taken at the
// moment of joining. Joining twice with the same ConnID replaces the
// previous entry rather than duplicating it.
func (r *Room) Join(p Participant) (RoomState, error) {
	var (
		state   RoomState
		joinErr error
	)
	err := r.do(func() {
		if _, rejoining := r.participants[p.ConnID]; !rejoining &&
			r.maxParticipants > 0 && len(r.participants) >= r.maxParticipants {
			joinErr = ErrRoomFull
			return
		}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = time.Now()
		}
		if _, rejoining := r.participants[p.ConnID]; !rejoining {
			metrics.RecordParticipantJoined()
		}
		r.participants[p.ConnID] = p
		r.touch()
		state = r.stateLocked()

		r.logger.Debug("participant joined",
			"user_id", p.UserID,
			"conn_id", p.ConnID,
			"members", len(r.participants))
	})
	if err != nil {
		return RoomState{}, err
	}
	return state, joinErr
}

// Leave removes the membership for connID. Leaving a room you are not in is
// a no-op; the second return reports whether anything was removed.
func (r *Room) Leave(connID string) (Participant, bool) {
	var (
		p  Participant
		ok bool
	)
	err := r.do(func() {
		p, ok = r.participants[connID]
		if !ok {
			return
		}
		delete(r.participants, connID)
		metrics.RecordParticipantLeft()
		r.touch()

		r.logger.Debug("participant left",
			"user_id", p.UserID,
			"conn_id", connID,
			"members", len(r.participants))
	})
	if err != nil {
		return Participant{}, false
	}
	return p, ok
}

// Members returns the current membership.
func (r *Room) Members() []Participant {
	var members []Participant
	_ = r.do(func() {
		members = r.membersLocked()
	})
	return members
}

// MemberCount returns the current number of participants.
func (r *Room) MemberCount() int {
	n := 0
	_ = r.do(func() { n = len(r.participants) })
	return n
}

// State returns a consistent snapshot of the room.
func (r *Room) State() (RoomState, error) {
	var state RoomState
	err := r.do(func() { state = r.stateLocked() })
	return state, err
}

// RecordOperation accepts one operation: it stamps the server sequence,
// ticks the vector clock for the origin, applies the operation to the
// document, appends it to the log and invokes the broadcast hook. The
// returned operation carries the assigned Seq, OriginSeq and arrival time.
//
// An operation referencing a color that no longer exists is accepted as a
// no-op and still logged, so every replica skips it identically.
func (r *Room) RecordOperation(ctx context.Context, op palette.Operation) (palette.Operation, error) {
	_, span := tracer.Start(ctx, "room.record_operation",
		trace.WithAttributes(
			attribute.String("room.id", r.id),
			attribute.String("operation.kind", string(op.Kind)),
			attribute.String("operation.origin", op.Origin),
		))
	defer span.End()

	if err := op.Validate(); err != nil {
		span.RecordError(err)
		return op, fmt.Errorf("registry: reject operation %q: %w", op.ID, err)
	}

	start := time.Now()
	var opErr error
	err := r.do(func() {
		r.seq++
		op.Seq = r.seq
		op.OriginSeq = r.clock.Tick(op.Origin)
		op.Time = time.Now()

		if applyErr := r.doc.Apply(&op); applyErr != nil {
			if !errors.Is(applyErr, palette.ErrColorNotFound) {
				// Validate has already vetted the payload; anything
				// else here is a bug worth surfacing loudly.
				opErr = applyErr
				r.logger.Error("operation failed after validation",
					"op_id", op.ID,
					"kind", op.Kind,
					"error", applyErr)
				return
			}
			r.logger.Debug("operation targets missing color, logged as no-op",
				"op_id", op.ID,
				"kind", op.Kind)
		}

		r.log.append(op)
		r.touch()

		if r.hook != nil {
			r.hook(r.id, op, r.clock.Clone())
		}
	})
	if err != nil {
		span.RecordError(err)
		return op, err
	}
	if opErr != nil {
		span.RecordError(opErr)
		return op, opErr
	}

	metrics.RecordOperation(string(op.Kind), time.Since(start).Seconds())
	return op, nil
}

// Sync answers a resync request for a client at the given clock. Three
// outcomes, checked in order:
//
//   - the client is already current: empty delta
//   - every missed operation is still buffered: delta replay
//   - the gap reaches into the compacted prefix: full snapshot
func (r *Room) Sync(clientClock palette.VectorClock) (SyncResult, error) {
	var res SyncResult
	err := r.do(func() {
		if clientClock.Equal(r.clock) {
			res = SyncResult{Full: false, Clock: r.clock.Clone()}
			return
		}
		if r.log.canRecover(clientClock) {
			res = SyncResult{
				Full:       false,
				Operations: r.log.since(clientClock),
				Clock:      r.clock.Clone(),
			}
			return
		}
		res = SyncResult{
			Full:     true,
			Document: r.doc.Clone(),
			Clock:    r.clock.Clone(),
		}
	})
	return res, err
}

// Document returns a deep copy of the current document.
func (r *Room) Document() (*palette.Document, error) {
	var doc *palette.Document
	err := r.do(func() { doc = r.doc.Clone() })
	return doc, err
}

// Clock returns a copy of the room's vector clock.
func (r *Room) Clock() palette.VectorClock {
	var clock palette.VectorClock
	_ = r.do(func() { clock = r.clock.Clone() })
	return clock
}

func (r *Room) membersLocked() []Participant {
	members := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		members = append(members, p)
	}
	return members
}

func (r *Room) stateLocked() RoomState {
	return RoomState{
		Room:       r.id,
		Members:    r.membersLocked(),
		Document:   r.doc.Clone(),
		Clock:      r.clock.Clone(),
		Operations: r.log.recent(),
	}
}
