// Package client is the session manager for palette collaboration clients.
//
// A Session owns one room membership over an unreliable connection. Local
// edits apply optimistically and are tracked as pending until the server's
// echo confirms them; on reconnect the session re-authenticates, rejoins,
// resyncs by vector clock (delta when possible, snapshot otherwise) and
// resends unconfirmed operations once before giving up on them.
//
// All session state lives on a single event-loop goroutine. Public methods
// and callbacks never race: methods post closures onto the loop, and every
// callback fires from it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/palettelabs/palettesync/pkg/palette"
	"github.com/palettelabs/palettesync/pkg/protocol"
)

// Error types for session use.
var (
	// ErrSessionClosed is returned by methods on a closed session.
	ErrSessionClosed = errors.New("client: session closed")

	// ErrMissingConfig is returned by NewSession when URL or Room is unset.
	ErrMissingConfig = errors.New("client: config needs URL and Room")
)

// pendingOp is a locally applied operation awaiting its server echo.
// sends counts wire transmissions: one on submit, at most one more after a
// reconnect. A third would mean two reconnects without confirmation, at
// which point the operation is dropped and reported.
type pendingOp struct {
	op    palette.Operation
	sends int
}

// Session is a client-side room session.
type Session struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	commands chan func()
	done     chan struct{}
	closing  sync.Once
	started  sync.Once

	// Callbacks. Set before Start; all fire on the session loop.
	onState   func(ConnState)
	onUpdate  func(*palette.Document)
	onDropped func(palette.Operation)
	onEvent   func(protocol.Event)

	// Everything below is owned by the loop goroutine.
	state     ConnState
	transport Transport
	gen       int // invalidates readers of replaced transports

	doc     *palette.Document
	clock   palette.VectorClock
	synced  bool // true once any snapshot has been adopted
	userID  string
	pending []*pendingOp
	attempt int

	typing      bool
	typingTimer *time.Timer

	cursorLastSent time.Time
	cursorLastX    float64
	cursorLastY    float64
	cursorPendX    float64
	cursorPendY    float64
	cursorPending  bool
	cursorTimerSet bool
}

// NewSession creates a session. Start must be called to connect.
func NewSession(cfg Config, dialer Dialer, logger *slog.Logger) (*Session, error) {
	if cfg.URL == "" || cfg.Room == "" {
		return nil, ErrMissingConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		logger:   logger.With("component", "client_session", "room", cfg.Room),
		commands: make(chan func(), 64),
		done:     make(chan struct{}),
		state:    StateDisconnected,
		doc:      palette.NewDocument(),
		clock:    palette.NewVectorClock(),
	}, nil
}

// OnStateChange sets the connection state callback.
func (s *Session) OnStateChange(fn func(ConnState)) { s.onState = fn }

// OnDocumentUpdate sets the callback fired with a document snapshot after
// every local or remote change.
func (s *Session) OnDocumentUpdate(fn func(*palette.Document)) { s.onUpdate = fn }

// OnOperationDropped sets the callback fired when a pending operation is
// abandoned after repeated resends.
func (s *Session) OnOperationDropped(fn func(palette.Operation)) { s.onDropped = fn }

// OnEvent sets the callback for events the session does not consume
// itself: membership, presence, comments, notifications, pongs.
func (s *Session) OnEvent(fn func(protocol.Event)) { s.onEvent = fn }

// Start launches the session loop and the first connection attempt.
func (s *Session) Start() {
	s.started.Do(func() {
		go s.loop()
		s.post(s.beginConnect)
	})
}

// Close tears the session down. Pending operations are not reported as
// dropped; the session simply ends.
func (s *Session) Close() error {
	s.closing.Do(func() { close(s.done) })
	return nil
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.commands:
			fn()
		case <-s.done:
			if s.typingTimer != nil {
				s.typingTimer.Stop()
			}
			if s.transport != nil {
				s.transport.Close()
				s.transport = nil
			}
			return
		}
	}
}

// post queues fn for the loop; drops it if the session is closed.
func (s *Session) post(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.done:
	}
}

// call posts fn and waits for it to run.
func (s *Session) call(fn func()) error {
	ran := make(chan struct{})
	s.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	var st ConnState
	if err := s.call(func() { st = s.state }); err != nil {
		return StateDisconnected
	}
	return st
}

// Document returns a snapshot of the local document.
func (s *Session) Document() *palette.Document {
	var doc *palette.Document
	s.call(func() { doc = s.doc.Clone() })
	return doc
}

// Clock returns a copy of the local vector clock.
func (s *Session) Clock() palette.VectorClock {
	var c palette.VectorClock
	s.call(func() { c = s.clock.Clone() })
	return c
}

// PendingCount returns the number of unconfirmed local operations.
func (s *Session) PendingCount() int {
	n := 0
	s.call(func() { n = len(s.pending) })
	return n
}

// ---- edits ----

// AddColor submits an add at the given position (clamped server-side) and
// returns the operation id.
func (s *Session) AddColor(color palette.Color, position int) (string, error) {
	return s.submit(palette.KindAddColor, palette.AddColorPayload{Color: color, Position: position})
}

// UpdateColor submits a hex/name overwrite for an existing color.
func (s *Session) UpdateColor(id, hex, name string) (string, error) {
	return s.submit(palette.KindUpdateColor, palette.UpdateColorPayload{ID: id, Hex: hex, Name: name})
}

// RemoveColor submits a removal.
func (s *Session) RemoveColor(id string) (string, error) {
	return s.submit(palette.KindRemoveColor, palette.RemoveColorPayload{ID: id})
}

// ReorderColor submits a move to the given position.
func (s *Session) ReorderColor(id string, position int) (string, error) {
	return s.submit(palette.KindReorderColor, palette.ReorderColorPayload{ID: id, Position: position})
}

// SetMetadata submits a metadata write; an empty value deletes the key.
func (s *Session) SetMetadata(key, value string) (string, error) {
	return s.submit(palette.KindUpdateMetadata, palette.UpdateMetadataPayload{Key: key, Value: value})
}

// submit validates the edit, applies it locally and queues it for the
// server. Edits made while offline are held as pending and sent on resync.
func (s *Session) submit(kind palette.Kind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("client: marshal payload: %w", err)
	}
	op := palette.Operation{
		ID:      palette.NewID(),
		Kind:    kind,
		Payload: raw,
	}
	if err := op.Validate(); err != nil {
		return "", err
	}

	if err := s.call(func() { s.submitOp(op) }); err != nil {
		return "", err
	}
	return op.ID, nil
}

func (s *Session) submitOp(op palette.Operation) {
	if s.state == StateFailed {
		if s.onDropped != nil {
			s.onDropped(op)
		}
		return
	}
	op.Origin = s.userID

	if err := s.doc.Apply(&op); err != nil && !errors.Is(err, palette.ErrColorNotFound) {
		s.logger.Warn("local apply failed", "op_id", op.ID, "error", err)
	}

	p := &pendingOp{op: op}
	s.pending = append(s.pending, p)
	if s.state == StateSynced {
		p.sends = 1
		s.sendEvent(protocol.NewEvent(protocol.KindOperation, s.cfg.Room, op))
	}
	s.emitUpdate()
}

// ---- presence ----

// MoveCursor reports a cursor position. Updates are throttled: at most one
// per CursorThrottle, intermediate positions collapse to the latest.
func (s *Session) MoveCursor(x, y float64) {
	s.post(func() { s.moveCursor(x, y) })
}

func (s *Session) moveCursor(x, y float64) {
	if s.state != StateSynced {
		return
	}
	now := time.Now()
	if now.Sub(s.cursorLastSent) >= s.cfg.CursorThrottle {
		dx := math.Abs(x - s.cursorLastX)
		dy := math.Abs(y - s.cursorLastY)
		if !s.cursorLastSent.IsZero() && dx < s.cfg.CursorMinDelta && dy < s.cfg.CursorMinDelta {
			return
		}
		s.sendCursor(x, y, now)
		return
	}

	// Inside the throttle window: remember the latest position and flush
	// it when the window ends.
	s.cursorPendX, s.cursorPendY = x, y
	s.cursorPending = true
	if !s.cursorTimerSet {
		s.cursorTimerSet = true
		delay := s.cfg.CursorThrottle - now.Sub(s.cursorLastSent)
		time.AfterFunc(delay, func() { s.post(s.flushCursor) })
	}
}

func (s *Session) flushCursor() {
	s.cursorTimerSet = false
	if !s.cursorPending {
		return
	}
	s.cursorPending = false
	if s.state != StateSynced {
		return
	}
	s.sendCursor(s.cursorPendX, s.cursorPendY, time.Now())
}

func (s *Session) sendCursor(x, y float64, now time.Time) {
	s.cursorLastSent = now
	s.cursorLastX, s.cursorLastY = x, y
	s.sendEvent(protocol.NewEvent(protocol.KindCursorMove, s.cfg.Room, protocol.CursorMovePayload{X: x, Y: y}))
}

// StartTyping raises the typing indicator and (re)arms the idle timer.
// After TypingIdle without another StartTyping, typing_stop is sent
// automatically.
func (s *Session) StartTyping() {
	s.post(func() { s.startTyping() })
}

func (s *Session) startTyping() {
	if s.state != StateSynced {
		return
	}
	if !s.typing {
		s.typing = true
		s.sendEvent(protocol.NewEvent(protocol.KindTypingStart, s.cfg.Room, nil))
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingIdle, func() {
		s.post(s.stopTyping)
	})
}

// StopTyping lowers the typing indicator immediately.
func (s *Session) StopTyping() {
	s.post(s.stopTyping)
}

func (s *Session) stopTyping() {
	if !s.typing {
		return
	}
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if s.state == StateSynced {
		s.sendEvent(protocol.NewEvent(protocol.KindTypingStop, s.cfg.Room, nil))
	}
}

// Comment sends a social comment. Comments are fire-and-forget: they skip
// the operation log and are not retried.
func (s *Session) Comment(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: marshal comment: %w", err)
	}
	s.post(func() {
		if s.state != StateSynced {
			return
		}
		s.sendEvent(protocol.Event{Kind: protocol.KindComment, Room: s.cfg.Room, Payload: raw})
	})
	return nil
}

// Resync requests a catch-up against the current clock. Normally the
// session resyncs itself on reconnect; this is for callers that suspect a
// missed broadcast.
func (s *Session) Resync() {
	s.post(func() {
		if s.state != StateSynced {
			return
		}
		s.sendEvent(protocol.NewEvent(protocol.KindSyncRequest, s.cfg.Room, protocol.SyncRequestPayload{
			Clock: s.clock.Clone(),
		}))
	})
}

// ---- connection state machine ----

func (s *Session) setState(st ConnState) {
	if s.state == st {
		return
	}
	s.logger.Debug("state change", "from", s.state.String(), "to", st.String())
	s.state = st
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Session) beginConnect() {
	if s.state == StateFailed || s.state == StateConnecting {
		return
	}
	s.setState(StateConnecting)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
		defer cancel()
		tr, err := s.dialer.Dial(ctx, s.cfg.URL)
		s.post(func() { s.onDialResult(tr, err) })
	}()
}

func (s *Session) onDialResult(tr Transport, err error) {
	if s.state != StateConnecting {
		if tr != nil {
			tr.Close()
		}
		return
	}
	if err != nil {
		s.logger.Debug("dial failed", "error", err)
		s.scheduleReconnect()
		return
	}

	s.transport = tr
	s.gen++
	s.startReader(tr, s.gen)

	s.setState(StateAuthenticating)
	s.sendEvent(protocol.NewEvent(protocol.KindAuthenticate, "", protocol.AuthenticatePayload{
		Token: s.cfg.Token,
	}))
}

func (s *Session) startReader(tr Transport, gen int) {
	go func() {
		for {
			ev, err := tr.Recv()
			if err != nil {
				s.post(func() { s.onTransportError(gen, err) })
				return
			}
			s.post(func() { s.handleEvent(gen, ev) })
		}
	}()
}

func (s *Session) onTransportError(gen int, err error) {
	if gen != s.gen || s.state == StateFailed {
		return
	}
	s.logger.Debug("transport lost", "error", err)
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	// Typing state does not survive the connection.
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.setState(StateDisconnected)
	s.attempt++
	if s.attempt > s.cfg.MaxAttempts {
		s.logger.Warn("retry budget exhausted", "attempts", s.attempt-1)
		s.fail()
		return
	}
	delay := s.cfg.backoffFor(s.attempt)
	s.logger.Debug("reconnecting", "attempt", s.attempt, "delay", delay)
	time.AfterFunc(delay, func() { s.post(s.beginConnect) })
}

// fail moves to the terminal state and reports every pending operation as
// dropped.
func (s *Session) fail() {
	s.setState(StateFailed)
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	for _, p := range s.pending {
		if s.onDropped != nil {
			s.onDropped(p.op)
		}
	}
	s.pending = nil
}

func (s *Session) sendEvent(ev protocol.Event) {
	if s.transport == nil {
		return
	}
	if err := s.transport.Send(ev); err != nil {
		// The reader goroutine surfaces the broken transport.
		s.logger.Debug("send failed", "kind", ev.Kind, "error", err)
	}
}

// ---- inbound events ----

func (s *Session) handleEvent(gen int, ev protocol.Event) {
	if gen != s.gen {
		return // stale reader of a replaced transport
	}

	switch ev.Kind {
	case protocol.KindAuthenticated:
		if s.state != StateAuthenticating {
			return
		}
		p, err := protocol.Decode[protocol.AuthenticatedPayload](&ev)
		if err != nil {
			s.logger.Warn("bad authenticated payload", "error", err)
			return
		}
		s.userID = p.UserID
		s.setState(StateJoining)
		s.sendEvent(protocol.NewEvent(protocol.KindJoinRoom, s.cfg.Room, nil))

	case protocol.KindAuthError:
		// Credential rejection is not retryable.
		s.logger.Warn("authentication rejected")
		s.fail()

	case protocol.KindRoomState:
		if s.state != StateJoining {
			return
		}
		p, err := protocol.Decode[protocol.RoomStatePayload](&ev)
		if err != nil {
			s.logger.Warn("bad room_state payload", "error", err)
			return
		}
		if !s.synced {
			// First join: adopt the snapshot wholesale.
			s.doc = p.Document.Clone()
			s.clock = p.Clock.Clone()
			s.synced = true
			s.finishSync()
			return
		}
		// Reconnect: ask for exactly what we missed.
		s.sendEvent(protocol.NewEvent(protocol.KindSyncRequest, s.cfg.Room, protocol.SyncRequestPayload{
			Clock: s.clock.Clone(),
		}))

	case protocol.KindSyncOperations:
		p, err := protocol.Decode[protocol.SyncOperationsPayload](&ev)
		if err != nil {
			s.logger.Warn("bad sync_operations payload", "error", err)
			return
		}
		for _, op := range p.Operations {
			s.applyRemote(op)
		}
		s.clock.Merge(p.Clock)
		if s.state == StateJoining {
			s.finishSync()
		}

	case protocol.KindFullSync:
		p, err := protocol.Decode[protocol.FullSyncPayload](&ev)
		if err != nil {
			s.logger.Warn("bad full_sync payload", "error", err)
			return
		}
		s.doc = p.Document.Clone()
		s.clock = p.Clock.Clone()
		s.emitUpdate()
		if s.state == StateJoining {
			s.finishSync()
		}

	case protocol.KindStateUpdated:
		p, err := protocol.Decode[protocol.StateUpdatedPayload](&ev)
		if err != nil {
			s.logger.Warn("bad state_updated payload", "error", err)
			return
		}
		s.applyRemote(p.Operation)

	case protocol.KindError:
		p, err := protocol.Decode[protocol.ErrorPayload](&ev)
		if err == nil {
			s.logger.Warn("server error", "code", p.Code, "message", p.Message)
		}
		s.forward(ev)

	default:
		// Membership, presence, comments, notifications, pong.
		s.forward(ev)
	}
}

// applyRemote folds one server-ordered operation into local state. Own
// echoes are confirmed-and-skipped: the optimistic apply already happened.
func (s *Session) applyRemote(op palette.Operation) {
	s.clock.Observe(op.Origin, op.OriginSeq)

	for i, p := range s.pending {
		if p.op.ID == op.ID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}

	if err := s.doc.Apply(&op); err != nil && !errors.Is(err, palette.ErrColorNotFound) {
		s.logger.Warn("apply remote operation", "op_id", op.ID, "error", err)
		return
	}
	s.emitUpdate()
}

// finishSync completes a join or resync: unconfirmed operations get one
// more transmission each, anything already retried is dropped.
func (s *Session) finishSync() {
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.sends >= 2 {
			s.logger.Warn("dropping operation after repeated resend", "op_id", p.op.ID)
			if s.onDropped != nil {
				s.onDropped(p.op)
			}
			continue
		}
		p.sends++
		s.sendEvent(protocol.NewEvent(protocol.KindOperation, s.cfg.Room, p.op))
		kept = append(kept, p)
	}
	s.pending = kept

	s.attempt = 0
	s.setState(StateSynced)
	s.emitUpdate()
}

func (s *Session) emitUpdate() {
	if s.onUpdate != nil {
		s.onUpdate(s.doc.Clone())
	}
}

func (s *Session) forward(ev protocol.Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
