package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/palettelabs/palettesync/pkg/palette"
	"github.com/palettelabs/palettesync/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeTransport is a channel-backed transport; the test plays the server.
type fakeTransport struct {
	in     chan protocol.Event // server -> client
	out    chan protocol.Event // client -> server
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan protocol.Event, 32),
		out:    make(chan protocol.Event, 32),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(ev protocol.Event) error {
	select {
	case t.out <- ev:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	}
}

func (t *fakeTransport) Recv() (protocol.Event, error) {
	select {
	case ev := <-t.in:
		return ev, nil
	case <-t.closed:
		return protocol.Event{}, ErrTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// push delivers a server event to the client.
func (t *fakeTransport) push(ev protocol.Event) { t.in <- ev }

// expect reads the next client event and asserts its kind.
func (t *fakeTransport) expect(tt *testing.T, kind protocol.Kind) protocol.Event {
	tt.Helper()
	select {
	case ev := <-t.out:
		if ev.Kind != kind {
			tt.Fatalf("client sent %s, want %s", ev.Kind, kind)
		}
		return ev
	case <-time.After(2 * time.Second):
		tt.Fatalf("client never sent %s", kind)
		return protocol.Event{}
	}
}

// expectNothing asserts no client event arrives within d.
func (t *fakeTransport) expectNothing(tt *testing.T, d time.Duration) {
	tt.Helper()
	select {
	case ev := <-t.out:
		tt.Fatalf("unexpected client event %s", ev.Kind)
	case <-time.After(d):
	}
}

// fakeDialer hands out scripted transports, one per dial.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      int
}

func (d *fakeDialer) add(t *fakeTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports = append(d.transports, t)
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.transports) == 0 {
		return nil, errors.New("dial refused")
	}
	tr := d.transports[0]
	d.transports = d.transports[1:]
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://test/ws"
	cfg.Token = "tok"
	cfg.Room = "room-1"
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, cfg Config, d Dialer) (*Session, chan ConnState) {
	t.Helper()
	s, err := NewSession(cfg, d, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	states := make(chan ConnState, 32)
	s.OnStateChange(func(st ConnState) { states <- st })
	t.Cleanup(func() { s.Close() })
	return s, states
}

func waitState(t *testing.T, states chan ConnState, want ConnState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

// serveHandshake plays the server side of authenticate + join, answering
// with the given snapshot.
func serveHandshake(t *testing.T, tr *fakeTransport, state protocol.RoomStatePayload) {
	t.Helper()
	auth := tr.expect(t, protocol.KindAuthenticate)
	p, err := protocol.Decode[protocol.AuthenticatePayload](&auth)
	if err != nil {
		t.Fatal(err)
	}
	if p.Token != "tok" {
		t.Fatalf("token = %s", p.Token)
	}
	tr.push(protocol.NewEvent(protocol.KindAuthenticated, "", protocol.AuthenticatedPayload{
		UserID: "alice", Name: "Alice",
	}))

	tr.expect(t, protocol.KindJoinRoom)
	tr.push(protocol.NewEvent(protocol.KindRoomState, "room-1", state))
}

func emptyRoomState() protocol.RoomStatePayload {
	return protocol.RoomStatePayload{
		Room:     "room-1",
		Document: *palette.NewDocument(),
		Clock:    palette.NewVectorClock(),
	}
}

func echoEvent(op palette.Operation, origin string, seq, originSeq uint64) protocol.Event {
	op.Origin = origin
	op.Seq = seq
	op.OriginSeq = originSeq
	return protocol.NewEvent(protocol.KindStateUpdated, "room-1", protocol.StateUpdatedPayload{
		Operation: op,
		Clock:     palette.VectorClock{origin: originSeq},
	})
}

func remoteAdd(id, colorID, hex, origin string, seq, originSeq uint64) protocol.Event {
	return echoEvent(palette.Operation{
		ID:   id,
		Kind: palette.KindAddColor,
		Payload: palette.MustPayload(palette.AddColorPayload{
			Color:    palette.Color{ID: colorID, Hex: hex},
			Position: 1 << 20,
		}),
	}, origin, seq, originSeq)
}

func TestConnectHandshakeReachesSynced(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr)

	doc := palette.NewDocument()
	doc.Colors = append(doc.Colors, palette.Color{ID: "c1", Hex: "#AABBCC"})
	state := protocol.RoomStatePayload{
		Room:     "room-1",
		Document: *doc,
		Clock:    palette.VectorClock{"bob": 1},
	}

	s, states := newTestSession(t, testConfig(), d)
	s.Start()

	serveHandshake(t, tr, state)

	waitState(t, states, StateSynced)
	got := s.Document()
	if len(got.Colors) != 1 || got.Colors[0].ID != "c1" {
		t.Fatalf("document = %+v", got)
	}
	if s.Clock().Seen("bob") != 1 {
		t.Fatalf("clock = %v", s.Clock())
	}
}

func TestOptimisticEditAndEchoConfirmation(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr)

	s, states := newTestSession(t, testConfig(), d)
	s.Start()
	serveHandshake(t, tr, emptyRoomState())
	waitState(t, states, StateSynced)

	opID, err := s.AddColor(palette.Color{ID: "c1", Hex: "#FF0000"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Applied locally before any server round trip.
	if doc := s.Document(); len(doc.Colors) != 1 {
		t.Fatalf("optimistic apply missing: %+v", doc)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", s.PendingCount())
	}

	sent := tr.expect(t, protocol.KindOperation)
	op, err := protocol.DecodeOperation(&sent)
	if err != nil {
		t.Fatal(err)
	}
	if op.ID != opID {
		t.Fatalf("sent op id = %s, want %s", op.ID, opID)
	}

	// Echo confirms the pending op without double-applying it.
	tr.push(echoEvent(*op, "alice", 1, 1))

	deadline := time.Now().Add(2 * time.Second)
	for s.PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("echo never confirmed the pending op")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if doc := s.Document(); len(doc.Colors) != 1 {
		t.Fatalf("echo double-applied: %+v", doc.Colors)
	}
	if s.Clock().Seen("alice") != 1 {
		t.Fatalf("clock = %v", s.Clock())
	}
}

func TestRemoteOperationsApplyInArrivalOrder(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr)

	s, states := newTestSession(t, testConfig(), d)
	s.Start()
	serveHandshake(t, tr, emptyRoomState())
	waitState(t, states, StateSynced)

	tr.push(remoteAdd("op-1", "c1", "#111111", "bob", 1, 1))
	tr.push(remoteAdd("op-2", "c2", "#222222", "carol", 2, 1))

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Document().Colors) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("document = %+v", s.Document())
		}
		time.Sleep(2 * time.Millisecond)
	}
	doc := s.Document()
	if doc.Colors[0].ID != "c1" || doc.Colors[1].ID != "c2" {
		t.Fatalf("order = %+v", doc.Colors)
	}
}

func TestReconnectDeltaResync(t *testing.T) {
	tr1 := newFakeTransport()
	tr2 := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr1)
	d.add(tr2)

	s, states := newTestSession(t, testConfig(), d)
	s.Start()
	serveHandshake(t, tr1, emptyRoomState())
	waitState(t, states, StateSynced)

	// One remote op lands, then the connection dies.
	tr1.push(remoteAdd("op-1", "c1", "#111111", "bob", 1, 1))
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Document().Colors) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("remote op never applied")
		}
		time.Sleep(2 * time.Millisecond)
	}
	tr1.Close()
	waitState(t, states, StateDisconnected)

	// Reconnect handshake, then a delta catch-up for what was missed.
	serveHandshake(t, tr2, emptyRoomState())
	syncReq := tr2.expect(t, protocol.KindSyncRequest)
	p, err := protocol.Decode[protocol.SyncRequestPayload](&syncReq)
	if err != nil {
		t.Fatal(err)
	}
	if p.Clock.Seen("bob") != 1 {
		t.Fatalf("sync clock = %v, want bob:1", p.Clock)
	}

	delta := remoteAdd("op-2", "c2", "#222222", "bob", 2, 2)
	dp, _ := protocol.Decode[protocol.StateUpdatedPayload](&delta)
	tr2.push(protocol.NewEvent(protocol.KindSyncOperations, "room-1", protocol.SyncOperationsPayload{
		Operations: []palette.Operation{dp.Operation},
		Clock:      palette.VectorClock{"bob": 2},
	}))

	waitState(t, states, StateSynced)
	doc := s.Document()
	if len(doc.Colors) != 2 {
		t.Fatalf("document after delta = %+v", doc.Colors)
	}
	if s.Clock().Seen("bob") != 2 {
		t.Fatalf("clock = %v", s.Clock())
	}
}

func TestFullSyncReplacesDocument(t *testing.T) {
	tr1 := newFakeTransport()
	tr2 := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr1)
	d.add(tr2)

	s, states := newTestSession(t, testConfig(), d)
	s.Start()
	serveHandshake(t, tr1, emptyRoomState())
	waitState(t, states, StateSynced)

	tr1.Close()
	waitState(t, states, StateDisconnected)

	serveHandshake(t, tr2, emptyRoomState())
	tr2.expect(t, protocol.KindSyncRequest)

	replacement := palette.NewDocument()
	replacement.Colors = append(replacement.Colors,
		palette.Color{ID: "x1", Hex: "#010101"},
		palette.Color{ID: "x2", Hex: "#020202"},
	)
	tr2.push(protocol.NewEvent(protocol.KindFullSync, "room-1", protocol.FullSyncPayload{
		Document: *replacement,
		Clock:    palette.VectorClock{"bob": 40},
	}))

	waitState(t, states, StateSynced)
	doc := s.Document()
	if len(doc.Colors) != 2 || doc.Colors[0].ID != "x1" {
		t.Fatalf("document = %+v", doc.Colors)
	}
	if s.Clock().Seen("bob") != 40 {
		t.Fatalf("clock = %v", s.Clock())
	}
}

func TestResendOnceThenDrop(t *testing.T) {
	tr1 := newFakeTransport()
	tr2 := newFakeTransport()
	tr3 := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr1)
	d.add(tr2)
	d.add(tr3)

	var droppedMu sync.Mutex
	var dropped []string

	s, states := newTestSession(t, testConfig(), d)
	s.OnOperationDropped(func(op palette.Operation) {
		droppedMu.Lock()
		dropped = append(dropped, op.ID)
		droppedMu.Unlock()
	})
	s.Start()
	serveHandshake(t, tr1, emptyRoomState())
	waitState(t, states, StateSynced)

	opID, err := s.AddColor(palette.Color{ID: "c1", Hex: "#FF0000"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	tr1.expect(t, protocol.KindOperation) // first send, never echoed
	tr1.Close()
	waitState(t, states, StateDisconnected)

	// First reconnect: the op is resent once.
	serveHandshake(t, tr2, emptyRoomState())
	tr2.expect(t, protocol.KindSyncRequest)
	tr2.push(protocol.NewEvent(protocol.KindSyncOperations, "room-1", protocol.SyncOperationsPayload{
		Clock: palette.NewVectorClock(),
	}))
	resent := tr2.expect(t, protocol.KindOperation)
	op, _ := protocol.DecodeOperation(&resent)
	if op.ID != opID {
		t.Fatalf("resent id = %s, want %s", op.ID, opID)
	}
	waitState(t, states, StateSynced)

	tr2.Close()
	waitState(t, states, StateDisconnected)

	// Second reconnect: the op is dropped, not sent again.
	serveHandshake(t, tr3, emptyRoomState())
	tr3.expect(t, protocol.KindSyncRequest)
	tr3.push(protocol.NewEvent(protocol.KindSyncOperations, "room-1", protocol.SyncOperationsPayload{
		Clock: palette.NewVectorClock(),
	}))
	waitState(t, states, StateSynced)
	tr3.expectNothing(t, 100*time.Millisecond)

	droppedMu.Lock()
	defer droppedMu.Unlock()
	if len(dropped) != 1 || dropped[0] != opID {
		t.Fatalf("dropped = %v, want [%s]", dropped, opID)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0", s.PendingCount())
	}
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr)

	s, states := newTestSession(t, testConfig(), d)
	s.Start()

	tr.expect(t, protocol.KindAuthenticate)
	tr.push(protocol.NewEvent(protocol.KindAuthError, "", protocol.ErrorPayload{
		Code: protocol.ErrUnauthorized, Message: "invalid token",
	}))

	waitState(t, states, StateFailed)

	// No redial after a credential rejection.
	time.Sleep(50 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRetryBudgetExhaustionIsTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	d := &fakeDialer{} // every dial refused

	s, states := newTestSession(t, cfg, d)
	s.Start()

	waitState(t, states, StateFailed)
	// Initial dial plus MaxAttempts retries.
	if n := d.dialCount(); n != 4 {
		t.Fatalf("dials = %d, want 4", n)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestTypingAutoStopsAfterIdle(t *testing.T) {
	cfg := testConfig()
	cfg.TypingIdle = 30 * time.Millisecond

	tr := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr)

	s, states := newTestSession(t, cfg, d)
	s.Start()
	serveHandshake(t, tr, emptyRoomState())
	waitState(t, states, StateSynced)

	s.StartTyping()
	tr.expect(t, protocol.KindTypingStart)

	// Renewal keeps the indicator up without a second typing_start.
	time.Sleep(10 * time.Millisecond)
	s.StartTyping()

	stop := tr.expect(t, protocol.KindTypingStop)
	if stop.Room != "room-1" {
		t.Fatalf("room = %s", stop.Room)
	}
}

func TestCursorThrottleCollapsesBursts(t *testing.T) {
	cfg := testConfig()
	cfg.CursorThrottle = 40 * time.Millisecond

	tr := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr)

	s, states := newTestSession(t, cfg, d)
	s.Start()
	serveHandshake(t, tr, emptyRoomState())
	waitState(t, states, StateSynced)

	s.MoveCursor(1, 1)
	s.MoveCursor(2, 2)
	s.MoveCursor(3, 3)

	first := tr.expect(t, protocol.KindCursorMove)
	fp, _ := protocol.Decode[protocol.CursorMovePayload](&first)
	if fp.X != 1 {
		t.Fatalf("first cursor x = %v, want 1", fp.X)
	}

	// The burst collapses into one trailing update with the last position.
	second := tr.expect(t, protocol.KindCursorMove)
	sp, _ := protocol.Decode[protocol.CursorMovePayload](&second)
	if sp.X != 3 || sp.Y != 3 {
		t.Fatalf("trailing cursor = %+v, want (3,3)", sp)
	}
	tr.expectNothing(t, 60*time.Millisecond)
}

func TestOfflineEditsFlushOnFirstSync(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.add(tr)

	s, states := newTestSession(t, testConfig(), d)
	s.Start()

	// Edit before the handshake completes.
	if _, err := s.AddColor(palette.Color{ID: "c1", Hex: "#FF0000"}, 0); err != nil {
		t.Fatal(err)
	}
	if doc := s.Document(); len(doc.Colors) != 1 {
		t.Fatalf("offline edit not applied locally: %+v", doc)
	}

	serveHandshake(t, tr, emptyRoomState())
	waitState(t, states, StateSynced)

	// The queued op goes out as part of sync completion.
	sent := tr.expect(t, protocol.KindOperation)
	op, _ := protocol.DecodeOperation(&sent)
	if op.ID == "" {
		t.Fatal("queued op not sent")
	}
}
