package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/palettelabs/palettesync/pkg/palette"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testRoom(t *testing.T, cfg Config) *Room {
	t.Helper()
	r := newRoom("room-test", cfg, nil, testLogger())
	t.Cleanup(r.close)
	return r
}

func addColorOp(id, colorID, hex, origin string) palette.Operation {
	return palette.Operation{
		ID:     id,
		Kind:   palette.KindAddColor,
		Origin: origin,
		Payload: palette.MustPayload(palette.AddColorPayload{
			Color:    palette.Color{ID: colorID, Hex: hex},
			Position: 1 << 20, // clamped to the tail
		}),
	}
}

func TestRecordOperationAssignsSeqAndClock(t *testing.T) {
	r := testRoom(t, DefaultConfig())
	ctx := context.Background()

	op1, err := r.RecordOperation(ctx, addColorOp("op-1", "c1", "#FF0000", "alice"))
	if err != nil {
		t.Fatal(err)
	}
	op2, err := r.RecordOperation(ctx, addColorOp("op-2", "c2", "#00FF00", "bob"))
	if err != nil {
		t.Fatal(err)
	}
	op3, err := r.RecordOperation(ctx, addColorOp("op-3", "c3", "#0000FF", "alice"))
	if err != nil {
		t.Fatal(err)
	}

	if op1.Seq != 1 || op2.Seq != 2 || op3.Seq != 3 {
		t.Fatalf("seqs = %d, %d, %d, want 1, 2, 3", op1.Seq, op2.Seq, op3.Seq)
	}
	if op1.OriginSeq != 1 || op3.OriginSeq != 2 {
		t.Fatalf("alice origin seqs = %d, %d, want 1, 2", op1.OriginSeq, op3.OriginSeq)
	}
	if op2.OriginSeq != 1 {
		t.Fatalf("bob origin seq = %d, want 1", op2.OriginSeq)
	}
	if op1.Time.IsZero() {
		t.Fatal("arrival time not stamped")
	}

	clock := r.Clock()
	if clock.Seen("alice") != 2 || clock.Seen("bob") != 1 {
		t.Fatalf("clock = %v", clock)
	}
}

func TestRecordOperationRejectsInvalid(t *testing.T) {
	r := testRoom(t, DefaultConfig())

	bad := addColorOp("", "c1", "#FF0000", "alice") // missing id
	if _, err := r.RecordOperation(context.Background(), bad); err == nil {
		t.Fatal("invalid operation accepted")
	}

	// Rejected operations must not advance the clock or the log.
	if r.Clock().Seen("alice") != 0 {
		t.Fatal("clock ticked for rejected operation")
	}
}

func TestRecordOperationMissingColorIsLoggedNoOp(t *testing.T) {
	r := testRoom(t, DefaultConfig())
	ctx := context.Background()

	stale := palette.Operation{
		ID:      "op-stale",
		Kind:    palette.KindUpdateColor,
		Origin:  "alice",
		Payload: palette.MustPayload(palette.UpdateColorPayload{ID: "ghost", Hex: "#ABCDEF"}),
	}
	op, err := r.RecordOperation(ctx, stale)
	if err != nil {
		t.Fatalf("stale operation should be accepted as a no-op: %v", err)
	}
	if op.Seq != 1 {
		t.Fatalf("seq = %d, want 1", op.Seq)
	}

	state, err := r.State()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Document.Colors) != 0 {
		t.Fatal("no-op mutated the document")
	}
	if len(state.Operations) != 1 || state.Operations[0].ID != "op-stale" {
		t.Fatal("no-op missing from the log")
	}
}

func TestJoinSnapshotIsConsistent(t *testing.T) {
	r := testRoom(t, DefaultConfig())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("op-%d", i)
		if _, err := r.RecordOperation(ctx, addColorOp(id, "c"+id, "#112233", "alice")); err != nil {
			t.Fatal(err)
		}
	}

	state, err := r.Join(Participant{UserID: "bob", ConnID: "conn-bob"})
	if err != nil {
		t.Fatal(err)
	}

	if len(state.Document.Colors) != 3 {
		t.Fatalf("document has %d colors, want 3", len(state.Document.Colors))
	}
	if state.Clock.Seen("alice") != 3 {
		t.Fatalf("clock = %v", state.Clock)
	}
	if len(state.Members) != 1 || state.Members[0].ConnID != "conn-bob" {
		t.Fatalf("members = %+v, want the joiner itself", state.Members)
	}
	if len(state.Operations) != 3 {
		t.Fatalf("log has %d ops, want 3", len(state.Operations))
	}
	if state.Members[0].JoinedAt.IsZero() {
		t.Fatal("JoinedAt not stamped")
	}
}

func TestJoinSameConnReplacesEntry(t *testing.T) {
	r := testRoom(t, DefaultConfig())

	if _, err := r.Join(Participant{UserID: "u", ConnID: "c1", Name: "old"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join(Participant{UserID: "u", ConnID: "c1", Name: "new"}); err != nil {
		t.Fatal(err)
	}

	members := r.Members()
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
	if members[0].Name != "new" {
		t.Fatalf("name = %s, want new", members[0].Name)
	}
}

func TestJoinRoomFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParticipantsPerRoom = 2
	r := testRoom(t, cfg)

	for i := 0; i < 2; i++ {
		if _, err := r.Join(Participant{UserID: "u", ConnID: fmt.Sprintf("c%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Join(Participant{UserID: "u", ConnID: "c2"}); err != ErrRoomFull {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}

	// A rejoin of an existing connection is not a capacity violation.
	if _, err := r.Join(Participant{UserID: "u", ConnID: "c0"}); err != nil {
		t.Fatalf("rejoin rejected: %v", err)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := testRoom(t, DefaultConfig())

	if _, err := r.Join(Participant{UserID: "u", ConnID: "c1"}); err != nil {
		t.Fatal(err)
	}

	if _, ok := r.Leave("c1"); !ok {
		t.Fatal("first leave should report removal")
	}
	if _, ok := r.Leave("c1"); ok {
		t.Fatal("second leave should be a no-op")
	}
	if _, ok := r.Leave("never-joined"); ok {
		t.Fatal("leaving without joining should be a no-op")
	}
}

func TestSyncEmptyDeltaWhenCurrent(t *testing.T) {
	r := testRoom(t, DefaultConfig())
	ctx := context.Background()

	if _, err := r.RecordOperation(ctx, addColorOp("op-1", "c1", "#FF0000", "alice")); err != nil {
		t.Fatal(err)
	}

	res, err := r.Sync(r.Clock())
	if err != nil {
		t.Fatal(err)
	}
	if res.Full {
		t.Fatal("current client got a full sync")
	}
	if len(res.Operations) != 0 {
		t.Fatalf("current client got %d ops, want 0", len(res.Operations))
	}
}

func TestSyncDeltaWithinWindow(t *testing.T) {
	r := testRoom(t, DefaultConfig())
	ctx := context.Background()

	if _, err := r.RecordOperation(ctx, addColorOp("op-1", "c1", "#FF0000", "alice")); err != nil {
		t.Fatal(err)
	}
	before := r.Clock()
	if _, err := r.RecordOperation(ctx, addColorOp("op-2", "c2", "#00FF00", "bob")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecordOperation(ctx, addColorOp("op-3", "c3", "#0000FF", "alice")); err != nil {
		t.Fatal(err)
	}

	res, err := r.Sync(before)
	if err != nil {
		t.Fatal(err)
	}
	if res.Full {
		t.Fatal("delta-recoverable client got a full sync")
	}
	if len(res.Operations) != 2 || res.Operations[0].ID != "op-2" || res.Operations[1].ID != "op-3" {
		t.Fatalf("delta = %+v, want op-2, op-3", res.Operations)
	}
	if !res.Clock.Equal(r.Clock()) {
		t.Fatal("sync clock does not match room clock")
	}
}

func TestSyncFullAfterCompaction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpLogCapacity = 5
	r := testRoom(t, cfg)
	ctx := context.Background()

	// Client goes offline knowing nothing, then the room outruns the log.
	stale := palette.NewVectorClock()
	for i := 1; i <= 8; i++ {
		id := fmt.Sprintf("op-%d", i)
		if _, err := r.RecordOperation(ctx, addColorOp(id, "c"+id, "#112233", "alice")); err != nil {
			t.Fatal(err)
		}
	}

	res, err := r.Sync(stale)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Full {
		t.Fatal("client behind the compaction floor should get a full sync")
	}
	if res.Document == nil || len(res.Document.Colors) != 8 {
		t.Fatalf("full sync document = %+v", res.Document)
	}
	if res.Clock.Seen("alice") != 8 {
		t.Fatalf("full sync clock = %v", res.Clock)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	r := testRoom(t, DefaultConfig())
	ctx := context.Background()

	if _, err := r.RecordOperation(ctx, addColorOp("op-1", "c1", "#FF0000", "alice")); err != nil {
		t.Fatal(err)
	}

	stale := palette.NewVectorClock()
	first, err := r.Sync(stale)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Sync(stale)
	if err != nil {
		t.Fatal(err)
	}

	if len(first.Operations) != len(second.Operations) {
		t.Fatalf("repeated sync differs: %d vs %d ops", len(first.Operations), len(second.Operations))
	}
	for i := range first.Operations {
		if first.Operations[i].ID != second.Operations[i].ID {
			t.Fatalf("repeated sync differs at %d", i)
		}
	}
}

func TestOperationHookPreservesArrivalOrder(t *testing.T) {
	const workers = 8
	const opsPerWorker = 25

	var mu sync.Mutex
	var seqs []uint64
	hook := func(_ string, op palette.Operation, _ palette.VectorClock) {
		mu.Lock()
		seqs = append(seqs, op.Seq)
		mu.Unlock()
	}

	r := newRoom("room-hook", DefaultConfig(), hook, testLogger())
	defer r.close()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				id := fmt.Sprintf("op-%d-%d", w, i)
				op := addColorOp(id, "c-"+id, "#334455", fmt.Sprintf("user-%d", w))
				if _, err := r.RecordOperation(context.Background(), op); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != workers*opsPerWorker {
		t.Fatalf("hook fired %d times, want %d", len(seqs), workers*opsPerWorker)
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("hook order broken at %d: seq %d", i, seq)
		}
	}
}

func TestClosedRoomRejectsWork(t *testing.T) {
	r := newRoom("room-closed", DefaultConfig(), nil, testLogger())
	r.close()
	r.close() // idempotent

	if _, err := r.Join(Participant{UserID: "u", ConnID: "c"}); err != ErrRoomClosed {
		t.Fatalf("err = %v, want ErrRoomClosed", err)
	}
	if _, err := r.RecordOperation(context.Background(), addColorOp("op", "c", "#112233", "u")); err != ErrRoomClosed {
		t.Fatalf("err = %v, want ErrRoomClosed", err)
	}
}

func TestLastActiveAdvances(t *testing.T) {
	r := testRoom(t, DefaultConfig())

	before := r.LastActive()
	time.Sleep(2 * time.Millisecond)
	if _, err := r.Join(Participant{UserID: "u", ConnID: "c"}); err != nil {
		t.Fatal(err)
	}
	if !r.LastActive().After(before) {
		t.Fatal("LastActive did not advance on join")
	}
}
