package registry

import (
	"context"
	"testing"
	"time"
)

func TestGetOrCreateReturnsSameRoom(t *testing.T) {
	reg := New(DefaultConfig(), testLogger())
	defer reg.Close(context.Background())

	a, err := reg.GetOrCreate("room-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.GetOrCreate("room-a")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("GetOrCreate returned different rooms for the same id")
	}

	if _, ok := reg.Get("room-a"); !ok {
		t.Fatal("Get missed an existing room")
	}
	if _, ok := reg.Get("room-b"); ok {
		t.Fatal("Get found a room that was never created")
	}
}

func TestSweepEvictsIdleEmptyRooms(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoomIdleTimeout = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	reg := New(cfg, testLogger())
	defer reg.Close(context.Background())

	if _, err := reg.GetOrCreate("room-idle"); err != nil {
		t.Fatal(err)
	}

	occupied, err := reg.GetOrCreate("room-occupied")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := occupied.Join(Participant{UserID: "u", ConnID: "c"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := reg.Get("room-idle"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle room was not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Rooms with members survive regardless of idleness.
	time.Sleep(50 * time.Millisecond)
	if _, ok := reg.Get("room-occupied"); !ok {
		t.Fatal("occupied room was evicted")
	}
}

func TestCloseRejectsNewRooms(t *testing.T) {
	reg := New(DefaultConfig(), testLogger())

	room, err := reg.GetOrCreate("room-a")
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(context.Background()); err != nil {
		t.Fatal("second close should be a no-op")
	}

	if _, err := reg.GetOrCreate("room-b"); err != ErrRegistryClosed {
		t.Fatalf("err = %v, want ErrRegistryClosed", err)
	}
	if _, err := room.Join(Participant{UserID: "u", ConnID: "c"}); err != ErrRoomClosed {
		t.Fatalf("err = %v, want ErrRoomClosed", err)
	}
}

func TestStats(t *testing.T) {
	reg := New(DefaultConfig(), testLogger())
	defer reg.Close(context.Background())

	a, _ := reg.GetOrCreate("room-a")
	b, _ := reg.GetOrCreate("room-b")
	a.Join(Participant{UserID: "u1", ConnID: "c1"})
	a.Join(Participant{UserID: "u2", ConnID: "c2"})
	b.Join(Participant{UserID: "u3", ConnID: "c3"})

	s := reg.Stats()
	if s.Rooms != 2 {
		t.Fatalf("rooms = %d, want 2", s.Rooms)
	}
	if s.Participants != 3 {
		t.Fatalf("participants = %d, want 3", s.Participants)
	}
}
