package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SnapshotFunc produces the current snapshot for a room at flush time. The
// debouncer calls it as late as possible so the write reflects the whole
// burst of edits that triggered it.
type SnapshotFunc func(ctx context.Context, roomID string) (Snapshot, error)

// Debouncer coalesces persistence triggers per room. Each Trigger arms (or
// re-arms) a timer; the snapshot is taken and saved only once the room has
// been quiet for the configured delay.
type Debouncer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	saver    Saver
	snapshot SnapshotFunc
	delay    time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	flushing sync.WaitGroup
	closed   bool
}

// NewDebouncer creates a debouncer. Delay is how long a room must stay
// quiet before its snapshot is written; zero means 2 seconds.
func NewDebouncer(saver Saver, snapshot SnapshotFunc, delay time.Duration, logger *slog.Logger) *Debouncer {
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Debouncer{
		timers:   make(map[string]*time.Timer),
		saver:    saver,
		snapshot: snapshot,
		delay:    delay,
		timeout:  10 * time.Second,
		logger:   logger.With("component", "store_debouncer"),
	}
}

// Trigger marks a room dirty. Repeated triggers within the delay window
// collapse into a single save.
func (d *Debouncer) Trigger(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[roomID]; ok {
		t.Reset(d.delay)
		return
	}
	d.timers[roomID] = time.AfterFunc(d.delay, func() {
		d.flush(roomID)
	})
}

func (d *Debouncer) flush(roomID string) {
	d.mu.Lock()
	if t, ok := d.timers[roomID]; ok {
		t.Stop()
		delete(d.timers, roomID)
	}
	d.flushing.Add(1)
	d.mu.Unlock()
	defer d.flushing.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	snap, err := d.snapshot(ctx, roomID)
	if err != nil {
		d.logger.Warn("snapshot failed, skipping save",
			"room_id", roomID,
			"error", err)
		return
	}
	if err := d.saver.Save(ctx, snap); err != nil {
		// Persistence is best-effort; the next edit re-arms the timer.
		d.logger.Warn("snapshot save failed",
			"room_id", roomID,
			"error", err)
		return
	}
	d.logger.Debug("snapshot saved", "room_id", roomID)
}

// Flush writes every pending room immediately. Used on shutdown.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	pending := make([]string, 0, len(d.timers))
	for roomID, t := range d.timers {
		t.Stop()
		pending = append(pending, roomID)
	}
	d.timers = make(map[string]*time.Timer)
	d.mu.Unlock()

	for _, roomID := range pending {
		d.flush(roomID)
	}

	done := make(chan struct{})
	go func() {
		d.flushing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the debouncer. Pending timers are dropped; call Flush first
// if their snapshots matter.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for roomID, t := range d.timers {
		t.Stop()
		delete(d.timers, roomID)
	}
}
