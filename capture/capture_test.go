package capture_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"doorcam/capture"
	"doorcam/encoder"
	"doorcam/eventbus"
	"doorcam/frame"
	"doorcam/framestore"
)

func newHarness(t *testing.T, preroll, postroll int) (*capture.Supervisor, *framestore.Store, *eventbus.Bus, *encoder.Queue, string) {
	t.Helper()
	dir := t.TempDir()
	store := framestore.New(10000, time.Duration(preroll)*time.Second)
	bus := eventbus.New()
	queue := encoder.NewQueue()
	cfg := capture.Config{
		Path:            dir,
		KeepImages:      false,
		VideoEncoding:   true,
		SaveMetadata:    false,
		PrerollSeconds:  preroll,
		PostrollSeconds: postroll,
		FPS:             30,
	}
	return capture.NewSupervisor(cfg, store, bus, queue, nil), store, bus, queue, dir
}

func TestFormatEventIDFormat(t *testing.T) {
	loc := time.UTC
	ts := time.Date(2026, 7, 31, 12, 0, 0, 123000000, loc)
	got := capture.FormatEventID(ts, loc)
	want := "20260731_120000_123"
	if got != want {
		t.Fatalf("FormatEventID = %q, want %q", got, want)
	}
}

func TestSingleMotionEventProducesOneEncoderJob(t *testing.T) {
	sup, store, bus, queue, _ := newHarness(t, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	base := time.Now().Add(-2 * time.Second)
	for i := uint64(1); i <= 60; i++ {
		store.Push(frame.Frame{ID: i, Timestamp: base.Add(time.Duration(i) * 33 * time.Millisecond), Data: []byte{1}})
	}

	motionTime := time.Now()
	bus.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: motionTime.UnixNano()})

	// Feed a few more post-motion frames so the Live loop has something to
	// read on its first ticks.
	for i := uint64(61); i <= 70; i++ {
		store.Push(frame.Frame{ID: i, Timestamp: time.Now(), Data: []byte{1}})
	}

	select {
	case job, ok := <-popCtx(t, queue):
		if !ok {
			t.Fatal("expected an encoder job")
		}
		if job.EventID == "" {
			t.Fatal("expected non-empty event id on job")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for encoder job after postroll elapsed")
	}

	cancel()
	<-done
}

func TestExtendKeepsSingleEventWithinPostrollWindow(t *testing.T) {
	sup, store, bus, queue, _ := newHarness(t, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	for i := uint64(1); i <= 10; i++ {
		store.Push(frame.Frame{ID: i, Timestamp: time.Now(), Data: []byte{1}})
	}

	bus.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: time.Now().UnixNano()})
	time.Sleep(200 * time.Millisecond)
	if len(sup.Active()) != 1 {
		t.Fatalf("expected exactly one active event, got %d", len(sup.Active()))
	}
	firstActive := sup.Active()[0]

	// Extend within the postroll window: must NOT create a second event.
	bus.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: time.Now().Add(500 * time.Millisecond).UnixNano()})
	time.Sleep(200 * time.Millisecond)

	active := sup.Active()
	if len(active) != 1 || active[0] != firstActive {
		t.Fatalf("expected the single event to be extended, got active=%v", active)
	}

	cancel()
	<-done
	_ = queue
}

func popCtx(t *testing.T, q *encoder.Queue) chan encoder.Job {
	t.Helper()
	ch := make(chan encoder.Job, 1)
	go func() {
		job, ok := q.Pop(context.Background())
		if ok {
			ch <- job
		}
		close(ch)
	}()
	return ch
}

func TestMotionsFurtherApartThanPostrollCreateTwoEvents(t *testing.T) {
	sup, store, bus, _, _ := newHarness(t, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started, _, unsub := bus.Subscribe(ctx)
	defer unsub()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond) // let the supervisor subscribe

	for i := uint64(1); i <= 10; i++ {
		store.Push(frame.Frame{ID: i, Timestamp: time.Now(), Data: []byte{1}})
	}

	bus.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: time.Now().UnixNano()})
	// Wait past the first event's postroll so the second motion cannot
	// extend it.
	time.Sleep(1500 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: time.Now().UnixNano()})

	ids := make(map[string]bool)
	deadline := time.After(3 * time.Second)
	for len(ids) < 2 {
		select {
		case ev := <-started:
			if ev.Type == eventbus.CaptureStarted {
				ids[ev.EventID] = true
			}
		case <-deadline:
			t.Fatalf("expected two distinct events, saw %v", ids)
		}
	}

	cancel()
	<-done
}

func TestFinalizeWithoutEncodingDeletesWalAndWritesMetadata(t *testing.T) {
	dir := t.TempDir()
	store := framestore.New(1000, time.Second)
	bus := eventbus.New()
	queue := encoder.NewQueue()
	cfg := capture.Config{
		Path:            dir,
		VideoEncoding:   false,
		SaveMetadata:    true,
		PrerollSeconds:  1,
		PostrollSeconds: 1,
		FPS:             30,
	}
	sup := capture.NewSupervisor(cfg, store, bus, queue, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed, _, unsub := bus.Subscribe(ctx)
	defer unsub()

	go sup.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	for i := uint64(1); i <= 10; i++ {
		store.Push(frame.Frame{ID: i, Timestamp: time.Now(), Data: []byte{1}})
	}
	bus.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: time.Now().UnixNano()})

	var eventID string
	deadline := time.After(4 * time.Second)
	for eventID == "" {
		select {
		case ev := <-completed:
			if ev.Type == eventbus.CaptureCompleted {
				eventID = ev.EventID
			}
		case <-deadline:
			t.Fatal("timed out waiting for CaptureCompleted")
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "wal", eventID+".wal")); !os.IsNotExist(err) {
		t.Fatalf("expected wal deleted when encoding disabled, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, eventID+".metadata.json")); err != nil {
		t.Fatalf("expected metadata sidecar, stat err = %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected no encoder job when encoding disabled, queue depth %d", queue.Len())
	}
}

func TestRecoveryEnqueuesJobForExistingWal(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		t.Fatalf("mkdir wal dir: %v", err)
	}

	// Write a minimal valid WAL header directly (event already "closed").
	hdr := make([]byte, 32)
	copy(hdr[0:4], "DCAM")
	hdr[4] = 2
	copy(hdr[8:24], []byte("recovered_evt"))
	if err := os.WriteFile(filepath.Join(walDir, "recovered_evt.wal"), hdr, 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	store := framestore.New(100, time.Second)
	bus := eventbus.New()
	queue := encoder.NewQueue()
	cfg := capture.Config{Path: dir, PrerollSeconds: 1, PostrollSeconds: 1, VideoEncoding: true}
	sup := capture.NewSupervisor(cfg, store, bus, queue, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	defer cancel()

	select {
	case job, ok := <-popCtx(t, queue):
		if !ok {
			t.Fatal("expected recovered job")
		}
		if job.EventID != "recovered_evt" {
			t.Fatalf("job event id = %q, want recovered_evt", job.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery job")
	}
}

func TestRecoveryUsesFullEventIDFromFileName(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		t.Fatalf("mkdir wal dir: %v", err)
	}

	// A real event id is 19 chars; the header field stores only the first
	// 16 bytes. Recovery must recover the full id from the file name so
	// the mp4 and event directory names line up with the live path.
	const fullID = "20260731_120000_123"
	hdr := make([]byte, 32)
	copy(hdr[0:4], "DCAM")
	hdr[4] = 2
	copy(hdr[8:24], []byte(fullID)) // copy caps at 16 bytes
	if err := os.WriteFile(filepath.Join(walDir, fullID+".wal"), hdr, 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	store := framestore.New(100, time.Second)
	bus := eventbus.New()
	queue := encoder.NewQueue()
	cfg := capture.Config{Path: dir, PrerollSeconds: 1, PostrollSeconds: 1, VideoEncoding: true}
	sup := capture.NewSupervisor(cfg, store, bus, queue, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	defer cancel()

	select {
	case job, ok := <-popCtx(t, queue):
		if !ok {
			t.Fatal("expected recovered job")
		}
		if job.EventID != fullID {
			t.Fatalf("job event id = %q, want full id %q", job.EventID, fullID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery job")
	}
}
