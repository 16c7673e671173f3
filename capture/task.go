package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"doorcam/catalog"
	"doorcam/encoder"
	"doorcam/eventbus"
	"doorcam/framestore"
	"doorcam/metadata"
	"doorcam/wal"
)

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// pollInterval is how often the Live state re-polls FrameStore and checks
// the termination condition.
const pollInterval = 100 * time.Millisecond

// taskState is the small state-machine seam: each concrete state knows
// only how to run itself and what state follows.
type taskState interface {
	name() string
	step(ctx context.Context, t *EventTask) (taskState, error)
}

type baseState struct{ n string }

func (b baseState) name() string { return b.n }

type prerollState struct{ baseState }
type liveState struct{ baseState }
type finalizingState struct{ baseState }
type finalizedState struct{ baseState }
type cancelledState struct{ baseState }

// EventTask is the per-event state machine owning one WAL writer and the
// inclusion policy for its frames. It is created by Supervisor and run on
// its own goroutine.
type EventTask struct {
	EventID           string
	InitialMotionTime time.Time

	cfg   Config
	store *framestore.Store
	bus   *eventbus.Bus
	queue *encoder.Queue
	cat   *catalog.Client // optional durable event history; nil when unset

	latestMotionNanos  atomic.Int64
	postrollStartNanos atomic.Int64

	lastWrittenFrameID uint64 // touched only by the owning goroutine
	totalFrameCount    int
	prerollFrameCount  int

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}

	writer *wal.Writer

	onFinished func(eventID string) // removes the task from the supervisor's table
}

// newEventTask constructs a task for a freshly observed motion event. The
// caller (Supervisor) is responsible for registering it in the
// active-events table before calling Run.
func newEventTask(eventID string, motionTime time.Time, cfg Config, store *framestore.Store, bus *eventbus.Bus, queue *encoder.Queue, cat *catalog.Client, onFinished func(string)) *EventTask {
	t := &EventTask{
		EventID:           eventID,
		InitialMotionTime: motionTime,
		cfg:               cfg,
		store:             store,
		bus:               bus,
		queue:             queue,
		cat:               cat,
		cancelCh:          make(chan struct{}),
		done:              make(chan struct{}),
		onFinished:        onFinished,
	}
	t.latestMotionNanos.Store(motionTime.UnixNano())
	return t
}

// upsertCatalog records the event's current state in the optional catalog.
// A no-op when no catalog.Client is configured.
func (t *EventTask) upsertCatalog(state string) {
	if t.cat == nil {
		return
	}
	if err := t.cat.UpsertEvent(t.EventID, state, t.InitialMotionTime, t.LatestMotionTime(), t.totalFrameCount); err != nil {
		log.Printf("[Capture] event %s: catalog upsert (%s): %v", t.EventID, state, err)
	}
}

// LatestMotionTime returns the current value of latest_motion_time.
func (t *EventTask) LatestMotionTime() time.Time {
	return time.Unix(0, t.latestMotionNanos.Load())
}

// Extend moves latest_motion_time forward to newTime if it is more recent
// than the current value; earlier values are ignored.
func (t *EventTask) Extend(newTime time.Time) {
	n := newTime.UnixNano()
	for {
		cur := t.latestMotionNanos.Load()
		if n <= cur {
			return
		}
		if t.latestMotionNanos.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Cancel requests the task transition to Finalizing on its next tick
// without losing already-captured data.
func (t *EventTask) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

// Done is closed once the task has reached a terminal state.
func (t *EventTask) Done() <-chan struct{} { return t.done }

// Run drives the task through Preroll -> Live -> Finalizing -> terminal.
func (t *EventTask) Run(ctx context.Context) {
	defer close(t.done)
	defer func() {
		if t.onFinished != nil {
			t.onFinished(t.EventID)
		}
	}()

	var cur taskState = prerollState{baseState{"preroll"}}
	for cur != nil {
		next, err := cur.step(ctx, t)
		if err != nil {
			log.Printf("[Capture] event %s: %s step failed: %v", t.EventID, cur.name(), err)
			t.bus.Publish(eventbus.Event{Type: eventbus.SystemError, Component: "capture", Message: err.Error()})
		}
		cur = next
	}
}

func (s prerollState) step(ctx context.Context, t *EventTask) (taskState, error) {
	walDir := t.cfg.WalDir()
	w, err := wal.New(t.EventID, walDir, t.cfg.FPS)
	if err != nil {
		return nil, fmt.Errorf("open wal for %s: %w", t.EventID, err)
	}
	t.writer = w

	frames := t.store.Preroll(t.InitialMotionTime)
	for _, f := range frames {
		if err := t.writer.AppendFrame(f); err != nil {
			return finalizingState{baseState{"finalizing"}}, err
		}
		t.lastWrittenFrameID = f.ID
		t.totalFrameCount++
	}
	t.prerollFrameCount = len(frames)

	t.bus.Publish(eventbus.Event{Type: eventbus.CaptureStarted, EventID: t.EventID})
	t.postrollStartNanos.Store(time.Now().UnixNano())
	t.upsertCatalog("live")

	return liveState{baseState{"live"}}, nil
}

func (s liveState) step(ctx context.Context, t *EventTask) (taskState, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.cancelCh:
			return finalizingState{baseState{"finalizing"}}, nil
		case <-ctx.Done():
			return finalizingState{baseState{"finalizing"}}, nil
		case <-ticker.C:
			newFrames := t.store.SinceID(t.lastWrittenFrameID)
			for _, f := range newFrames {
				if err := t.writer.AppendFrame(f); err != nil {
					return finalizingState{baseState{"finalizing"}}, err
				}
				t.lastWrittenFrameID = f.ID
				t.totalFrameCount++
			}

			now := time.Now()
			postrollStart := time.Unix(0, t.postrollStartNanos.Load())
			postroll := t.cfg.postrollDuration()
			// Both checks guard against the race where latest_motion_time
			// is extended concurrently just as this tick evaluates it.
			if now.Sub(t.LatestMotionTime()) >= postroll && now.Sub(postrollStart) >= postroll {
				return finalizingState{baseState{"finalizing"}}, nil
			}
		}
	}
}

func (s finalizingState) step(ctx context.Context, t *EventTask) (taskState, error) {
	var closeErr error
	walPath := ""
	if t.writer != nil {
		walPath, closeErr = t.writer.Close()
	}
	if closeErr != nil {
		return cancelledState{baseState{"cancelled"}}, closeErr
	}

	t.upsertCatalog("finalizing")

	if t.cfg.SaveMetadata {
		sidecar := metadata.Sidecar{
			EventID:            t.EventID,
			StartTime:          t.InitialMotionTime.Add(-t.cfg.prerollDuration()),
			MotionDetectedTime: t.InitialMotionTime,
			PrerollFrameCount:  t.prerollFrameCount,
			PostrollFrameCount: t.totalFrameCount - t.prerollFrameCount,
			TotalFrameCount:    t.totalFrameCount,
			CaptureConfig:      t.cfg.captureSnapshot(),
			EventConfig:        t.cfg.eventSnapshot(),
		}
		if err := metadata.Write(t.cfg.Path, sidecar); err != nil {
			log.Printf("[Capture] event %s: write metadata: %v", t.EventID, err)
		}
	}

	if t.cfg.VideoEncoding {
		t.queue.Push(encoder.Job{
			EventID:    t.EventID,
			WalPath:    walPath,
			CaptureDir: t.cfg.EventDir(t.EventID),
			FrameCount: uint32(t.totalFrameCount),
			FPS:        t.cfg.FPS,
		})
	} else {
		if err := removeFile(walPath); err != nil {
			log.Printf("[Capture] event %s: delete wal (encoding disabled): %v", t.EventID, err)
		}
		if t.cat != nil {
			if err := t.cat.CompleteEvent(t.EventID, "", "", t.totalFrameCount); err != nil {
				log.Printf("[Capture] event %s: catalog complete: %v", t.EventID, err)
			}
		}
	}

	t.bus.Publish(eventbus.Event{Type: eventbus.CaptureCompleted, EventID: t.EventID, FileCount: t.totalFrameCount})

	return finalizedState{baseState{"finalized"}}, nil
}

func (s finalizedState) step(ctx context.Context, t *EventTask) (taskState, error) {
	return nil, nil
}

func (s cancelledState) step(ctx context.Context, t *EventTask) (taskState, error) {
	return nil, nil
}
