package capture

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"doorcam/catalog"
	"doorcam/encoder"
	"doorcam/eventbus"
	"doorcam/framestore"
	"doorcam/wal"
)

// Supervisor owns the active-events table, subscribes to MotionDetected,
// and coordinates dedup-vs-extend, spawning, and crash recovery.
type Supervisor struct {
	cfg   Config
	store *framestore.Store
	bus   *eventbus.Bus
	queue *encoder.Queue
	cat   *catalog.Client // optional durable event history; nil when unset

	mu     sync.RWMutex
	active map[string]*EventTask

	shutdownGrace time.Duration
}

// NewSupervisor wires a Supervisor to its collaborators. store and bus are
// the producer interfaces an external camera driver / motion analyzer
// feed; queue is drained by an EncoderWorker. cat may be nil, in which
// case every event still runs identically minus the catalog bookkeeping.
func NewSupervisor(cfg Config, store *framestore.Store, bus *eventbus.Bus, queue *encoder.Queue, cat *catalog.Client) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		store:         store,
		bus:           bus,
		queue:         queue,
		cat:           cat,
		active:        make(map[string]*EventTask),
		shutdownGrace: 500 * time.Millisecond,
	}
}

// Run performs startup recovery, then subscribes to the event bus and
// processes MotionDetected events until ctx is cancelled, at which point
// it cancels every active task and waits a brief grace period before
// returning.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	// Recovery runs before subscribing, so recovery-enqueued jobs are
	// always scheduled before any live event can be spawned.
	if err := s.recover(); err != nil {
		return err
	}

	events, lagged, unsubscribe := s.bus.Subscribe(ctx)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case n := <-lagged:
			log.Printf("[Supervisor] motion subscriber lagged, dropped %d events", n)
		case ev, ok := <-events:
			if !ok {
				s.shutdown()
				return nil
			}
			if ev.Type != eventbus.MotionDetected {
				continue
			}
			s.handleMotionDetected(ctx, time.Unix(0, ev.Timestamp))
		}
	}
}

// handleMotionDetected extends an in-window active event, preferring the
// one with the most recent motion, or creates a new one.
func (s *Supervisor) handleMotionDetected(ctx context.Context, m time.Time) {
	postroll := s.cfg.postrollDuration()

	s.mu.RLock()
	var target *EventTask
	var targetLatest time.Time
	for _, task := range s.active {
		l := task.LatestMotionTime()
		d := m.Sub(l)
		if d >= 0 && d < postroll {
			if target == nil || l.After(targetLatest) {
				target = task
				targetLatest = l
			}
		}
	}
	s.mu.RUnlock()

	if target != nil {
		target.Extend(m)
		return
	}

	eventID := FormatEventID(m, s.cfg.Overlay.Timezone)
	if s.cfg.KeepImages {
		if err := os.MkdirAll(s.cfg.EventDir(eventID), 0o755); err != nil {
			log.Printf("[Supervisor] create event dir for %s: %v", eventID, err)
		}
	}

	task := newEventTask(eventID, m, s.cfg, s.store, s.bus, s.queue, s.cat, s.remove)

	s.mu.Lock()
	s.active[eventID] = task
	s.mu.Unlock()

	go task.Run(ctx)
}

func (s *Supervisor) remove(eventID string) {
	s.mu.Lock()
	delete(s.active, eventID)
	s.mu.Unlock()
}

// recover scans <capture_path>/wal/*.wal on startup. Each file found is a
// closed WAL from a crashed or restarted process: its header is read, the
// per-event directory is created if keep_images is set, and an encoder
// job is enqueued directly. Writing is never resumed on a recovered WAL.
func (s *Supervisor) recover() error {
	walDir := s.cfg.WalDir()
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return fmt.Errorf("create capture root %s: %w", walDir, err)
	}

	matches, err := filepath.Glob(filepath.Join(walDir, "*.wal"))
	if err != nil {
		return fmt.Errorf("scan wal dir %s: %w", walDir, err)
	}

	for _, path := range matches {
		r, err := wal.Open(path)
		if err != nil {
			log.Printf("[Supervisor] recovery: skipping unreadable wal %s: %v", path, err)
			continue
		}
		frameCount := r.Header.FrameCount
		fps := r.Header.FPS
		r.Close()

		// The header's event_id field is capped at 16 bytes and may be a
		// truncated form of the full id; the file stem always carries the
		// complete one.
		eventID := strings.TrimSuffix(filepath.Base(path), ".wal")

		log.Printf("[Supervisor] recovering wal %s (event=%s claimed_frames=%d)", path, eventID, frameCount)

		if s.cat != nil && eventID != "" {
			now := time.Now()
			if err := s.cat.UpsertEvent(eventID, "recovered", now, now, int(frameCount)); err != nil {
				log.Printf("[Supervisor] recovery: catalog upsert for %s: %v", eventID, err)
			}
		}

		if s.cfg.KeepImages && eventID != "" {
			if err := os.MkdirAll(s.cfg.EventDir(eventID), 0o755); err != nil {
				log.Printf("[Supervisor] recovery: create event dir for %s: %v", eventID, err)
			}
		}

		s.queue.Push(encoder.Job{
			EventID:    eventID,
			WalPath:    path,
			CaptureDir: s.cfg.EventDir(eventID),
			FrameCount: frameCount,
			FPS:        fps,
		})
	}
	return nil
}

func (s *Supervisor) shutdown() {
	s.mu.RLock()
	tasks := make([]*EventTask, 0, len(s.active))
	for _, t := range s.active {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	for _, t := range tasks {
		t.Cancel()
	}

	deadline := time.After(s.shutdownGrace)
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-deadline:
			return
		}
	}
}

// Active reports the event IDs currently being captured, for diagnostics.
func (s *Supervisor) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}
