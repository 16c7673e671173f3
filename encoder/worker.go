package encoder

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"doorcam/catalog"
	"doorcam/eventbus"
	"doorcam/overlay"
	"doorcam/wal"
)

// defaultFrameDuration is used for the final frame in an event, which has
// no following frame to derive a gap from.
const defaultFrameDuration = time.Second / 30

// Worker drains Queue sequentially (one encode at a time, to bound CPU and
// memory) and transcodes each completed WAL into an MP4 via Factory.
type Worker struct {
	Queue   *Queue
	Factory PipelineFactory
	Bus     *eventbus.Bus
	Overlay overlay.Config

	// KeepImages mirrors capture.keep_images: when true, each frame's
	// (optionally overlaid, optionally rotated) JPEG is also written to
	// <capture_dir>/frames/<timestamp>.jpg.
	KeepImages bool

	// Catalog is the optional durable event history (nil when
	// catalog.dsn is unset). On a successful encode the worker records
	// the final mp4 path and frame count there.
	Catalog *catalog.Client
}

// NewWorker wires a Worker with the production GStreamer pipeline factory.
// cat may be nil, in which case catalog bookkeeping is skipped.
func NewWorker(queue *Queue, bus *eventbus.Bus, overlayCfg overlay.Config, keepImages bool, cat *catalog.Client) *Worker {
	return &Worker{
		Queue:      queue,
		Factory:    NewGstPipeline,
		Bus:        bus,
		Overlay:    overlayCfg,
		KeepImages: keepImages,
		Catalog:    cat,
	}
}

// Run processes jobs until ctx is cancelled. Lowering the process's own
// scheduling priority once, when Run starts, keeps a burst of recordings
// from starving the rest of the system; this is best-effort and only
// supported on Linux.
func (w *Worker) Run(ctx context.Context) {
	lowerPriority()

	for {
		job, ok := w.Queue.Pop(ctx)
		if !ok {
			return
		}
		if err := w.process(ctx, job); err != nil {
			log.Printf("[Encoder] job %s failed: %v", job.EventID, err)
			if w.Bus != nil {
				w.Bus.Publish(eventbus.Event{Type: eventbus.SystemError, Component: "encoder", Message: err.Error()})
			}
			continue // WAL retained for the next startup's recovery pass
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) error {
	r, err := wal.Open(job.WalPath)
	if err != nil {
		return fmt.Errorf("open wal %s: %w", job.WalPath, err)
	}
	defer r.Close()

	fps := job.FPS
	if fps == 0 {
		fps = r.Header.FPS
	}

	mp4Path := job.EventID + ".mp4"
	if job.CaptureDir != "" {
		mp4Path = filepath.Join(filepath.Dir(job.CaptureDir), job.EventID+".mp4")
	}

	pipeline, err := w.Factory(mp4Path, fps)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	type pending struct {
		ts   time.Time
		data []byte
	}
	var first *time.Time
	var prev *pending
	var encodedCount int

	flush := func(cur pending, duration time.Duration) error {
		pts := cur.ts.Sub(*first)
		return pipeline.PushFrame(cur.data, pts, duration)
	}

	if w.KeepImages && job.CaptureDir != "" {
		if err := os.MkdirAll(filepath.Join(job.CaptureDir, "frames"), 0o755); err != nil {
			log.Printf("[Encoder] job %s: create frames dir: %v", job.EventID, err)
		}
	}

	for {
		f, err := r.Next()
		if err != nil {
			return fmt.Errorf("read wal frame: %w", err)
		}
		if f == nil {
			break
		}

		if w.KeepImages && job.CaptureDir != "" {
			w.writeFrameImage(job, f.Timestamp, f.Data)
		}

		if first == nil {
			t := f.Timestamp
			first = &t
		}
		if prev != nil {
			gap := f.Timestamp.Sub(prev.ts)
			if err := flush(*prev, gap); err != nil {
				return fmt.Errorf("push frame: %w", err)
			}
		}
		prev = &pending{ts: f.Timestamp, data: f.Data}
		encodedCount++
	}

	if prev != nil {
		if err := flush(*prev, defaultFrameDuration); err != nil {
			return fmt.Errorf("push final frame: %w", err)
		}
	}

	finishCtx, cancel := context.WithTimeout(ctx, eosWaitTimeout)
	defer cancel()
	if err := pipeline.Finish(finishCtx); err != nil {
		return fmt.Errorf("finish pipeline: %w", err)
	}

	if err := os.Remove(job.WalPath); err != nil && !os.IsNotExist(err) {
		log.Printf("[Encoder] job %s: delete wal after success: %v", job.EventID, err)
	}

	if w.Catalog != nil {
		if err := w.Catalog.CompleteEvent(job.EventID, "", mp4Path, encodedCount); err != nil {
			log.Printf("[Encoder] job %s: catalog complete: %v", job.EventID, err)
		}
	}
	return nil
}

func (w *Worker) writeFrameImage(job Job, ts time.Time, data []byte) {
	out, err := overlay.Apply(data, ts, w.Overlay)
	if err != nil {
		log.Printf("[Encoder] job %s: overlay frame: %v", job.EventID, err)
		out = data
	}
	name := fmt.Sprintf("%s_%03d.jpg", ts.Format("20060102_150405"), ts.Nanosecond()/int(time.Millisecond))
	path := filepath.Join(job.CaptureDir, "frames", name)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		log.Printf("[Encoder] job %s: write frame image: %v", job.EventID, err)
	}
}

func lowerPriority() {
	if runtime.GOOS != "linux" {
		return
	}
	if err := setNiceness(10); err != nil {
		log.Printf("[Encoder] could not lower process priority: %v", err)
	}
}
