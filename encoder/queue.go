// Package encoder implements the background video-encoding queue:
// EncoderWorker drains completed capture events' WALs and transcodes them
// to MP4 via a GStreamer appsrc pipeline.
package encoder

import "context"

// Job describes one completed capture event waiting to be transcoded.
type Job struct {
	EventID    string
	WalPath    string
	CaptureDir string
	FrameCount uint32
	FPS        uint32
}

// Queue is an unbounded FIFO of Jobs. Push never blocks; Pop blocks until
// an item is available or ctx is done. Producers are rare (one job per
// finished capture event), so an unbounded slice behind a mutex is simpler
// and just as correct as a lock-free structure here.
type Queue struct {
	mu     chan struct{} // binary mutex, see lock()/unlock()
	items  []Job
	notify chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	q := &Queue{
		mu:     make(chan struct{}, 1),
		notify: make(chan struct{}, 1),
	}
	q.mu <- struct{}{}
	return q
}

func (q *Queue) lock()   { <-q.mu }
func (q *Queue) unlock() { q.mu <- struct{}{} }

// Push enqueues j without blocking the caller (the ingest/finalize path
// must never wait on the encoder).
func (q *Queue) Push(j Job) {
	q.lock()
	q.items = append(q.items, j)
	q.unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest Job, blocking until one is available
// or ctx is cancelled (in which case ok is false).
func (q *Queue) Pop(ctx context.Context) (Job, bool) {
	for {
		q.lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items = q.items[1:]
			q.unlock()
			return j, true
		}
		q.unlock()

		select {
		case <-q.notify:
			continue
		case <-ctx.Done():
			return Job{}, false
		}
	}
}

// Len reports the current queue depth, for diagnostics.
func (q *Queue) Len() int {
	q.lock()
	defer q.unlock()
	return len(q.items)
}
