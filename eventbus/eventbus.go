// Package eventbus implements the lossy typed broadcast channel that
// connects the motion analyzer to the CaptureSupervisor. The broadcast
// is a buffered per-subscriber channel with a non-blocking send and an
// explicit unsubscribe, plus a per-subscriber lag counter so a slow
// consumer can tell how much it missed.
package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscriber channel depth before a publish is
// considered lagging and dropped.
const subscriberBuffer = 100

// EventType discriminates the payloads carried on the bus.
type EventType int

const (
	MotionDetected EventType = iota
	CaptureStarted
	CaptureCompleted
	SystemError
)

// Event is the envelope published on the bus. Only the field matching Type
// is meaningful.
type Event struct {
	Type EventType

	// MotionDetected
	ContourArea float64
	Timestamp   int64 // unix nanos, avoids importing time into the hot publish path

	// CaptureStarted / CaptureCompleted
	EventID   string
	FileCount int

	// SystemError
	Component string
	Message   string
}

// subscription is one subscriber's channel plus its lag counter.
type subscription struct {
	ch      chan Event
	lagged  chan int // receives n whenever this subscriber drops n events
	dropped atomic.Int64
}

// Bus is a FIFO-per-publisher, lossy-per-subscriber broadcast channel.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers a new subscriber and returns its event channel, its
// lag-notification channel (receives a count each time events were
// dropped), and a cancel function that unsubscribes and closes both
// channels. Closed-channel is terminal: once cancel is called the
// subscriber must stop reading.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, <-chan int, context.CancelFunc) {
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscription{
		ch:     make(chan Event, subscriberBuffer),
		lagged: make(chan int, 1),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
				close(sub.lagged)
			}
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return sub.ch, sub.lagged, unsubscribe
}

// Publish broadcasts ev to every current subscriber without blocking. A
// subscriber whose channel is full is considered lagged: the event is
// dropped for that subscriber and its lag counter is incremented
// best-effort (also non-blocking, so a lag notification can itself be
// lost under sustained overload without blocking the publisher).
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			select {
			case sub.lagged <- int(n):
				sub.dropped.Store(0)
			default:
				// A lag notification is already pending; the count keeps
				// accumulating until the subscriber drains it.
			}
			log.Printf("[EventBus] subscriber lagged, dropped event type=%d", ev.Type)
		}
	}
}
