package eventbus_test

import (
	"context"
	"testing"
	"time"

	"doorcam/eventbus"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	b := eventbus.New()
	ch, _, cancel := b.Subscribe(context.Background())
	defer cancel()

	b.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: 1})
	b.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: 2})

	first := <-ch
	second := <-ch
	if first.Timestamp != 1 || second.Timestamp != 2 {
		t.Fatalf("expected FIFO order, got %d then %d", first.Timestamp, second.Timestamp)
	}
}

func TestLaggedSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := eventbus.New()
	ch, lagged, cancel := b.Subscribe(context.Background())
	defer cancel()

	// Flood well past the subscriber buffer without ever draining ch.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(eventbus.Event{Type: eventbus.MotionDetected, Timestamp: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a lagged subscriber")
	}

	select {
	case n := <-lagged:
		if n <= 0 {
			t.Fatalf("expected positive lag count, got %d", n)
		}
	default:
		t.Fatal("expected a lag notification after flooding past buffer capacity")
	}

	// Drain so the goroutine above isn't leaked past the test.
	go func() {
		for range ch {
		}
	}()
}

func TestUnsubscribeClosesChannels(t *testing.T) {
	b := eventbus.New()
	ch, lagged, cancel := b.Subscribe(context.Background())
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected event channel to be closed after cancel")
	}
	if _, ok := <-lagged; ok {
		t.Fatal("expected lagged channel to be closed after cancel")
	}
}

func TestContextCancelUnsubscribes(t *testing.T) {
	b := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, _ := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not clean up after context cancellation")
	}
}
