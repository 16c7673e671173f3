package framestore_test

import (
	"testing"
	"time"

	"doorcam/frame"
	"doorcam/framestore"
)

func pushN(s *framestore.Store, base time.Time, n int) {
	for i := 1; i <= n; i++ {
		s.Push(frame.Frame{
			ID:        uint64(i),
			Timestamp: base.Add(time.Duration(i) * 33 * time.Millisecond),
			Data:      []byte{byte(i)},
		})
	}
}

func TestSinceIDOrderingAndFilter(t *testing.T) {
	s := framestore.New(200, 2*time.Second)
	base := time.Now()
	pushN(s, base, 100)

	got := s.SinceID(50)
	if len(got) != 50 {
		t.Fatalf("expected 50 frames, got %d", len(got))
	}
	for i, f := range got {
		wantID := uint64(51 + i)
		if f.ID != wantID {
			t.Fatalf("frame %d: got id %d, want %d", i, f.ID, wantID)
		}
		if i > 0 && got[i-1].ID >= f.ID {
			t.Fatalf("ids not ascending at %d", i)
		}
	}
}

func TestRangeInclusiveBounds(t *testing.T) {
	s := framestore.New(200, 2*time.Second)
	base := time.Now()
	pushN(s, base, 100)

	t51 := base.Add(51 * 33 * time.Millisecond)
	t75 := base.Add(75 * 33 * time.Millisecond)

	got := s.Range(t51, t75)
	if len(got) != 25 {
		t.Fatalf("expected 25 frames, got %d", len(got))
	}
	if got[0].ID != 51 || got[len(got)-1].ID != 75 {
		t.Fatalf("range bounds wrong: first=%d last=%d", got[0].ID, got[len(got)-1].ID)
	}
}

func TestPushEvictsOldestAtCapacity(t *testing.T) {
	s := framestore.New(5, time.Second)
	base := time.Now()
	pushN(s, base, 5)

	latest, ok := s.Latest()
	if !ok || latest.ID != 5 {
		t.Fatalf("expected latest id 5, got %+v ok=%v", latest, ok)
	}

	s.Push(frame.Frame{ID: 6, Timestamp: base.Add(6 * 33 * time.Millisecond)})

	got := s.SinceID(0)
	if len(got) != 5 {
		t.Fatalf("expected store capped at 5 frames, got %d", len(got))
	}
	if got[0].ID != 2 {
		t.Fatalf("expected oldest evicted, first id = %d, want 2", got[0].ID)
	}
	if got[len(got)-1].ID != 6 {
		t.Fatalf("expected newest id 6, got %d", got[len(got)-1].ID)
	}
}

func TestLatestEmptyStore(t *testing.T) {
	s := framestore.New(10, time.Second)
	if _, ok := s.Latest(); ok {
		t.Fatal("expected Latest to report false on empty store")
	}
}

func TestPreroll(t *testing.T) {
	s := framestore.New(500, 2*time.Second)
	base := time.Now()
	pushN(s, base, 100) // spans ~3.3s of synthetic timestamps

	now := base.Add(100 * 33 * time.Millisecond)
	got := s.Preroll(now)
	if len(got) == 0 {
		t.Fatal("expected non-empty preroll window")
	}
	for _, f := range got {
		if f.Timestamp.Before(now.Add(-2 * time.Second)) {
			t.Fatalf("frame %d outside preroll window", f.ID)
		}
	}
}
