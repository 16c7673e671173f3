package wal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"doorcam/frame"
	"doorcam/wal"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.New("20260731_120000_000", dir, 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	base := time.Now()
	want := []frame.Frame{
		{ID: 1, Timestamp: base, Data: []byte("jpeg-one")},
		{ID: 2, Timestamp: base.Add(33 * time.Millisecond), Data: []byte("jpeg-two")},
		{ID: 3, Timestamp: base.Add(66 * time.Millisecond), Data: []byte("jpeg-three")},
	}
	for _, f := range want {
		if err := w.AppendFrame(f); err != nil {
			t.Fatalf("AppendFrame: %v", err)
		}
	}

	path, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := wal.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Header.FrameCount != uint32(len(want)) {
		t.Fatalf("header frame_count = %d, want %d", r.Header.FrameCount, len(want))
	}
	if r.Header.FPS != 30 {
		t.Fatalf("header fps = %d, want 30", r.Header.FPS)
	}

	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Fatalf("frame %d id = %d, want %d", i, got[i].ID, want[i].ID)
		}
		if string(got[i].Data) != string(want[i].Data) {
			t.Fatalf("frame %d data mismatch", i)
		}
		if !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Fatalf("frame %d timestamp mismatch: got %v want %v", i, got[i].Timestamp, want[i].Timestamp)
		}
	}
}

func TestReaderToleratesMidRecordTruncation(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.New("trunctest", dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := uint64(1); i <= 5; i++ {
		if err := w.AppendFrame(frame.Frame{ID: i, Timestamp: time.Now(), Data: []byte("abcdefgh")}); err != nil {
			t.Fatalf("AppendFrame: %v", err)
		}
	}
	path, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write: truncate the last 20 bytes, leaving the
	// header's claimed frame_count (5) inconsistent with the data on disk.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-20); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	r, err := wal.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll should tolerate truncation, got error: %v", err)
	}
	if len(got) >= 5 {
		t.Fatalf("expected fewer than 5 frames after truncation, got %d", len(got))
	}
	if r.Header.FrameCount != 5 {
		t.Fatalf("header still claims %d frames (expected to retain stale claim)", r.Header.FrameCount)
	}
}

func TestHeaderEventIDCapsAtSixteenBytes(t *testing.T) {
	dir := t.TempDir()
	const fullID = "20260731_120000_123" // 19 chars, longer than the header field

	w, err := wal.New(fullID, dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The file itself keeps the full id; only the fixed header field is
	// capped.
	if filepath.Base(path) != fullID+".wal" {
		t.Fatalf("wal file name = %q", filepath.Base(path))
	}

	r, err := wal.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if r.Header.EventID != fullID[:16] {
		t.Fatalf("header event_id = %q, want first 16 bytes %q", r.Header.EventID, fullID[:16])
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.wal")
	if err := os.WriteFile(path, []byte("NOTAWALFILEXXXXXXXXXXXXXXXXXXXXXXXXXXXX"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := wal.Open(path); err == nil {
		t.Fatal("expected error opening file with bad magic")
	}
}

func TestVersion1HeaderHasNoFPSField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v1.wal")

	hdr := make([]byte, 28)
	copy(hdr[0:4], "DCAM")
	hdr[4] = 1 // version = 1, little-endian u32
	copy(hdr[8:24], []byte("evt1"))
	hdr[24] = 0 // frame_count = 0

	if err := os.WriteFile(path, hdr, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := wal.Open(path)
	if err != nil {
		t.Fatalf("Open v1 wal: %v", err)
	}
	defer r.Close()

	if r.Header.Version != 1 {
		t.Fatalf("version = %d, want 1", r.Header.Version)
	}
	if r.Header.FPS != 0 {
		t.Fatalf("v1 fps should report 0, got %d", r.Header.FPS)
	}
}
