// Package metadata writes the optional per-event JSON sidecar that
// records an event's identity, timing, frame counts, and the
// configuration in effect when it was captured.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sidecar is the per-event metadata record: event identity, timing,
// frame counts, and a snapshot of the configuration in effect when the
// event was captured.
type Sidecar struct {
	EventID            string    `json:"event_id"`
	StartTime          time.Time `json:"start_time"`
	MotionDetectedTime time.Time `json:"motion_detected_time"`
	PrerollFrameCount  int       `json:"preroll_frame_count"`
	PostrollFrameCount int       `json:"postroll_frame_count"`
	TotalFrameCount    int       `json:"total_frame_count"`
	CaptureConfig      any       `json:"config"`
	EventConfig        any       `json:"event"`
}

// Path returns the conventional sidecar path for eventID under
// captureRoot.
func Path(captureRoot, eventID string) string {
	return filepath.Join(captureRoot, eventID+".metadata.json")
}

// Write marshals s and writes it to Path(captureRoot, s.EventID).
func Write(captureRoot string, s Sidecar) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", s.EventID, err)
	}
	path := Path(captureRoot, s.EventID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write metadata %s: %w", path, err)
	}
	return nil
}
