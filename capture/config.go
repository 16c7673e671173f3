package capture

import (
	"fmt"
	"time"

	"doorcam/derrs"
	"doorcam/overlay"
)

// Config holds the capture.* and event.* options.
type Config struct {
	Path            string // capture.path
	KeepImages      bool   // capture.keep_images
	VideoEncoding   bool   // capture.video_encoding
	SaveMetadata    bool   // capture.save_metadata
	PrerollSeconds  int    // event.preroll_seconds, >= 1
	PostrollSeconds int    // event.postroll_seconds, >= 1
	FPS             uint32 // camera.fps

	Overlay overlay.Config // timestamp overlay + rotation, forwarded to the encoder
}

// WalDir is the subdirectory holding in-progress and crash-recovered WAL
// files.
func (c Config) WalDir() string {
	return c.Path + "/wal"
}

// EventDir is the per-event directory, only meaningful when KeepImages.
func (c Config) EventDir(eventID string) string {
	return c.Path + "/" + eventID
}

// Validate rejects invalid preroll/postroll/path values; these are fatal
// at startup, never discovered mid-run.
func (c Config) Validate() error {
	if c.Path == "" {
		return derrs.Wrap(derrs.ConfigError, fmt.Errorf("capture.path is required"))
	}
	if c.PrerollSeconds < 1 {
		return derrs.Wrap(derrs.ConfigError, fmt.Errorf("event.preroll_seconds must be >= 1, got %d", c.PrerollSeconds))
	}
	if c.PostrollSeconds < 1 {
		return derrs.Wrap(derrs.ConfigError, fmt.Errorf("event.postroll_seconds must be >= 1, got %d", c.PostrollSeconds))
	}
	return nil
}

// captureConfigSnapshot is the "config" field of the metadata sidecar:
// capture.* options in effect when the event was captured.
type captureConfigSnapshot struct {
	Path          string `json:"path"`
	KeepImages    bool   `json:"keep_images"`
	VideoEncoding bool   `json:"video_encoding"`
	SaveMetadata  bool   `json:"save_metadata"`
	FPS           uint32 `json:"fps"`
}

// eventConfigSnapshot is the "event" field of the metadata sidecar:
// event.* window sizes in effect when the event was captured.
type eventConfigSnapshot struct {
	PrerollSeconds  int `json:"preroll_seconds"`
	PostrollSeconds int `json:"postroll_seconds"`
}

func (c Config) captureSnapshot() captureConfigSnapshot {
	return captureConfigSnapshot{
		Path:          c.Path,
		KeepImages:    c.KeepImages,
		VideoEncoding: c.VideoEncoding,
		SaveMetadata:  c.SaveMetadata,
		FPS:           c.FPS,
	}
}

func (c Config) eventSnapshot() eventConfigSnapshot {
	return eventConfigSnapshot{
		PrerollSeconds:  c.PrerollSeconds,
		PostrollSeconds: c.PostrollSeconds,
	}
}

func (c Config) prerollDuration() time.Duration {
	return time.Duration(c.PrerollSeconds) * time.Second
}

func (c Config) postrollDuration() time.Duration {
	return time.Duration(c.PostrollSeconds) * time.Second
}

// FrameStoreCapacity sizes the ring buffer a Supervisor's FrameStore needs:
// enough frames to cover preroll plus postroll at the configured rate, with
// a small cushion for jitter.
func (c Config) FrameStoreCapacity() int {
	fps := c.FPS
	if fps == 0 {
		fps = 15
	}
	seconds := c.PrerollSeconds + c.PostrollSeconds + 5
	return int(fps) * seconds
}

// FormatEventID derives the stable, human-sortable event identifier from a
// motion timestamp: YYYYMMDD_HHMMSS_mmm in loc. loc defaults to time.Local
// if nil.
func FormatEventID(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	return fmt.Sprintf("%s_%03d", lt.Format("20060102_150405"), lt.Nanosecond()/int(time.Millisecond))
}
