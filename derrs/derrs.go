// Package derrs is the error taxonomy shared by the capture pipeline
// (wal, capture, encoder, config). Call sites wrap an underlying error
// with fmt.Errorf("...: %w", err) and the category here; callers that
// need to branch on category use errors.As.
package derrs

import "fmt"

// Category distinguishes how a caller should react to an error.
type Category int

const (
	// TransientIO is a WAL read/write error. The event is abandoned, WAL
	// left on disk; no retry is attempted within the same event.
	TransientIO Category = iota
	// FormatError is an invalid WAL magic/version seen during recovery.
	// The file is skipped.
	FormatError
	// Truncation is a WAL ending mid-record. Treated as clean end of
	// stream, not surfaced as an error to most callers (see wal.Reader).
	Truncation
	// EncoderError is a transcoding pipeline failure. The WAL is retained
	// for the next startup's recovery pass.
	EncoderError
	// BusLagged indicates a MotionDetected subscriber fell behind.
	BusLagged
	// ConfigError is an invalid capture/event/camera configuration value.
	// Fatal at startup.
	ConfigError
)

func (c Category) String() string {
	switch c {
	case TransientIO:
		return "transient_io"
	case FormatError:
		return "format_error"
	case Truncation:
		return "truncation"
	case EncoderError:
		return "encoder_error"
	case BusLagged:
		return "bus_lagged"
	case ConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Category so callers can
// errors.As to branch on taxonomy without string matching.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds a categorized Error from err, or returns nil if err is nil.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Err: err}
}
