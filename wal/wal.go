// Package wal implements the crash-durable, append-only binary log that a
// CaptureEventTask writes frames into before an EncoderWorker transcodes
// them. The wire format below is fixed and must not drift: files written
// by older builds stay readable after a crash.
//
// File layout (little-endian):
//
//	offset  size  field
//	0       4     magic = "DCAM"
//	4       4     version (u32)
//	8       16    event_id, UTF-8, right-padded with 0x00
//	24      4     frame_count (u32, rewritten on close)
//	28      4     fps (u32); present only when version >= 2
//	32|28   ...   frame records
//
// Each frame record:
//
//	8  timestamp_nanos_since_epoch (u64)
//	8  frame_id (u64)
//	4  data_len (u32)
//	data_len  JPEG bytes
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"doorcam/derrs"
	"doorcam/frame"
)

const (
	magic = "DCAM"

	// currentVersion is always emitted by Writer. version 1 files remain
	// readable by Reader but carry no fps field.
	currentVersion = 2

	eventIDFieldLen = 16
	v1HeaderSize    = 4 + 4 + eventIDFieldLen + 4 // magic+version+event_id+frame_count
	v2HeaderSize    = v1HeaderSize + 4            // + fps
	recordHeaderLen = 8 + 8 + 4                   // timestamp+frame_id+data_len
	flushThreshold  = 2 << 20                     // ~2MB
	syncInterval    = 1 * time.Second
	frameCountOff   = 24
)

// Header is the parsed fixed-size prefix of a WAL file.
type Header struct {
	Version    uint32
	EventID    string
	FrameCount uint32
	FPS        uint32 // 0 if unknown or version 1
}

// Path returns the conventional WAL file path for eventID under walDir.
func Path(walDir, eventID string) string {
	return filepath.Join(walDir, eventID+".wal")
}

// Writer appends frames for a single capture event. It is owned
// exclusively by one CaptureEventTask; it is not safe for concurrent use.
type Writer struct {
	f          *os.File
	path       string
	buf        bytes.Buffer
	frameCount uint32
	lastSync   time.Time
}

// New creates <walDir>/<eventID>.wal, truncating any existing file, and
// writes a version-2 header with frame_count=0.
func New(eventID, walDir string, fps uint32) (*Writer, error) {
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, derrs.Wrap(derrs.TransientIO, fmt.Errorf("create wal dir %s: %w", walDir, err))
	}
	path := Path(walDir, eventID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, derrs.Wrap(derrs.TransientIO, fmt.Errorf("create wal %s: %w", path, err))
	}

	w := &Writer{f: f, path: path, lastSync: time.Now()}
	if err := w.writeHeader(eventID, fps); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader(eventID string, fps uint32) error {
	var hdr [v2HeaderSize]byte
	copy(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], currentVersion)

	idBytes := []byte(eventID)
	if len(idBytes) > eventIDFieldLen {
		idBytes = idBytes[:eventIDFieldLen]
	}
	copy(hdr[8:8+eventIDFieldLen], idBytes) // remainder stays zero-padded

	binary.LittleEndian.PutUint32(hdr[24:28], 0) // frame_count, rewritten on close
	binary.LittleEndian.PutUint32(hdr[28:32], fps)

	if _, err := w.f.Write(hdr[:]); err != nil {
		return derrs.Wrap(derrs.TransientIO, fmt.Errorf("write wal header: %w", err))
	}
	return nil
}

// AppendFrame serializes f into the in-memory buffer, flushing to the OS
// once the buffer exceeds flushThreshold and forcing a sync to disk at
// least once per syncInterval. A crash loses at most the last second of
// frames, never the file itself.
func (w *Writer) AppendFrame(f frame.Frame) error {
	var rec [recordHeaderLen]byte
	binary.LittleEndian.PutUint64(rec[0:8], uint64(f.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint64(rec[8:16], f.ID)
	binary.LittleEndian.PutUint32(rec[16:20], uint32(len(f.Data)))

	w.buf.Write(rec[:])
	w.buf.Write(f.Data)
	w.frameCount++

	if w.buf.Len() >= flushThreshold {
		if err := w.flush(); err != nil {
			return err
		}
	}
	if time.Since(w.lastSync) >= syncInterval {
		if err := w.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flush() error {
	if w.buf.Len() == 0 {
		return nil
	}
	if _, err := w.f.Write(w.buf.Bytes()); err != nil {
		return derrs.Wrap(derrs.TransientIO, fmt.Errorf("flush wal %s: %w", w.path, err))
	}
	w.buf.Reset()
	return nil
}

// Sync flushes the buffer and fsyncs the underlying file, resetting the
// periodic-sync timer.
func (w *Writer) Sync() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return derrs.Wrap(derrs.TransientIO, fmt.Errorf("sync wal %s: %w", w.path, err))
	}
	w.lastSync = time.Now()
	return nil
}

// Close flushes any remaining buffered records, rewrites the frame_count
// field in the header, fsyncs, and returns the file path. On error the
// file may be left partially written; callers must not assume frame_count
// is accurate in that case.
func (w *Writer) Close() (string, error) {
	if err := w.flush(); err != nil {
		return "", err
	}
	if _, err := w.f.Seek(frameCountOff, io.SeekStart); err != nil {
		return "", derrs.Wrap(derrs.TransientIO, fmt.Errorf("seek wal %s: %w", w.path, err))
	}
	var countBytes [4]byte
	binary.LittleEndian.PutUint32(countBytes[:], w.frameCount)
	if _, err := w.f.Write(countBytes[:]); err != nil {
		return "", derrs.Wrap(derrs.TransientIO, fmt.Errorf("rewrite frame_count %s: %w", w.path, err))
	}
	if err := w.f.Sync(); err != nil {
		return "", derrs.Wrap(derrs.TransientIO, fmt.Errorf("final sync wal %s: %w", w.path, err))
	}
	if err := w.f.Close(); err != nil {
		return "", derrs.Wrap(derrs.TransientIO, fmt.Errorf("close wal %s: %w", w.path, err))
	}
	return w.path, nil
}

// FrameCount reports the number of records appended so far (pre-close).
func (w *Writer) FrameCount() uint32 { return w.frameCount }

// Reader streams frames out of a closed (or crashed) WAL file.
type Reader struct {
	f      *os.File
	r      *bufio.Reader
	Header Header
}

// Open reads and validates the header of path, returning a Reader
// positioned at the first frame record. It accepts header versions 1 and
// 2; for version 1, Header.FPS is reported as 0 since the field does not
// exist in that layout.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, derrs.Wrap(derrs.TransientIO, fmt.Errorf("open wal %s: %w", path, err))
	}

	r := bufio.NewReader(f)
	base := make([]byte, v1HeaderSize)
	if _, err := io.ReadFull(r, base); err != nil {
		f.Close()
		return nil, derrs.Wrap(derrs.FormatError, fmt.Errorf("read wal header %s: %w", path, err))
	}
	if string(base[0:4]) != magic {
		f.Close()
		return nil, derrs.Wrap(derrs.FormatError, fmt.Errorf("bad wal magic in %s", path))
	}
	version := binary.LittleEndian.Uint32(base[4:8])
	if version != 1 && version != 2 {
		f.Close()
		return nil, derrs.Wrap(derrs.FormatError, fmt.Errorf("unsupported wal version %d in %s", version, path))
	}
	eventID := string(bytes.TrimRight(base[8:8+eventIDFieldLen], "\x00"))
	frameCount := binary.LittleEndian.Uint32(base[24:28])

	var fps uint32
	if version >= 2 {
		fpsBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, fpsBytes); err != nil {
			f.Close()
			return nil, derrs.Wrap(derrs.FormatError, fmt.Errorf("read wal fps field %s: %w", path, err))
		}
		fps = binary.LittleEndian.Uint32(fpsBytes)
	}

	return &Reader{
		f: f,
		r: r,
		Header: Header{
			Version:    version,
			EventID:    eventID,
			FrameCount: frameCount,
			FPS:        fps,
		},
	}, nil
}

// Next returns the next frame record, or (nil, nil) at a clean end of
// stream. A clean end of stream includes the ordinary end-of-file between
// records AND an EOF in the middle of a record (crash-truncated write):
// both are tolerated per the WAL's crash-recovery contract. Any other I/O
// failure is returned as an error.
func (r *Reader) Next() (*frame.Frame, error) {
	rec := make([]byte, recordHeaderLen)
	n, err := io.ReadFull(r.r, rec)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}
		return nil, derrs.Wrap(derrs.TransientIO, fmt.Errorf("read wal record header: %w", err))
	}

	tsNanos := binary.LittleEndian.Uint64(rec[0:8])
	frameID := binary.LittleEndian.Uint64(rec[8:16])
	dataLen := binary.LittleEndian.Uint32(rec[16:20])

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}
		return nil, derrs.Wrap(derrs.TransientIO, fmt.Errorf("read wal record data: %w", err))
	}

	return &frame.Frame{
		ID:        frameID,
		Timestamp: time.Unix(0, int64(tsNanos)),
		Format:    frame.MJPEG,
		Data:      data,
	}, nil
}

// ReadAll drains every remaining frame record via Next.
func (r *Reader) ReadAll() ([]frame.Frame, error) {
	var out []frame.Frame
	for {
		f, err := r.Next()
		if err != nil {
			return out, err
		}
		if f == nil {
			return out, nil
		}
		out = append(out, *f)
	}
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
