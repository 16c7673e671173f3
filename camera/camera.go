// Package camera is a reference implementation of the FrameStore producer
// contract. The camera driver proper is an external collaborator; this
// package gives the contract a concrete body for deployments without one.
//
// It shells out to ffmpeg to transcode an arbitrary input (RTSP URL,
// device path, ...) into a raw MJPEG byte stream and splits that stream
// on JPEG frame boundaries.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"time"

	"github.com/AlexxIT/go2rtc/pkg/core"

	"doorcam/frame"
	"doorcam/framestore"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Producer reads an input source via ffmpeg and pushes decoded frames into
// a framestore.Store.
type Producer struct {
	inputURL string
	fps      int
	store    *framestore.Store

	cmd *exec.Cmd
}

// NewProducer builds a Producer that will transcode inputURL (any
// ffmpeg-readable source) to MJPEG at fps frames per second and push the
// results into store.
func NewProducer(inputURL string, fps int, store *framestore.Store) *Producer {
	return &Producer{inputURL: inputURL, fps: fps, store: store}
}

// Run starts ffmpeg and blocks, pushing frames until ctx is cancelled or
// the process exits.
func (p *Producer) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", p.inputURL,
		"-an",
		"-r", fmt.Sprintf("%d", p.fps),
		"-c:v", "mjpeg",
		"-f", "mjpeg",
		"-",
	)
	p.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	log.Printf("[Camera] starting ffmpeg: %v", cmd.Args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("[Camera][ffmpeg] %s", scanner.Text())
		}
	}()

	reader := bufio.NewReaderSize(stdout, core.BufferSize)
	var id uint64
	for {
		data, err := readJPEGFrame(reader)
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read mjpeg frame: %w", err)
		}
		id++
		p.store.Push(frame.Frame{
			ID:        id,
			Timestamp: time.Now(),
			Format:    frame.MJPEG,
			Data:      data,
		})
	}

	return cmd.Wait()
}

// Stop kills the ffmpeg process if running.
func (p *Producer) Stop() {
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	}
}

// readJPEGFrame scans r for one SOI..EOI-delimited JPEG image.
func readJPEGFrame(r *bufio.Reader) ([]byte, error) {
	if err := discardUntil(r, jpegSOI); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(jpegSOI)
	if _, err := r.Discard(len(jpegSOI)); err != nil {
		return nil, err
	}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		if b == jpegEOI[0] {
			next, err := r.Peek(1)
			if err == nil && next[0] == jpegEOI[1] {
				nb, _ := r.ReadByte()
				buf.WriteByte(nb)
				return buf.Bytes(), nil
			}
		}
	}
}

func discardUntil(r *bufio.Reader, marker []byte) error {
	for {
		peeked, err := r.Peek(len(marker))
		if err != nil {
			return err
		}
		if bytes.Equal(peeked, marker) {
			return nil
		}
		if _, err := r.Discard(1); err != nil {
			return err
		}
	}
}
