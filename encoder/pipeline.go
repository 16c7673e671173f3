package encoder

import (
	"context"
	"fmt"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"doorcam/derrs"
)

// Pipeline is the seam between Worker's per-frame loop and an actual video
// encoder backend, so tests can exercise Worker without GStreamer
// installed.
type Pipeline interface {
	// PushFrame submits one JPEG-encoded frame with the given
	// presentation timestamp and duration (relative to the start of the
	// event).
	PushFrame(data []byte, pts, duration time.Duration) error
	// Finish signals end-of-stream and waits for the muxer to flush the
	// output file, honoring ctx's deadline.
	Finish(ctx context.Context) error
}

// PipelineFactory builds a Pipeline that writes to outputPath.
type PipelineFactory func(outputPath string, fps uint32) (Pipeline, error)

// eosWaitTimeout bounds how long Finish waits for an EOS or Error message
// on the pipeline bus.
const eosWaitTimeout = 30 * time.Second

// gstPipeline is the default PipelineFactory's Pipeline, built from an
// appsrc-fed GStreamer pipeline: JPEG frames in, faststart MP4 out.
type gstPipeline struct {
	pipeline *gst.Pipeline
	src      *app.Source
}

// NewGstPipeline constructs the production pipeline used by Worker. The
// appsrc ingests raw JPEG buffers; jpegdec/videoconvert/x264enc re-encode
// to H.264; mp4mux with faststart=true produces a file playable during
// partial reads.
func NewGstPipeline(outputPath string, fps uint32) (Pipeline, error) {
	if fps == 0 {
		fps = 30
	}
	desc := fmt.Sprintf(
		"appsrc name=src format=time is-live=false do-timestamp=false "+
			"caps=image/jpeg,framerate=%d/1 ! jpegparse ! jpegdec ! videoconvert ! "+
			"video/x-raw,format=I420 ! x264enc speed-preset=medium bitrate=10000 key-int-max=60 ! "+
			"video/x-h264,stream-format=byte-stream,alignment=au,profile=high ! "+
			"h264parse config-interval=1 ! mp4mux faststart=true ! filesink location=%s",
		fps, outputPath,
	)

	el, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, derrs.Wrap(derrs.EncoderError, fmt.Errorf("build gstreamer pipeline: %w", err))
	}

	srcElement, err := el.GetElementByName("src")
	if err != nil {
		return nil, derrs.Wrap(derrs.EncoderError, fmt.Errorf("find appsrc element: %w", err))
	}
	src := app.SrcFromElement(srcElement)

	if err := el.SetState(gst.StatePlaying); err != nil {
		return nil, derrs.Wrap(derrs.EncoderError, fmt.Errorf("start pipeline: %w", err))
	}

	return &gstPipeline{pipeline: el, src: src}, nil
}

func (p *gstPipeline) PushFrame(data []byte, pts, duration time.Duration) error {
	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(gst.ClockTime(pts))
	buf.SetDuration(gst.ClockTime(duration))

	if ret := p.src.PushBuffer(buf); ret != gst.FlowOK {
		return derrs.Wrap(derrs.EncoderError, fmt.Errorf("push buffer: flow return %v", ret))
	}
	return nil
}

func (p *gstPipeline) Finish(ctx context.Context) error {
	p.src.EndStream()

	bus := p.pipeline.GetBus()
	deadline := eosWaitTimeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}

	msg := bus.TimedPopFiltered(gst.ClockTime(deadline), gst.MessageEOS|gst.MessageError)
	defer p.pipeline.SetState(gst.StateNull)

	if msg == nil {
		return derrs.Wrap(derrs.EncoderError, fmt.Errorf("timed out waiting for end of stream"))
	}
	if msg.Type() == gst.MessageError {
		gerr := msg.ParseError()
		return derrs.Wrap(derrs.EncoderError, fmt.Errorf("pipeline error: %v", gerr))
	}
	return nil
}
