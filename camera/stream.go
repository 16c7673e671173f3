package camera

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/AlexxIT/go2rtc/pkg/magic"
	"github.com/AlexxIT/go2rtc/pkg/mjpeg"
	"github.com/pion/rtp"

	"doorcam/frame"
	"doorcam/framestore"
)

// StreamProducer ingests an already-open MJPEG byte stream (an HTTP
// multipart camera response, a pipe from another process) without
// re-encoding: magic.Open probes the stream, and each JPEG frame from the
// resulting track is pushed into the FrameStore as-is.
type StreamProducer struct {
	producer core.Producer
}

// NewStreamProducer wraps rd, probing its format. rd must yield an
// MJPEG-compatible stream; any other detected format is rejected.
func NewStreamProducer(rd io.Reader, store *framestore.Store) (*StreamProducer, error) {
	prod, err := magic.Open(rd)
	if err != nil {
		return nil, fmt.Errorf("probe camera stream: %w", err)
	}

	p := &StreamProducer{producer: prod}

	consumer := newFrameConsumer(store)
	added := false
	for _, media := range prod.GetMedias() {
		for _, codec := range media.Codecs {
			if codec.Name != core.CodecJPEG {
				continue
			}
			track, err := prod.GetTrack(media, codec)
			if err != nil {
				log.Printf("[Camera] get jpeg track: %v", err)
				continue
			}
			if err := consumer.AddTrack(media, codec, track); err != nil {
				log.Printf("[Camera] add jpeg track: %v", err)
				continue
			}
			added = true
			break
		}
	}
	if !added {
		_ = prod.Stop()
		return nil, fmt.Errorf("no jpeg track in camera stream")
	}

	return p, nil
}

// Run consumes the stream until it ends or ctx is cancelled.
func (p *StreamProducer) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.producer.Start() }()

	select {
	case <-ctx.Done():
		_ = p.producer.Stop()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Stop terminates the underlying producer.
func (p *StreamProducer) Stop() {
	_ = p.producer.Stop()
}

// frameConsumer adapts a JPEG track into FrameStore pushes via a sender
// whose handler fires once per whole frame.
type frameConsumer struct {
	core.Connection
	store  *framestore.Store
	nextID uint64
}

func newFrameConsumer(store *framestore.Store) *frameConsumer {
	medias := []*core.Media{
		{
			Kind:      core.KindVideo,
			Direction: core.DirectionSendonly,
			Codecs: []*core.Codec{
				{Name: core.CodecJPEG},
			},
		},
	}
	return &frameConsumer{
		Connection: core.Connection{
			ID:         core.NewID(),
			FormatName: "mjpeg",
			Medias:     medias,
		},
		store: store,
	}
}

// AddTrack wires a JPEG track's packets into the FrameStore. RTP-based
// tracks are depayloaded first so the handler always sees whole JPEG
// images.
func (c *frameConsumer) AddTrack(media *core.Media, _ *core.Codec, track *core.Receiver) error {
	sender := core.NewSender(media, track.Codec)

	sender.Handler = func(packet *rtp.Packet) {
		c.nextID++
		data := make([]byte, len(packet.Payload))
		copy(data, packet.Payload)
		c.store.Push(frame.Frame{
			ID:        c.nextID,
			Timestamp: time.Now(),
			Format:    frame.MJPEG,
			Data:      data,
		})
		c.Send += len(data)
	}

	if track.Codec.IsRTP() {
		sender.Handler = mjpeg.RTPDepay(sender.Handler)
	}

	sender.HandleRTP(track)
	c.Senders = append(c.Senders, sender)
	return nil
}
