// Command doorcam is the motion-triggered recorder process: it owns the
// FrameStore, the motion event bus, the capture supervisor, and the
// encoder worker, and optionally the event catalog and the camera-driver
// control socket.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-gst/go-gst/gst"

	"doorcam/camera"
	"doorcam/capture"
	"doorcam/catalog"
	"doorcam/config"
	"doorcam/encoder"
	"doorcam/eventbus"
	"doorcam/framestore"
	"doorcam/ipc"
)

func main() {
	configPath := flag.String("config", "", "path to doorcam.config.json (defaults to ./doorcam.config.json or ~/.doorcam/doorcam.config.json)")
	cameraURL := flag.String("camera-url", "", "ffmpeg-readable camera source (rtsp://, /dev/video0, ...); omit to run without the reference producer")
	streamURL := flag.String("camera-stream", "", "HTTP MJPEG stream URL ingested directly, without re-encoding")
	flag.Parse()

	if *cameraURL != "" && *streamURL != "" {
		log.Fatal("[Main] -camera-url and -camera-stream are mutually exclusive")
	}

	gst.Init(nil)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Main] load config: %v", err)
	}

	captureCfg := cfg.CaptureConfig()
	store := framestore.New(captureCfg.FrameStoreCapacity(), time.Duration(cfg.PrerollSeconds)*time.Second)
	bus := eventbus.New()
	queue := encoder.NewQueue()

	var cat *catalog.Client
	if cfg.CatalogDSN != "" {
		cat, err = catalog.Open(cfg.CatalogDSN)
		if err != nil {
			log.Fatalf("[Main] open catalog: %v", err)
		}
		defer cat.Close()
		log.Println("[Main] event catalog enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := encoder.NewWorker(queue, bus, captureCfg.Overlay, captureCfg.KeepImages, cat)
	go worker.Run(ctx)

	supervisor := capture.NewSupervisor(captureCfg, store, bus, queue, cat)
	go func() {
		if err := supervisor.Run(ctx); err != nil {
			log.Fatalf("[Main] supervisor: %v", err)
		}
	}()

	if *cameraURL != "" {
		prod := camera.NewProducer(*cameraURL, cfg.CameraFPS, store)
		go func() {
			if err := prod.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Main] camera producer exited: %v", err)
			}
		}()
		defer prod.Stop()
	}

	if *streamURL != "" {
		go runStreamProducer(ctx, *streamURL, store)
	}

	if cfg.IPCSocketPath != "" {
		go serveIPC(ctx, cfg.IPCSocketPath, bus, cat)
	}

	log.Println("[Main] doorcam running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[Main] shutting down...")

	cancel()
	time.Sleep(500 * time.Millisecond)
	log.Println("[Main] shutdown complete")
}

// runStreamProducer dials an HTTP MJPEG camera and feeds its frames into
// the store until ctx is cancelled.
func runStreamProducer(ctx context.Context, url string, store *framestore.Store) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Printf("[Main] camera stream request: %v", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("[Main] camera stream connect: %v", err)
		return
	}
	defer resp.Body.Close()

	prod, err := camera.NewStreamProducer(resp.Body, store)
	if err != nil {
		log.Printf("[Main] camera stream: %v", err)
		return
	}
	if err := prod.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Main] camera stream exited: %v", err)
	}
}

// serveIPC accepts camera-driver / motion-analyzer connections on a Unix
// socket and republishes their motion_event messages onto the bus as
// MotionDetected events. frame_push messages are read and discarded; they
// are not stored in the FrameStore. It also answers recent_events_query
// requests from the optional catalog, so an out-of-process collaborator can
// look up capture history.
func serveIPC(ctx context.Context, socketPath string, bus *eventbus.Bus, cat *catalog.Client) {
	os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		log.Printf("[IPC] listen on %s: %v", socketPath, err)
		return
	}
	defer l.Close()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.Printf("[IPC] listening on %s", socketPath)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[IPC] accept: %v", err)
			continue
		}
		go handleIPCConn(ctx, conn, bus, cat)
	}
}

func handleIPCConn(ctx context.Context, netConn net.Conn, bus *eventbus.Bus, cat *catalog.Client) {
	c := ipc.NewConn(netConn)
	defer c.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		switch msg.Type {
		case ipc.TypeMotionEvent:
			bus.Publish(eventbus.Event{
				Type:        eventbus.MotionDetected,
				Timestamp:   msg.Timestamp.UnixNano(),
				ContourArea: msg.ContourArea,
			})
		case ipc.TypeFramePush:
			// Frame ingestion over the control socket is not wired to the
			// FrameStore here: the reference camera.Producer pushes frames
			// in-process. An out-of-process driver that wants FrameStore
			// writes needs a shared-memory or second socket path, out of
			// scope for this control channel.
		case ipc.TypeRecentEventsQuery:
			reply := recentEventsReply(msg, cat)
			if err := c.WriteMessage(reply); err != nil {
				log.Printf("[IPC] write recent_events_reply: %v", err)
				return
			}
		}
	}
}

// recentEventsReply answers a recent_events_query against the optional
// catalog; it replies with an empty list when no catalog is configured or
// the query fails, rather than dropping the connection.
func recentEventsReply(query *ipc.Message, cat *catalog.Client) *ipc.Message {
	if cat == nil {
		return ipc.NewRecentEventsReply(query.ID, nil)
	}
	records, err := cat.RecentEvents(query.Limit)
	if err != nil {
		log.Printf("[IPC] catalog recent events: %v", err)
		return ipc.NewRecentEventsReply(query.ID, nil)
	}
	events := make([]ipc.EventSummary, len(records))
	for i, r := range records {
		events[i] = ipc.EventSummary{
			EventID:           r.EventID,
			State:             r.State,
			InitialMotionTime: r.InitialMotionTime,
			LatestMotionTime:  r.LatestMotionTime,
			FrameCount:        r.FrameCount,
			WalPath:           r.WalPath,
			Mp4Path:           r.Mp4Path,
		}
	}
	return ipc.NewRecentEventsReply(query.ID, events)
}
