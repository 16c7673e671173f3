// Command waltool inspects a .wal file left on disk: it prints the header
// and, optionally, walks every frame record to report the true count and
// flag truncation, which is useful for an operator diagnosing a
// crash-recovered capture before the encoder gets to it.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"doorcam/wal"
)

func main() {
	verify := flag.Bool("verify", false, "walk every frame record and compare the real count against the header")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Println("Usage: waltool [-verify] <path-to.wal>")
		os.Exit(1)
	}

	path := flag.Arg(0)
	r, err := wal.Open(path)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer r.Close()

	h := r.Header
	fmt.Printf("path:         %s\n", path)
	fmt.Printf("version:      %d\n", h.Version)
	fmt.Printf("event_id:     %s\n", h.EventID)
	fmt.Printf("frame_count:  %d (header)\n", h.FrameCount)
	if h.Version >= 2 {
		fmt.Printf("fps:          %d\n", h.FPS)
	} else {
		fmt.Printf("fps:          unknown (v1 file)\n")
	}

	if !*verify {
		return
	}

	frames, err := r.ReadAll()
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	fmt.Printf("frame_count:  %d (on-disk, surviving records)\n", len(frames))
	if uint32(len(frames)) != h.FrameCount {
		fmt.Printf("truncated:    yes (%d fewer records than the header claims)\n", int(h.FrameCount)-len(frames))
	} else {
		fmt.Printf("truncated:    no\n")
	}
	if len(frames) > 0 {
		first, last := frames[0], frames[len(frames)-1]
		fmt.Printf("span:         %s .. %s\n", first.Timestamp, last.Timestamp)
		fmt.Printf("frame ids:    %d .. %d\n", first.ID, last.ID)
	}
}
