// Package ipc is the optional control protocol an out-of-process camera
// driver or motion analyzer can speak to the core over a Unix socket:
// 4-byte big-endian length prefix, CBOR payload. Message types cover
// frame delivery, motion events, and recent-event history queries.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// MaxMessageSize bounds a single framed message (one JPEG frame plus a
// small envelope comfortably fits well under this).
const MaxMessageSize = 16 * 1024 * 1024

// MessageType discriminates the payload carried by a Message.
type MessageType string

const (
	TypeFramePush         MessageType = "frame_push"
	TypeMotionEvent       MessageType = "motion_event"
	TypeAck               MessageType = "ack"
	TypeRecentEventsQuery MessageType = "recent_events_query"
	TypeRecentEventsReply MessageType = "recent_events_reply"
)

// EventSummary is one row of the optional durable event catalog, returned
// in a TypeRecentEventsReply so an out-of-process collaborator can look up
// capture history without its own database connection.
type EventSummary struct {
	EventID           string    `cbor:"event_id"`
	State             string    `cbor:"state"`
	InitialMotionTime time.Time `cbor:"initial_motion_time"`
	LatestMotionTime  time.Time `cbor:"latest_motion_time"`
	FrameCount        int       `cbor:"frame_count"`
	WalPath           string    `cbor:"wal_path,omitempty"`
	Mp4Path           string    `cbor:"mp4_path,omitempty"`
}

// Message is the CBOR envelope exchanged over the socket.
type Message struct {
	ID   string      `cbor:"id"`
	Type MessageType `cbor:"type"`

	// TypeFramePush
	FrameID   uint64    `cbor:"frame_id,omitempty"`
	Timestamp time.Time `cbor:"timestamp,omitempty"`
	Width     uint32    `cbor:"width,omitempty"`
	Height    uint32    `cbor:"height,omitempty"`
	Data      []byte    `cbor:"data,omitempty"`

	// TypeMotionEvent
	ContourArea float64 `cbor:"contour_area,omitempty"`

	// TypeRecentEventsQuery
	Limit int `cbor:"limit,omitempty"`

	// TypeRecentEventsReply
	Events []EventSummary `cbor:"events,omitempty"`
}

// NewFramePushMessage builds a frame_push message with a fresh message id.
func NewFramePushMessage(frameID uint64, ts time.Time, width, height uint32, data []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      TypeFramePush,
		FrameID:   frameID,
		Timestamp: ts,
		Width:     width,
		Height:    height,
		Data:      data,
	}
}

// NewMotionEventMessage builds a motion_event message with a fresh message
// id.
func NewMotionEventMessage(ts time.Time, contourArea float64) *Message {
	return &Message{
		ID:          uuid.New().String(),
		Type:        TypeMotionEvent,
		Timestamp:   ts,
		ContourArea: contourArea,
	}
}

// NewRecentEventsQuery builds a recent_events_query message asking for up
// to limit of the catalog's most recent capture events.
func NewRecentEventsQuery(limit int) *Message {
	return &Message{ID: uuid.New().String(), Type: TypeRecentEventsQuery, Limit: limit}
}

// NewRecentEventsReply builds the response to a recent_events_query,
// echoing the query's message id.
func NewRecentEventsReply(replyTo string, events []EventSummary) *Message {
	return &Message{ID: replyTo, Type: TypeRecentEventsReply, Events: events}
}

// Encode serializes m to CBOR.
func (m *Message) Encode() ([]byte, error) {
	return cbor.Marshal(m)
}

// DecodeMessage parses a CBOR-encoded Message.
func DecodeMessage(payload []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode ipc message: %w", err)
	}
	return &m, nil
}

// Conn wraps a net.Conn (typically a Unix socket) with length-prefixed
// message framing: [4-byte big-endian length][CBOR payload].
type Conn struct {
	conn    net.Conn
	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

// NewConn wraps conn for framed Message exchange.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, readBuf: make([]byte, 4096)}
}

// ReadMessage reads one length-prefixed, CBOR-decoded Message.
func (c *Conn) ReadMessage() (*Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var lengthBuf [4]byte
	if _, err := io.ReadFull(c.conn, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", length, MaxMessageSize)
	}

	if int(length) > len(c.readBuf) {
		c.readBuf = make([]byte, length)
	}
	payload := c.readBuf[:length]
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return DecodeMessage(payload)
}

// WriteMessage CBOR-encodes msg and writes it length-prefixed.
func (c *Conn) WriteMessage(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(payload), MaxMessageSize)
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := c.conn.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
