// Package catalog is the optional durable event history: it supplements
// the per-event JSON metadata sidecar with a queryable record of every
// capture event, backed by Postgres through the pgx stdlib driver. It is
// entirely optional — a Client is only
// constructed when config.CatalogDSN is set, and the capture path works
// identically with zero external services when it is not.
package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const createEventsTableSQL = `
	CREATE TABLE IF NOT EXISTS capture_events (
		event_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		initial_motion_time TIMESTAMPTZ NOT NULL,
		latest_motion_time TIMESTAMPTZ NOT NULL,
		frame_count INTEGER NOT NULL DEFAULT 0,
		wal_path TEXT,
		mp4_path TEXT,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_capture_events_created_at ON capture_events(created_at DESC);
`

// Client wraps a connection pool to the event catalog database.
type Client struct {
	db *sql.DB
}

// Open connects to dsn via the pgx stdlib driver and ensures the schema
// exists.
func Open(dsn string) (*Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}
	c := &Client{db: db}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) createSchema() error {
	if _, err := c.db.Exec(createEventsTableSQL); err != nil {
		return fmt.Errorf("create catalog schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// UpsertEvent records an event's creation or extension: a new row on first
// sight, otherwise the state, latest_motion_time and frame_count are
// updated.
func (c *Client) UpsertEvent(eventID, state string, initial, latest time.Time, frameCount int) error {
	const upsertSQL = `
		INSERT INTO capture_events (event_id, state, initial_motion_time, latest_motion_time, frame_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (event_id) DO UPDATE SET
			state = EXCLUDED.state,
			latest_motion_time = EXCLUDED.latest_motion_time,
			frame_count = EXCLUDED.frame_count,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := c.db.Exec(upsertSQL, eventID, state, initial, latest, frameCount); err != nil {
		return fmt.Errorf("upsert capture event %s: %w", eventID, err)
	}
	return nil
}

// CompleteEvent records that an event's WAL closed and, if known, its MP4
// path.
func (c *Client) CompleteEvent(eventID, walPath, mp4Path string, frameCount int) error {
	const sqlStr = `
		UPDATE capture_events
		SET state = 'finalized', wal_path = $2, mp4_path = $3, frame_count = $4, updated_at = CURRENT_TIMESTAMP
		WHERE event_id = $1
	`
	if _, err := c.db.Exec(sqlStr, eventID, walPath, mp4Path, frameCount); err != nil {
		return fmt.Errorf("complete capture event %s: %w", eventID, err)
	}
	return nil
}

// EventRecord is one row of the capture_events table.
type EventRecord struct {
	EventID           string
	State             string
	InitialMotionTime time.Time
	LatestMotionTime  time.Time
	FrameCount        int
	WalPath           string
	Mp4Path           string
}

// RecentEvents returns the most recent limit events, newest first. A limit
// outside 1..500 is replaced by 50.
func (c *Client) RecentEvents(limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	const querySQL = `
		SELECT event_id, state, initial_motion_time, latest_motion_time, frame_count,
		       COALESCE(wal_path, ''), COALESCE(mp4_path, '')
		FROM capture_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := c.db.Query(querySQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list capture events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.EventID, &r.State, &r.InitialMotionTime, &r.LatestMotionTime, &r.FrameCount, &r.WalPath, &r.Mp4Path); err != nil {
			return nil, fmt.Errorf("scan capture event row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capture events: %w", err)
	}
	return out, nil
}
