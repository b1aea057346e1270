// Package stage provides a WAL-mode SQLite-backed staging queue for
// augmented packets pending forward to rtrace-server. It gives the agent
// at-least-once delivery: packets are persisted as they leave the
// PreProcessor and are not removed until the transport goroutine Acks them,
// so a crash between staging and a successful gRPC send replays the packet
// on restart instead of losing it.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the staging
// writer (the PreProcessor's forward path) and the delivery reader (the
// transport's drain loop) can proceed without blocking each other.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the packet is returned again by the next
// Dequeue call after restart, ensuring every packet reaches rtrace-server
// even when the transport is temporarily unavailable.
package stage

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/wire"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed staging queue. It is safe for
// concurrent use.
type Store struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// Open seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stage: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple sessions
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stage: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stage: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stage: apply schema: %w", err)
	}

	s := &Store{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM staged_packet WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stage: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS staged_packet (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT    NOT NULL,
    packet_type  INTEGER NOT NULL,
    payload      BLOB    NOT NULL,
    staged_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_staged_packet_pending
    ON staged_packet (delivered, id);
`

// Record is a staged packet returned by Dequeue. ID is the database primary
// key used to acknowledge the packet via Ack.
type Record struct {
	ID        int64
	SessionID string
	Type      wire.PacketType
	Payload   []byte
	StagedAt  time.Time
}

// Enqueue persists pkt for sessionID. The packet is stored with
// delivered = 0 and is included in subsequent Dequeue results until Ack is
// called for its ID.
func (s *Store) Enqueue(ctx context.Context, sessionID string, pt wire.PacketType, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staged_packet (session_id, packet_type, payload) VALUES (?, ?, ?)`,
		sessionID, int32(pt), payload,
	)
	if err != nil {
		return fmt.Errorf("stage: enqueue: %w", err)
	}
	s.depth.Add(1)
	return nil
}

// Dequeue returns up to n unacknowledged packets in insertion order (oldest
// first). It does not mark packets as delivered; call Ack with the returned
// IDs to do that. If n <= 0, Dequeue returns nil without querying the
// database.
func (s *Store) Dequeue(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, packet_type, payload, staged_at
		 FROM   staged_packet
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("stage: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			pt      int32
			stagedAt string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &pt, &r.Payload, &stagedAt); err != nil {
			return nil, fmt.Errorf("stage: dequeue scan: %w", err)
		}
		r.Type = wire.PacketType(pt)
		r.StagedAt, err = time.Parse(time.RFC3339Nano, stagedAt)
		if err != nil {
			r.StagedAt, _ = time.Parse("2006-01-02T15:04:05.999999999Z", stagedAt)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stage: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the packets identified by ids as delivered. Acknowledged
// packets are excluded from subsequent Dequeue results. Ack is idempotent.
func (s *Store) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE staged_packet SET delivered = 1 WHERE delivered = 0 AND id IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("stage: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) packets. It reads
// from an atomic counter updated by Enqueue and Ack, so it never blocks.
func (s *Store) Depth() int {
	return int(s.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the store after Close returns.
func (s *Store) Close() error {
	return s.db.Close()
}
