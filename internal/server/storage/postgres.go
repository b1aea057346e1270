package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of leak-report rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending leak reports even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for rtrace-server.
//
// Leak-report ingestion is batched: callers enqueue individual LeakReportRow
// values via BatchInsertLeakReports, which accumulates them in memory and
// flushes to the database either when the buffer reaches batchSize or when
// the background ticker fires, whichever comes first. All other operations
// (sessions, resource types, audit entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []LeakReportRow
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]LeakReportRow, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// leak reports, and closes the connection pool. It is safe to call Close
// more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and calls
// Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertLeakReports enqueues row for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertLeakReports(ctx context.Context, row LeakReportRow) error {
	s.mu.Lock()
	s.batch = append(s.batch, row)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current leak-report buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on the
// primary key are silently ignored (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]LeakReportRow, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO leak_reports
			(report_id, session_id, res_type_id, res_type_tag, backtrace_hash, count, total_size, frames, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		frames := []byte(r.Frames)
		if frames == nil {
			frames = []byte("null")
		}
		b.Queue(query,
			r.ReportID, r.SessionID, r.ResTypeID, r.ResTypeTag, r.BacktraceHash,
			r.Count, int64(r.TotalSize), frames, r.GeneratedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec leak report: %w", err)
		}
	}
	return nil
}

// QueryLeaks returns leak-report rows for sessionID, ordered by count
// descending (most frequent leak sites first). This order is independent of
// the SortSizeDesc order PacketService uses when it compresses the groups.
func (s *Store) QueryLeaks(ctx context.Context, sessionID string) ([]LeakReportRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT report_id, session_id, res_type_id, res_type_tag, backtrace_hash,
		       count, total_size, frames, generated_at
		FROM   leak_reports
		WHERE  session_id = $1
		ORDER  BY count DESC, report_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query leaks: %w", err)
	}
	defer rows.Close()

	var out []LeakReportRow
	for rows.Next() {
		var r LeakReportRow
		var frames []byte
		var totalSize int64
		err := rows.Scan(
			&r.ReportID, &r.SessionID, &r.ResTypeID, &r.ResTypeTag, &r.BacktraceHash,
			&r.Count, &totalSize, &frames, &r.GeneratedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan leak report: %w", err)
		}
		r.TotalSize = uint64(totalSize)
		r.Frames = frames
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Session CRUD ---

// UpsertSession inserts a new session or, on session_id conflict, updates all
// mutable fields. It returns the effective session_id that is persisted,
// which always equals s.SessionID: unlike hosts, session identity is
// assigned up front by the gRPC registration path and never renumbered.
func (s *Store) UpsertSession(ctx context.Context, sess Session) (string, error) {
	var effectiveID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions
			(session_id, process_name, pid, arch, agent_version, started_at, ended_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			process_name  = EXCLUDED.process_name,
			pid           = EXCLUDED.pid,
			arch          = EXCLUDED.arch,
			agent_version = EXCLUDED.agent_version,
			ended_at      = EXCLUDED.ended_at,
			status        = EXCLUDED.status
		RETURNING session_id`,
		sess.SessionID,
		nullableStr(sess.ProcessName),
		sess.PID,
		nullableStr(sess.Arch),
		nullableStr(sess.AgentVersion),
		sess.StartedAt,
		sess.EndedAt,
		string(sess.Status),
	).Scan(&effectiveID)
	if err != nil {
		return "", fmt.Errorf("upsert session: %w", err)
	}
	return effectiveID, nil
}

// CloseSession marks sessionID as closed at endedAt. It is a no-op (returns
// nil) if the session does not exist.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET    status = $2, ended_at = $3
		WHERE  session_id = $1`,
		sessionID, string(SessionStatusClosed), endedAt,
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// GetSession returns the session with the given id, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, process_name, pid, arch, agent_version, started_at, ended_at, status
		FROM   sessions
		WHERE  session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// QuerySessions returns paginated sessions that fall within [q.From, q.To) on
// the started_at column. The time-range constraint enables PostgreSQL
// partition pruning so only the relevant monthly partitions are scanned.
//
// Optional filters: q.ProcessName (exact match), q.Status (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by started_at DESC, session_id ASC.
func (s *Store) QuerySessions(ctx context.Context, q ReportQuery) ([]Session, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE started_at >= $1 AND started_at < $2"
	argIdx := 5

	if q.ProcessName != "" {
		where += fmt.Sprintf(" AND process_name = $%d", argIdx)
		args = append(args, q.ProcessName)
		argIdx++
	}
	if q.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*q.Status))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT session_id, process_name, pid, arch, agent_version, started_at, ended_at, status
		FROM   sessions
		%s
		ORDER  BY started_at DESC, session_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// --- ResourceType registry ---

// InsertResourceTypes persists the resource-type registry announced by a
// session. Existing rows for the same (session_id, res_type_id) are
// replaced, so a session that re-announces its registry (e.g. after a
// reconnect) never accumulates duplicates.
func (s *Store) InsertResourceTypes(ctx context.Context, types []ResourceTypeRow) error {
	if len(types) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	const query = `
		INSERT INTO resource_types (session_id, res_type_id, tag, description, flags)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, res_type_id) DO UPDATE SET
			tag         = EXCLUDED.tag,
			description = EXCLUDED.description,
			flags       = EXCLUDED.flags`
	for _, t := range types {
		b.Queue(query, t.SessionID, t.ResTypeID, t.Tag, nullableStr(t.Desc), int64(t.Flags))
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range types {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec resource type: %w", err)
		}
	}
	return nil
}

// ListResourceTypes returns the resource-type registry for sessionID ordered
// by res_type_id.
func (s *Store) ListResourceTypes(ctx context.Context, sessionID string) ([]ResourceTypeRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, res_type_id, tag, description, flags
		FROM   resource_types
		WHERE  session_id = $1
		ORDER  BY res_type_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list resource types: %w", err)
	}
	defer rows.Close()

	var out []ResourceTypeRow
	for rows.Next() {
		var t ResourceTypeRow
		var desc *string
		var flags int64
		if err := rows.Scan(&t.SessionID, &t.ResTypeID, &t.Tag, &desc, &flags); err != nil {
			return nil, fmt.Errorf("scan resource type: %w", err)
		}
		if desc != nil {
			t.Desc = *desc
		}
		t.Flags = uint32(flags)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry.
// The caller must populate EntryID, EventHash, PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, session_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID,
		e.SessionID,
		e.SequenceNum,
		e.EventHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for sessionID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, sessionID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, session_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  session_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		sessionID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.SessionID, &e.SequenceNum,
			&e.EventHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanSession reads one session row from s.
func scanSession(s scanner) (*Session, error) {
	var sess Session
	var processName, arch, agentVersion *string
	var status string
	err := s.Scan(
		&sess.SessionID, &processName, &sess.PID, &arch, &agentVersion,
		&sess.StartedAt, &sess.EndedAt, &status,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if processName != nil {
		sess.ProcessName = *processName
	}
	if arch != nil {
		sess.Arch = *arch
	}
	if agentVersion != nil {
		sess.AgentVersion = *agentVersion
	}
	return &sess, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
