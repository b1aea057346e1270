// Package storage provides the PostgreSQL-backed persistence layer for the
// rtrace-server dashboard. It exposes typed model structs for the three
// ingested record kinds (sessions, resource types, leak reports) plus the
// audit log, and a Store that wraps a pgxpool connection pool with a
// batched leak-report-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// SessionStatus is the liveness state of a tracer session as seen by the
// dashboard.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "ACTIVE"
	SessionStatusClosed SessionStatus = "CLOSED"
)

// Session maps to the `sessions` table. One row is created per Handshake
// registered over PacketService.RegisterSession (or per local tracer run
// relayed through the post-processor child path).
//
// EndedAt is nil while the session is still streaming packets.
type Session struct {
	SessionID    string        `json:"session_id"`
	ProcessName  string        `json:"process_name,omitempty"`
	PID          int32         `json:"pid,omitempty"`
	Arch         string        `json:"arch,omitempty"`
	AgentVersion string        `json:"agent_version,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Status       SessionStatus `json:"status"`
}

// ResourceTypeRow maps to the `resource_types` table: the registry of
// tracked resource kinds (§3 ResourceType) announced by a session, persisted
// so the REST API can label leak reports without replaying the packet
// stream.
type ResourceTypeRow struct {
	SessionID string `json:"session_id"`
	ResTypeID int    `json:"res_type_id"`
	Tag       string `json:"tag"`
	Desc      string `json:"desc,omitempty"`
	Flags     uint32 `json:"flags"`
}

// LeakReportRow maps to the `leak_reports` partitioned table: one row per
// surviving backtrace group after the leak-detection transform (§4.6) has
// run, the resource-type-scoped aggregate the dashboard queries over.
//
// BacktraceHash is the de-duplication key the TrimDepth/Compress transforms
// converge on: two rows with the same (SessionID, ResTypeID, BacktraceHash)
// represent the same leak site observed across transform runs.
type LeakReportRow struct {
	ReportID      string          `json:"report_id"`
	SessionID     string          `json:"session_id"`
	ResTypeID     int             `json:"res_type_id"`
	ResTypeTag    string          `json:"res_type_tag"`
	BacktraceHash string          `json:"backtrace_hash"`
	Count         int64           `json:"count"`
	TotalSize     uint64          `json:"total_size"`
	Frames        json.RawMessage `json:"frames,omitempty"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// AuditEntry maps to the `audit_entries` table.
//
// EventHash is the SHA-256 hex digest of this entry.
// PrevHash is the SHA-256 hex digest of the previous entry; for the genesis
// entry this is a string of 64 zeros.
// Payload holds the full event data as a JSONB value.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	SessionID   string          `json:"session_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ReportQuery carries the filter and pagination parameters for QuerySessions.
//
// From and To are mandatory and bracket the started_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when ≤ 0. An empty
// ProcessName matches all sessions.
type ReportQuery struct {
	ProcessName string
	Status      *SessionStatus
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}
