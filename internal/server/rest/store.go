package rest

import (
	"context"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QuerySessions returns sessions matching q's filter and pagination.
	QuerySessions(ctx context.Context, q storage.ReportQuery) ([]storage.Session, error)

	// QueryLeaks returns the leak-report rows for one session, sorted by
	// count descending.
	QueryLeaks(ctx context.Context, sessionID string) ([]storage.LeakReportRow, error)

	// QueryAuditEntries returns audit entries for sessionID within [from, to).
	QueryAuditEntries(ctx context.Context, sessionID string, from, to time.Time) ([]storage.AuditEntry, error)
}
