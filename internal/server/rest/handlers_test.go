package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/server/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	sessions    []storage.Session
	sessionsErr error
	leaks       []storage.LeakReportRow
	leaksErr    error
	auditResult []storage.AuditEntry
	auditErr    error
}

func (m *mockStore) QuerySessions(_ context.Context, _ storage.ReportQuery) ([]storage.Session, error) {
	return m.sessions, m.sessionsErr
}

func (m *mockStore) QueryLeaks(_ context.Context, _ string) ([]storage.LeakReportRow, error) {
	return m.leaks, m.leaksErr
}

func (m *mockStore) QueryAuditEntries(_ context.Context, _ string, _, _ time.Time) ([]storage.AuditEntry, error) {
	return m.auditResult, m.auditErr
}

// newTestServer creates a Server backed by the mock store and returns its HTTP
// handler with JWT middleware disabled (pubKey = nil).
func newTestServer(ms *mockStore) http.Handler {
	srv := NewServer(ms)
	return NewRouter(srv, nil)
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- GET /api/v1/sessions ----------------------------------------------------

func TestHandleGetSessions_MissingFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetSessions_MissingTo_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?from=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetSessions_InvalidFromFormat_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?from=not-a-time&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetSessions_ToNotAfterFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/sessions?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetSessions_InvalidStatus_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/sessions?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&status=UNKNOWN", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetSessions_InvalidLimit_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/sessions?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&limit=abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetSessions_InvalidOffset_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/sessions?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&offset=-1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetSessions_ValidRequest_Returns200WithArray(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		sessions: []storage.Session{
			{
				SessionID:   "sess-1",
				ProcessName: "demoapp",
				PID:         4242,
				StartedAt:   now,
				Status:      storage.SessionStatusActive,
			},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/sessions?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var sessions []storage.Session
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].SessionID != "sess-1" {
		t.Errorf("unexpected session ID: %s", sessions[0].SessionID)
	}
}

func TestHandleGetSessions_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{sessions: nil})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/sessions?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []storage.Session
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected empty array, got %v", sessions)
	}
}

func TestHandleGetSessions_WithStatusFilter_Returns200(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		sessions: []storage.Session{
			{SessionID: "s1", Status: storage.SessionStatusClosed, StartedAt: now},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/sessions?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&status=CLOSED", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandleGetSessions_WithProcessName_Returns200(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		sessions: []storage.Session{
			{SessionID: "s1", ProcessName: "demoapp", StartedAt: now},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/sessions?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&process_name=demoapp", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

// ---- GET /api/v1/sessions/{sessionID}/leaks ----------------------------------

func TestHandleGetLeaks_Returns200WithArray(t *testing.T) {
	ms := &mockStore{
		leaks: []storage.LeakReportRow{
			{ReportID: "r1", SessionID: "sess-1", ResTypeTag: "malloc", Count: 3, TotalSize: 192},
			{ReportID: "r2", SessionID: "sess-1", ResTypeTag: "fopen", Count: 1, TotalSize: 8},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1/leaks", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var leaks []storage.LeakReportRow
	if err := json.NewDecoder(rec.Body).Decode(&leaks); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(leaks) != 2 {
		t.Fatalf("expected 2 leak reports, got %d", len(leaks))
	}
}

func TestHandleGetLeaks_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{leaks: nil})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1/leaks", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var leaks []storage.LeakReportRow
	if err := json.NewDecoder(rec.Body).Decode(&leaks); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(leaks) != 0 {
		t.Errorf("expected empty array, got %v", leaks)
	}
}

// ---- GET /api/v1/audit --------------------------------------------------------

func TestHandleGetAudit_MissingSessionID_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetAudit_MissingFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?session_id=sess-1&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetAudit_InvalidFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?session_id=sess-1&from=bad&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetAudit_ToNotAfterFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?session_id=sess-1&from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetAudit_ValidRequest_Returns200WithArray(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		auditResult: []storage.AuditEntry{
			{
				EntryID:     "e1",
				SessionID:   "sess-1",
				SequenceNum: 1,
				EventHash:   "abc",
				PrevHash:    "000",
				CreatedAt:   now,
			},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?session_id=sess-1&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var entries []storage.AuditEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EntryID != "e1" {
		t.Errorf("unexpected entry ID: %s", entries[0].EntryID)
	}
}

func TestHandleGetAudit_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{auditResult: nil})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?session_id=sess-1&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []storage.AuditEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty array, got %v", entries)
	}
}
