package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sp-rtrace/rtrace-go/internal/server/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetSessions responds to GET /api/v1/sessions.
//
// Supported query parameters:
//
//	process_name – exact process name filter (optional)
//	status        – one of ACTIVE, CLOSED (optional)
//	from          – RFC3339 start of the started_at window (required)
//	to            – RFC3339 end of the started_at window (required)
//	limit         – maximum number of results (default 100, max 1000)
//	offset        – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Session objects on success.
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	rq := storage.ReportQuery{
		From: from,
		To:   to,
	}

	if procName := q.Get("process_name"); procName != "" {
		rq.ProcessName = procName
	}

	if st := q.Get("status"); st != "" {
		switch storage.SessionStatus(st) {
		case storage.SessionStatusActive, storage.SessionStatusClosed:
			status := storage.SessionStatus(st)
			rq.Status = &status
		default:
			writeError(w, http.StatusBadRequest, "'status' must be one of ACTIVE, CLOSED")
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		rq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		rq.Offset = offset
	}

	sessions, err := s.store.QuerySessions(r.Context(), rq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query sessions")
		return
	}

	if sessions == nil {
		sessions = []storage.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessions)
}

// handleGetLeaks responds to GET /api/v1/sessions/{sessionID}/leaks.
//
// Returns HTTP 200 with a JSON array of LeakReportRow objects for the named
// session, sorted by count descending (§4.6 leak sort).
func (s *Server) handleGetLeaks(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	leaks, err := s.store.QueryLeaks(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query leak reports")
		return
	}

	if leaks == nil {
		leaks = []storage.LeakReportRow{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(leaks)
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Supported query parameters:
//
//	session_id – exact session UUID (required)
//	from       – RFC3339 start of the created_at window (required)
//	to         – RFC3339 end of the created_at window (required)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of AuditEntry objects on success.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sessionID := q.Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'session_id' is required")
		return
	}

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), sessionID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}

	if entries == nil {
		entries = []storage.AuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}
