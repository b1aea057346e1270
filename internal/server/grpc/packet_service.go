// PacketService implements rtrace-server's ingestion RPCs: it handles two
// RPCs:
//
//   - RegisterSession — announces a new tracer session and returns the
//     server-assigned session_id.
//   - StreamPackets   — receives a bidirectional stream of PacketBatches,
//     folds each batch into the session's in-flight EventModel, persists the
//     resource types and leak-report aggregate it discovers, and fans every
//     new leak report out to the WebSocket broadcaster.
//
// Broadcaster fan-out uses a non-blocking send (websocket.Broadcaster.Publish)
// so a slow or disconnected WebSocket consumer never applies back-pressure to
// the gRPC stream goroutine.
//
// Session registration, session close, and each persisted leak report are
// also recorded to the audit package's tamper-evident log (SPEC_FULL §B),
// when PacketService is constructed with a non-nil AuditLogger.
package grpc

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sp-rtrace/rtrace-go/internal/audit"
	"github.com/sp-rtrace/rtrace-go/internal/btindex"
	"github.com/sp-rtrace/rtrace-go/internal/model"
	"github.com/sp-rtrace/rtrace-go/internal/parser"
	"github.com/sp-rtrace/rtrace-go/internal/server/storage"
	"github.com/sp-rtrace/rtrace-go/internal/transform"
	"github.com/sp-rtrace/rtrace-go/internal/wire"
	rtracepb "github.com/sp-rtrace/rtrace-go/proto"
)

// Store is the subset of storage.Store used by PacketService.
type Store interface {
	// UpsertSession inserts the session record and returns the effective
	// session_id persisted in the database. Session identity is always
	// sess.SessionID (assigned by RegisterSession), never renumbered.
	UpsertSession(ctx context.Context, sess storage.Session) (string, error)
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error
	InsertResourceTypes(ctx context.Context, types []storage.ResourceTypeRow) error
	BatchInsertLeakReports(ctx context.Context, row storage.LeakReportRow) error
	InsertAuditEntry(ctx context.Context, e storage.AuditEntry) error
}

// AuditLogger is the subset of audit.Logger used by PacketService to record
// tracing-session lifecycle events. Declaring a local interface makes the
// service trivially testable with a stub and lets a deployment opt out of
// auditing by leaving it nil.
type AuditLogger interface {
	AppendSessionEvent(eventType audit.EventType, sessionID string, detail any) (audit.Entry, error)
}

// Broadcaster is the subset of the websocket.Broadcaster interface used by
// PacketService. Declaring a local interface makes the service trivially
// testable with a stub.
type Broadcaster interface {
	Publish(r storage.LeakReportRow)
	PublishSessionEvent(eventType, sessionID string)
}

// sessionState holds the in-flight decode state for one StreamPackets call.
// PacketService keeps one per active session, keyed by session_id.
type sessionState struct {
	mu           sync.Mutex
	builder      *parser.Builder
	resTypesSeen int // len(model.ResourceTypes) already persisted
}

// PacketService implements rtracepb.PacketServiceServer.
type PacketService struct {
	rtracepb.UnimplementedPacketServiceServer

	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger
	auditLog    AuditLogger

	sessions sync.Map // map[string]*sessionState
}

// NewPacketService creates a PacketService wired to store and broadcaster.
// auditLog may be nil, in which case session lifecycle events are not
// recorded to the audit trail.
func NewPacketService(store Store, broadcaster Broadcaster, logger *slog.Logger, auditLog AuditLogger) *PacketService {
	return &PacketService{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		auditLog:    auditLog,
	}
}

// RegisterSession implements rtracepb.PacketServiceServer.RegisterSession.
//
// It assigns a session_id, upserts the Session record, and starts the
// parser.Builder that will assemble this session's EventModel as
// StreamPackets delivers PacketBatches tagged with that session_id.
func (s *PacketService) RegisterSession(ctx context.Context, req *rtracepb.SessionHandshake) (*rtracepb.RegisterResponse, error) {
	if req.GetProcessName() == "" {
		return nil, status.Error(codes.InvalidArgument, "register_session: process_name must not be empty")
	}

	// The mTLS client-certificate CN identifies the rtrace-agent host this
	// session is streaming from; the wire Handshake carries no separate
	// agent identity field, so it's recorded verbatim as AgentVersion.
	agentCN, _ := AgentCNFromContext(ctx)

	sessionID := uuid.NewString()
	now := time.Now().UTC()

	sess := storage.Session{
		SessionID:    sessionID,
		ProcessName:  req.GetProcessName(),
		PID:          req.GetPid(),
		Arch:         req.GetArch(),
		AgentVersion: agentCN,
		StartedAt:    now,
		Status:       storage.SessionStatusActive,
	}

	effectiveID, err := s.store.UpsertSession(ctx, sess)
	if err != nil {
		s.logger.Error("register_session: upsert session failed",
			slog.String("process_name", req.GetProcessName()),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register_session: store: %v", err)
	}

	hs := wire.Handshake{
		VersionMajor: req.GetVersionMajor(),
		VersionMinor: req.GetVersionMinor(),
		Arch:         req.GetArch(),
		BigEndian:    req.GetBigEndian(),
		PointerSize:  req.GetPointerSize(),
	}
	s.sessions.Store(effectiveID, &sessionState{
		builder: parser.NewBuilder(hs, btindex.New()),
	})

	s.broadcaster.PublishSessionEvent("session_started", effectiveID)
	s.recordAudit(ctx, effectiveID, audit.EventSessionStarted, map[string]any{
		"process_name": req.GetProcessName(),
		"pid":          req.GetPid(),
		"arch":         req.GetArch(),
	})

	s.logger.Info("session registered",
		slog.String("session_id", effectiveID),
		slog.String("process_name", req.GetProcessName()),
		slog.Int("pid", int(req.GetPid())),
		slog.String("agent_cn", agentCN),
	)

	return &rtracepb.RegisterResponse{SessionId: effectiveID}, nil
}

// StreamPackets implements rtracepb.PacketServiceServer.StreamPackets.
//
// For each incoming PacketBatch the handler folds every packet into the
// session's parser.Builder, persists any resource types it newly discovers,
// re-derives the leak-report aggregate (§4.6's "leak sort and compression")
// from the Builder's current EventModel snapshot, persists and broadcasts
// the surviving groups, and acknowledges the batch.
//
// A batch referencing an unknown session_id receives an error BatchAck
// rather than tearing down the whole stream, since other sessions may still
// be streaming correctly over the same connection pool.
func (s *PacketService) StreamPackets(stream rtracepb.PacketService_StreamPacketsServer) error {
	ctx := stream.Context()
	var activeSessionID string

	for {
		batch, err := stream.Recv()
		if err != nil {
			if err == io.EOF ||
				err == context.Canceled ||
				err == context.DeadlineExceeded ||
				status.Code(err) == codes.Canceled ||
				status.Code(err) == codes.DeadlineExceeded {
				s.logger.Debug("stream_packets: stream closed", slog.Any("reason", err))
				s.closeSession(ctx, activeSessionID)
				return nil
			}
			s.logger.Error("stream_packets: transport error", slog.Any("error", err))
			s.closeSession(ctx, activeSessionID)
			return err
		}

		sessionID := batch.GetSessionId()
		v, ok := s.sessions.Load(sessionID)
		if !ok {
			if sendErr := stream.Send(batchNack(fmt.Errorf("unknown session_id %q", sessionID))); sendErr != nil {
				return sendErr
			}
			continue
		}
		activeSessionID = sessionID
		st := v.(*sessionState)

		if err := s.applyBatch(ctx, sessionID, st, batch); err != nil {
			s.logger.Warn("stream_packets: batch rejected",
				slog.String("session_id", sessionID),
				slog.String("reason", err.Error()),
			)
			if sendErr := stream.Send(batchNack(err)); sendErr != nil {
				return sendErr
			}
			continue
		}

		if sendErr := stream.Send(&rtracepb.BatchAck{Ok: true}); sendErr != nil {
			return sendErr
		}
	}
}

// applyBatch decodes every packet in batch into st's Builder, persists newly
// registered resource types, and publishes the current leak-report
// aggregate.
func (s *PacketService) applyBatch(ctx context.Context, sessionID string, st *sessionState, batch *rtracepb.PacketBatch) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, pkt := range batch.GetPackets() {
		wp := wire.Packet{Type: wire.PacketType(pkt.GetType()), Payload: pkt.GetPayload()}
		if _, err := st.builder.Apply(wp); err != nil {
			return fmt.Errorf("decode packet: %w", err)
		}
	}
	st.builder.Flush()

	snap := st.builder.Snapshot()

	if err := s.persistNewResourceTypes(ctx, sessionID, st, snap); err != nil {
		return err
	}

	return s.publishLeakReports(ctx, sessionID, snap)
}

func (s *PacketService) persistNewResourceTypes(ctx context.Context, sessionID string, st *sessionState, snap *model.EventModel) error {
	if len(snap.ResourceTypes) <= st.resTypesSeen {
		return nil
	}
	fresh := snap.ResourceTypes[st.resTypesSeen:]
	rows := make([]storage.ResourceTypeRow, len(fresh))
	for i, rt := range fresh {
		rows[i] = storage.ResourceTypeRow{
			SessionID: sessionID,
			ResTypeID: rt.ID,
			Tag:       rt.Tag,
			Desc:      rt.Desc,
			Flags:     uint32(rt.Flags),
		}
	}
	if err := s.store.InsertResourceTypes(ctx, rows); err != nil {
		return fmt.Errorf("persist resource types: %w", err)
	}
	st.resTypesSeen = len(snap.ResourceTypes)
	return nil
}

func (s *PacketService) publishLeakReports(ctx context.Context, sessionID string, snap *model.EventModel) error {
	// Only allocations still unmatched by a free at this point in the stream
	// are leaks (§4.6 "leak filter"); snap aliases the session's live decode
	// state, so the filter runs against a throwaway copy (transform.FilterLeaks)
	// rather than snap itself.
	leaked := transform.FilterLeaks(snap)
	aggs := transform.Compress(leaked, transform.SortSizeDesc)
	now := time.Now().UTC()

	for _, agg := range aggs {
		if len(agg.Calls) == 0 {
			continue
		}
		resType := leaked.ResourceTypeByID(agg.Calls[0].ResType)
		tag := ""
		if resType != nil {
			tag = resType.Tag
		}

		row := storage.LeakReportRow{
			ReportID:      uuid.NewString(),
			SessionID:     sessionID,
			ResTypeID:     agg.Calls[0].ResType,
			ResTypeTag:    tag,
			BacktraceHash: backtraceHash(agg.Trace),
			Count:         int64(agg.Count),
			TotalSize:     agg.TotalSize,
			Frames:        framesJSON(agg.Trace),
			GeneratedAt:   now,
		}

		if err := s.store.BatchInsertLeakReports(ctx, row); err != nil {
			return fmt.Errorf("persist leak report: %w", err)
		}
		s.broadcaster.Publish(row)
		s.recordAudit(ctx, sessionID, audit.EventLeakReportGenerated, map[string]any{
			"report_id":    row.ReportID,
			"res_type_tag": row.ResTypeTag,
			"count":        row.Count,
			"total_size":   row.TotalSize,
		})
	}

	return nil
}

// closeSession marks sessionID closed and removes its decode state. A blank
// sessionID (no batch was ever accepted on this stream) is a no-op.
func (s *PacketService) closeSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := s.store.CloseSession(ctx, sessionID, time.Now().UTC()); err != nil {
		s.logger.Error("stream_packets: close session failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
	}
	s.broadcaster.PublishSessionEvent("session_closed", sessionID)
	s.recordAudit(ctx, sessionID, audit.EventSessionClosed, nil)
	s.sessions.Delete(sessionID)
}

// recordAudit appends a tracing-session lifecycle event to the audit trail
// and mirrors it into the audit_entries table. A nil auditLog is a no-op, so
// deployments (and tests) may opt out of auditing entirely. Failures are
// logged rather than propagated: a broken audit trail must not interrupt
// packet ingestion.
func (s *PacketService) recordAudit(ctx context.Context, sessionID string, eventType audit.EventType, detail any) {
	if s.auditLog == nil {
		return
	}
	e, err := s.auditLog.AppendSessionEvent(eventType, sessionID, detail)
	if err != nil {
		s.logger.Error("audit: append failed",
			slog.String("session_id", sessionID), slog.String("event_type", string(eventType)), slog.Any("error", err))
		return
	}
	row := storage.AuditEntry{
		EntryID:     uuid.NewString(),
		SessionID:   sessionID,
		SequenceNum: e.Seq,
		EventHash:   e.EventHash,
		PrevHash:    e.PrevHash,
		Payload:     e.Payload,
		CreatedAt:   e.Timestamp,
	}
	if err := s.store.InsertAuditEntry(ctx, row); err != nil {
		s.logger.Error("audit: persist failed",
			slog.String("session_id", sessionID), slog.String("event_type", string(eventType)), slog.Any("error", err))
	}
}

// backtraceHash derives a stable hex digest identifying bt's call stack,
// stored as LeakReportRow.BacktraceHash so that repeat observations of the
// same leak site share one key (QueryLeaks returns every stored row and does
// not group by it). A nil Backtrace (a singleton alloc Call with no captured trace)
// hashes to "none".
func backtraceHash(bt *model.Backtrace) string {
	if bt == nil {
		return "none"
	}
	h := sha256.New()
	buf := make([]byte, 8)
	for _, frame := range bt.Frames {
		binary.LittleEndian.PutUint64(buf, frame)
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// framesJSON marshals bt's frame addresses for storage.LeakReportRow.Frames.
// A nil Backtrace produces a null JSON value.
func framesJSON(bt *model.Backtrace) json.RawMessage {
	if bt == nil {
		return json.RawMessage("null")
	}
	raw, err := json.Marshal(bt.Frames)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// batchNack builds a rejected BatchAck carrying err's message.
func batchNack(err error) *rtracepb.BatchAck {
	return &rtracepb.BatchAck{Ok: false, Error: err.Error()}
}
