package preprocessor

import (
	"context"

	"github.com/sp-rtrace/rtrace-go/internal/wire"
)

// Stager is the subset of internal/stage.Store a stageSink needs to persist
// forwarded packets durably.
type Stager interface {
	Enqueue(ctx context.Context, sessionID string, pt wire.PacketType, payload []byte) error
}

// stageSink implements Sink by writing each packet into a Stager instead of
// a file, for rtrace-agent's networked deployment: packets survive a crash
// or a disconnected rtrace-server until internal/transport.GRPCTransport
// drains and forwards them.
type stageSink struct {
	ctx       context.Context
	stager    Stager
	sessionID string
}

// NewStageSink creates a Sink that stages every packet under sessionID, a
// locally assigned tag (not the server-assigned session_id RegisterSession
// later returns — internal/transport tags every outgoing batch with that
// one, regardless of how it was staged).
func NewStageSink(ctx context.Context, stager Stager, sessionID string) Sink {
	return &stageSink{ctx: ctx, stager: stager, sessionID: sessionID}
}

// WriteHandshake is a no-op: the handshake is carried once to rtrace-server
// as a SessionHandshake RPC message by internal/transport.GRPCTransport.Start,
// not staged as a wire packet. parser.NewBuilder is constructed directly
// from that same wire.Handshake on the server side (see
// internal/server/grpc.PacketService.RegisterSession), so there is nothing
// for this Sink to stage here.
func (s *stageSink) WriteHandshake(wire.Handshake) error { return nil }

func (s *stageSink) WritePacket(pt wire.PacketType, payload []byte) error {
	return s.stager.Enqueue(s.ctx, s.sessionID, pt, payload)
}

// Flush is a no-op: Stager.Enqueue persists synchronously, so there is no
// buffered state to flush.
func (s *stageSink) Flush() error { return nil }

// Close is a no-op: the underlying Stager's lifecycle is owned by the
// caller (rtrace-agent's main), not by individual sinks.
func (s *stageSink) Close() error { return nil }
