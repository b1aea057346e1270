// Package transport implements the gRPC transport client that forwards
// staged packets from rtrace-agent to rtrace-server.
//
// # Overview
//
// GRPCTransport connects to rtrace-server using mutual TLS (mTLS): the agent
// presents a client certificate to prove its identity, and it verifies the
// server's certificate against a trusted CA.
//
// Once connected, the transport:
//  1. Calls RegisterSession with the tracer's Handshake to obtain a
//     server-assigned session_id tagging every subsequent batch.
//  2. Opens the StreamPackets bidirectional stream.
//  3. Drains the local Stager for undelivered packets, sends them in
//     batches, and Acks each batch once the server confirms it, giving
//     at-least-once delivery across restarts (internal/stage).
//
// # Reconnection
//
// If the connection drops for any reason, GRPCTransport reconnects
// automatically using exponential backoff (cenkalti/backoff defaults:
// multiplier 1.5, ±50% randomization): each successive failure grows the
// wait interval up to MaxBackoff, after which every retry waits about
// MaxBackoff. On a successful reconnection the backoff interval resets to
// InitialBackoff so that a transient fault is not penalised on the next
// failure.
//
// # Usage
//
//	t := transport.New(transport.Config{
//	    ServerAddr:   "rtrace-server.example.com:4443",
//	    CertPath:     "/etc/rtrace/agent.crt",
//	    KeyPath:      "/etc/rtrace/agent.key",
//	    CAPath:       "/etc/rtrace/ca.crt",
//	    AgentVersion: "v1.0.0",
//	}, stager, logger)
//
//	if err := t.Start(ctx, handshake); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Stop()
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	rtracepb "github.com/sp-rtrace/rtrace-go/proto"

	"github.com/sp-rtrace/rtrace-go/internal/stage"
	"github.com/sp-rtrace/rtrace-go/internal/wire"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
	defaultBatchSize      = 64
	defaultPollInterval   = 500 * time.Millisecond
)

// Config holds the configuration for the gRPC transport.
type Config struct {
	// ServerAddr is the "host:port" of rtrace-server's gRPC listener.
	// Required.
	ServerAddr string

	// CertPath is the path to the PEM-encoded agent TLS certificate. Required.
	CertPath string

	// KeyPath is the path to the PEM-encoded agent TLS private key. Required.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// rtrace-server's TLS certificate. Required.
	CAPath string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long the transport waits for the initial TCP
	// dial and RegisterSession RPC to complete on each connection attempt.
	// Defaults to 30 seconds when zero.
	DialTimeout time.Duration

	// BatchSize is the maximum number of staged packets drained per
	// PacketBatch. Defaults to 64 when zero.
	BatchSize int

	// PollInterval is how often the drain loop checks the Stager for newly
	// staged packets when it last found none. Defaults to 500ms when zero.
	PollInterval time.Duration

	// AgentVersion is a human-readable version string (e.g. "v1.0.0"), kept
	// for parity with the agent's health/registration metadata.
	AgentVersion string
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Stager is the subset of internal/stage.Store the transport drains and
// acknowledges. Declaring a local interface (rather than importing the
// concrete type everywhere) keeps the transport trivially testable with a
// stub.
type Stager interface {
	Dequeue(ctx context.Context, n int) ([]stage.Record, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// GRPCTransport drains a Stager and forwards its packets to rtrace-server
// via a mTLS-protected gRPC bidirectional stream (StreamPackets),
// maintaining the connection with exponential-backoff reconnection.
type GRPCTransport struct {
	cfg    Config
	stager Stager
	logger *slog.Logger

	handshake wire.Handshake

	// creds is loaded once in Start and reused on every reconnect.
	creds credentials.TransportCredentials

	// mu guards sessionID, set on every (re)connect.
	mu        sync.RWMutex
	sessionID string

	metrics *Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new GRPCTransport with the given configuration, Stager, and
// logger. Call [GRPCTransport.Start] to begin connecting. Metrics are served
// separately via [GRPCTransport.Metrics].
func New(cfg Config, stager Stager, logger *slog.Logger) *GRPCTransport {
	cfg.applyDefaults()
	return &GRPCTransport{
		cfg:     cfg,
		stager:  stager,
		logger:  logger,
		metrics: NewMetrics(),
	}
}

// Metrics returns the transport's Prometheus counters and gauges, suitable
// for serving via [Metrics.Handler].
func (t *GRPCTransport) Metrics() *Metrics { return t.metrics }

// Start validates the mTLS credentials from disk, then launches a
// background goroutine that connects to rtrace-server, registers hs as the
// session handshake, and drains the Stager for the lifetime of ctx.
//
// Start returns an error only if the TLS certificate files cannot be
// loaded. All connectivity failures (server unreachable, registration
// errors) are handled internally with exponential-backoff retries.
func (t *GRPCTransport) Start(ctx context.Context, hs wire.Handshake) error {
	creds, err := t.loadTLSCredentials()
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	t.creds = creds
	t.handshake = hs

	connectCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.connectLoop(connectCtx)

	return nil
}

// Stop cancels the connection loop and waits for all background goroutines
// to exit. It is safe to call Stop multiple times.
func (t *GRPCTransport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// ─── Connection loop ───────────────────────────────────────────────────────

// connectLoop runs until ctx is cancelled. On each iteration it calls
// connect, which blocks for the lifetime of one gRPC connection. Between
// failed attempts (or after a connection is lost) it applies exponential
// backoff.
func (t *GRPCTransport) connectLoop(ctx context.Context) {
	defer t.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialBackoff
	b.MaxInterval = t.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		t.logger.Info("transport: connecting to server", slog.String("addr", t.cfg.ServerAddr))

		wasConnected, err := t.connect(ctx)

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			b.Reset()
		}

		if err != nil {
			t.logger.Warn("transport: connection ended",
				slog.Any("error", err),
				slog.String("addr", t.cfg.ServerAddr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			t.logger.Error("transport: backoff exhausted; giving up")
			return
		}
		t.metrics.ReconnectAttempts.Add(1)

		t.logger.Info("transport: will reconnect",
			slog.String("addr", t.cfg.ServerAddr),
			slog.Duration("after", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect performs one full connection lifecycle:
//  1. Dials rtrace-server with mTLS.
//  2. Calls RegisterSession with the cached Handshake to obtain a session_id.
//  3. Opens the StreamPackets bidirectional stream.
//  4. Blocks in drainLoop, sending staged batches and processing BatchAcks,
//     until the stream closes or ctx is cancelled.
//
// It returns (true, err) when the stream was successfully established
// before failing, or (false, err) when the dial or registration itself
// failed.
func (t *GRPCTransport) connect(ctx context.Context) (wasConnected bool, err error) {
	t.metrics.ConnectionAttempts.Add(1)

	conn, err := grpc.NewClient(
		t.cfg.ServerAddr,
		grpc.WithTransportCredentials(t.creds),
	)
	if err != nil {
		t.metrics.ConnectionErrors.Add(1)
		return false, fmt.Errorf("dial %s: %w", t.cfg.ServerAddr, err)
	}
	defer conn.Close()

	client := rtracepb.NewPacketServiceClient(conn)

	t.metrics.SessionRegistrations.Add(1)
	regCtx, regCancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	resp, err := client.RegisterSession(regCtx, &rtracepb.SessionHandshake{
		VersionMajor: uint32(t.handshake.VersionMajor),
		VersionMinor: uint32(t.handshake.VersionMinor),
		Arch:         t.handshake.Arch,
		BigEndian:    t.handshake.BigEndian,
		PointerSize:  uint32(t.handshake.PointerSize),
	})
	regCancel()
	if err != nil {
		t.metrics.RegistrationErrors.Add(1)
		return false, fmt.Errorf("RegisterSession: %w", err)
	}

	sessionID := resp.GetSessionId()
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()

	t.logger.Info("transport: session registered",
		slog.String("session_id", sessionID),
		slog.String("addr", t.cfg.ServerAddr))

	stream, err := client.StreamPackets(ctx)
	if err != nil {
		return false, fmt.Errorf("StreamPackets: %w", err)
	}

	t.logger.Info("transport: stream established",
		slog.String("addr", t.cfg.ServerAddr),
		slog.String("session_id", sessionID))

	t.metrics.Connected.Store(1)
	streamErr := t.drainLoop(ctx, stream, sessionID)
	t.metrics.Connected.Store(0)

	if streamErr == io.EOF || streamErr == context.Canceled {
		return true, nil
	}
	return true, streamErr
}

// drainLoop repeatedly dequeues staged packets, sends them as a PacketBatch,
// waits for the matching BatchAck, and Acks the delivered rows in the
// Stager. It returns when ctx is cancelled or the stream errors.
func (t *GRPCTransport) drainLoop(ctx context.Context, stream rtracepb.PacketService_StreamPacketsClient, sessionID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		recs, err := t.stager.Dequeue(ctx, t.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("dequeue staged packets: %w", err)
		}
		t.metrics.StageDepth.Store(int64(t.stager.Depth()))
		if len(recs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.cfg.PollInterval):
			}
			continue
		}

		batch := &rtracepb.PacketBatch{
			SessionId: sessionID,
			Packets:   make([]*rtracepb.Packet, len(recs)),
		}
		ids := make([]int64, len(recs))
		for i, r := range recs {
			batch.Packets[i] = &rtracepb.Packet{Type: uint32(r.Type), Payload: r.Payload}
			ids[i] = r.ID
		}

		if err := stream.Send(batch); err != nil {
			t.metrics.StreamSendErrors.Add(1)
			return fmt.Errorf("send batch: %w", err)
		}

		ack, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				t.metrics.StreamRecvErrors.Add(1)
			}
			return fmt.Errorf("recv ack: %w", err)
		}
		if !ack.GetOk() {
			t.logger.Warn("transport: server rejected batch",
				slog.String("error", ack.GetError()),
				slog.Int("packets", len(recs)))
			continue
		}

		if err := t.stager.Ack(ctx, ids); err != nil {
			return fmt.Errorf("ack staged packets: %w", err)
		}
		t.metrics.PacketsSent.Add(int64(len(recs)))
		t.metrics.StageDepth.Store(int64(t.stager.Depth()))
	}
}

// SessionID returns the most recently registered session_id, or "" if no
// session has been registered yet.
func (t *GRPCTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// ─── TLS helpers ────────────────────────────────────────────────────────────

// loadTLSCredentials reads the agent certificate+key and the CA certificate
// from the configured paths, then constructs gRPC transport credentials for
// mTLS. The ServerName is derived from the host component of ServerAddr so
// that the TLS handshake verifies the server's certificate CN/SAN.
func (t *GRPCTransport) loadTLSCredentials() (credentials.TransportCredentials, error) {
	agentCert, err := tls.LoadX509KeyPair(t.cfg.CertPath, t.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load agent cert/key (%s, %s): %w",
			t.cfg.CertPath, t.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(t.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", t.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", t.cfg.CAPath)
	}

	serverName, _, splitErr := net.SplitHostPort(t.cfg.ServerAddr)
	if splitErr != nil {
		serverName = t.cfg.ServerAddr
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{agentCert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}

	return credentials.NewTLS(tlsCfg), nil
}
