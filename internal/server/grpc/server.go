// Package grpc hosts rtrace-server's gRPC listener: the mTLS transport
// wrapper (this file) and the PacketService business logic
// (packet_service.go) that it serves.
//
// # mTLS
//
// The listener requires every connecting rtrace-agent to present a client
// certificate signed by the configured CA. The certificate's Common Name
// identifies the agent host and is threaded through the RPC context so
// PacketService can attribute a session to the agent that opened it without
// trusting anything the agent says about itself in the RPC payload.
//
// # Lifecycle
//
//	srv, err := grpc.New(cfg, logger, packetService)
//	lis, _ := net.Listen("tcp", cfg.GRPCListenAddr)
//	err = srv.ServeOnListener(ctx, lis) // blocks until ctx is cancelled
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/sp-rtrace/rtrace-go/internal/config"
	rtracepb "github.com/sp-rtrace/rtrace-go/proto"
)

// Config is the mTLS material the listener presents to agents and the CA
// pool it verifies their client certificates against.
type Config = config.TLSConfig

// Server wraps a *grpc.Server configured for mutual TLS and bound to a
// PacketService implementation.
type Server struct {
	grpcServer *grpc.Server
	logger     *slog.Logger
}

// New constructs a Server that serves svc behind mTLS credentials loaded
// from cfg. The returned Server has not started accepting connections; call
// ServeOnListener to do so.
func New(cfg Config, logger *slog.Logger, svc rtracepb.PacketServiceServer) (*Server, error) {
	creds, err := loadServerTLSCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("grpc: load TLS credentials: %w", err)
	}

	gs := grpc.NewServer(grpc.Creds(creds))
	rtracepb.RegisterPacketServiceServer(gs, svc)

	return &Server{grpcServer: gs, logger: logger}, nil
}

// ServeOnListener accepts connections on lis until ctx is cancelled, at
// which point it gracefully stops the underlying grpc.Server and returns
// nil. Any other Serve failure (e.g. lis closed out from under it) is
// returned as-is.
func (s *Server) ServeOnListener(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	err := s.grpcServer.Serve(lis)
	<-stopped
	if err != nil && ctx.Err() != nil {
		// Serve returns once GracefulStop closes lis; that's the expected
		// shutdown path, not a failure worth surfacing.
		return nil
	}
	return err
}

// loadServerTLSCredentials reads the server certificate+key and the CA
// certificate used to verify client certificates, then constructs gRPC
// transport credentials that require and verify a client certificate on
// every connection.
func loadServerTLSCredentials(cfg Config) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	return credentials.NewTLS(tlsCfg), nil
}

// AgentCNFromContext extracts the Common Name of the client certificate
// presented on the mTLS connection ctx was derived from. ok is false when
// ctx carries no peer info or no verified certificate chain, which should
// only happen in tests that bypass the listener's TLS credentials.
func AgentCNFromContext(ctx context.Context) (cn string, ok bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return "", false
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", false
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName, true
}
