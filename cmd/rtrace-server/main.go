// Command rtrace-server is the rtrace backend binary. It loads a YAML
// configuration file, opens a PostgreSQL connection pool, starts the gRPC
// packet-ingestion service (with mTLS), exposes a REST query API and a
// live-notification WebSocket endpoint over HTTP, and shuts down gracefully
// on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/audit"
	"github.com/sp-rtrace/rtrace-go/internal/config"
	grpcserver "github.com/sp-rtrace/rtrace-go/internal/server/grpc"
	"github.com/sp-rtrace/rtrace-go/internal/server/rest"
	"github.com/sp-rtrace/rtrace-go/internal/server/storage"
	"github.com/sp-rtrace/rtrace-go/internal/server/websocket"
)

func main() {
	configPath := flag.String("config", "/etc/rtrace/server.yaml", "path to the rtrace-server YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtrace-server: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("rtrace-server starting",
		slog.String("grpc_addr", cfg.GRPCListenAddr),
		slog.String("rest_addr", cfg.RESTAddr),
		slog.String("websocket_addr", cfg.WebSocketAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL storage ─────────────────────────────────────────────────
	store, err := storage.New(ctx, cfg.PostgresDSN, 0, 0)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close(context.Background())
	logger.Info("PostgreSQL storage connected")

	// ── Tracing-session lifecycle audit log ─────────────────────────────────
	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLog.Close()
	logger.Info("audit log opened", slog.String("path", cfg.AuditLogPath))

	// ── Live-notification broadcaster + WebSocket endpoint ──────────────────
	broadcaster := websocket.NewBroadcaster(logger, 64)
	wsHandler := websocket.NewHandler(broadcaster, logger, 10*time.Second)

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", wsHandler)
	wsServer := &http.Server{
		Addr:         cfg.WebSocketAddr,
		Handler:      wsMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived streaming connections
		IdleTimeout:  60 * time.Second,
	}

	// ── gRPC packet-ingestion service (mTLS) ────────────────────────────────
	packetSvc := grpcserver.NewPacketService(store, broadcaster, logger, auditLog)

	grpcCfg := grpcserver.Config{
		CertPath: cfg.TLS.CertPath,
		KeyPath:  cfg.TLS.KeyPath,
		CAPath:   cfg.TLS.CAPath,
	}
	grpcSrv, err := grpcserver.New(grpcCfg, logger, packetSvc)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		logger.Error("failed to listen for gRPC", slog.String("addr", cfg.GRPCListenAddr), slog.Any("error", err))
		os.Exit(1)
	}

	// ── REST query API ───────────────────────────────────────────────────────
	var pubKey = mustLoadJWTPublicKey(logger)

	restSrv := rest.NewServer(store)
	httpHandler := rest.NewRouter(restSrv, pubKey)

	restServer := &http.Server{
		Addr:         cfg.RESTAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── /healthz liveness endpoint ───────────────────────────────────────────
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	// ── Start servers ────────────────────────────────────────────────────────
	grpcErrCh := make(chan error, 1)
	go func() {
		grpcErrCh <- grpcSrv.ServeOnListener(ctx, grpcLis)
	}()

	restErrCh := make(chan error, 1)
	go func() {
		logger.Info("REST API listening", slog.String("addr", cfg.RESTAddr))
		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			restErrCh <- fmt.Errorf("REST server: %w", err)
		}
		close(restErrCh)
	}()

	wsErrCh := make(chan error, 1)
	go func() {
		logger.Info("WebSocket server listening", slog.String("addr", cfg.WebSocketAddr))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			wsErrCh <- fmt.Errorf("WebSocket server: %w", err)
		}
		close(wsErrCh)
	}()

	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	// ── Wait for shutdown signal or fatal error ─────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	case err := <-restErrCh:
		if err != nil {
			logger.Error("REST server error", slog.Any("error", err))
		}
	case err := <-wsErrCh:
		if err != nil {
			logger.Error("WebSocket server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	logger.Info("shutting down servers")
	cancel() // signals gRPC ServeOnListener to gracefully stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("REST server shutdown error", slog.Any("error", err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("WebSocket server shutdown error", slog.Any("error", err))
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	select {
	case err := <-grpcErrCh:
		if err != nil {
			logger.Warn("gRPC server drain error", slog.Any("error", err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out")
	}

	logger.Info("rtrace-server exited cleanly")
}

// mustLoadJWTPublicKey reads the PEM RSA public key used to verify REST API
// bearer tokens from the path in the JWT_PUBLIC_KEY_PATH environment
// variable. Exits the process on a malformed key; an unset path disables
// JWT validation and is only suitable for local development.
func mustLoadJWTPublicKey(logger *slog.Logger) *rsa.PublicKey {
	path := os.Getenv("JWT_PUBLIC_KEY_PATH")
	if path == "" {
		logger.Warn("JWT_PUBLIC_KEY_PATH not set; REST API authentication disabled (dev mode)")
		return nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read JWT public key", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}
	pubKey, err := rest.ParseRSAPublicKey(pemBytes)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("JWT validation enabled", slog.String("path", path))
	return pubKey
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
