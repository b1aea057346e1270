// Command rtrace-agent is the out-of-process PreProcessor binary. It
// creates the named pipe a traced process's Tracer runtime writes to,
// augments and durably stages the packets it reads from that pipe, and
// forwards staged packets to rtrace-server over mTLS gRPC, reconnecting
// automatically if the connection is lost.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/config"
	"github.com/sp-rtrace/rtrace-go/internal/preprocessor"
	"github.com/sp-rtrace/rtrace-go/internal/stage"
	"github.com/sp-rtrace/rtrace-go/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/rtrace/agent.yaml", "path to the rtrace-agent YAML configuration file")
	pid := flag.Int("pid", 0, "PID of the traced process to attach to (required)")
	flag.Parse()

	if *pid <= 0 {
		fmt.Fprintln(os.Stderr, "rtrace-agent: --pid is required and must be positive")
		os.Exit(1)
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtrace-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("rtrace-agent starting",
		slog.Int("pid", *pid),
		slog.String("server_addr", cfg.ServerAddr),
		slog.String("stage_path", cfg.StagePath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Durable staging queue ────────────────────────────────────────────────
	stager, err := stage.Open(cfg.StagePath)
	if err != nil {
		logger.Error("failed to open stage database", slog.Any("error", err))
		os.Exit(1)
	}
	defer stager.Close()
	logger.Info("stage queue opened", slog.String("path", cfg.StagePath), slog.Int("pending", stager.Depth()))

	// ── gRPC transport to rtrace-server ──────────────────────────────────────
	grpcTransport := transport.New(transport.Config{
		ServerAddr:   cfg.ServerAddr,
		CertPath:     cfg.TLS.CertPath,
		KeyPath:      cfg.TLS.KeyPath,
		CAPath:       cfg.TLS.CAPath,
		AgentVersion: cfg.AgentVersion,
	}, stager, logger)

	// ── Named pipe + PreProcessor ────────────────────────────────────────────
	pipePath := pipePathFor(int32(*pid))
	if err := createNamedPipe(pipePath); err != nil {
		logger.Error("failed to create named pipe", slog.String("path", pipePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer os.Remove(pipePath)

	logger.Info("waiting for tracer to connect", slog.String("pipe", pipePath))
	pipeFile, err := os.OpenFile(pipePath, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		logger.Error("failed to open named pipe for reading", slog.String("path", pipePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer pipeFile.Close()

	pp := preprocessor.New(int32(*pid), pipeFile, logger)
	sessionTag := strconv.Itoa(*pid)

	var transportStarted bool
	newSink := func(outputDir string) (preprocessor.Sink, error) {
		if !transportStarted {
			transportStarted = true
			if err := grpcTransport.Start(ctx, pp.Handshake()); err != nil {
				return nil, fmt.Errorf("start transport: %w", err)
			}
			logger.Info("transport started", slog.String("output_dir", outputDir))
		}
		return preprocessor.NewStageSink(ctx, stager, sessionTag), nil
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
	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	// ── Run the PreProcessor loop, forwarding SIGINT/SIGTERM per §4.4/§5 ─────
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- pp.Run(ctx, newSink)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received first shutdown signal; asking tracee to stop tracing", slog.String("signal", sig.String()))
		if err := pp.SignalTracee(sig); err != nil {
			logger.Warn("failed to signal tracee", slog.Any("error", err))
		}

		select {
		case <-runErrCh:
			logger.Info("preprocessor drained cleanly after toggle signal")
		case sig2 := <-sigCh:
			logger.Warn("received second shutdown signal; abandoning buffered data", slog.String("signal", sig2.String()))
			cancel()
			<-runErrCh
		}

	case err := <-runErrCh:
		if err != nil {
			logger.Error("preprocessor exited with error", slog.Any("error", err))
		}
	}

	grpcTransport.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("rtrace-agent exited cleanly")
}

// pipePathFor mirrors internal/tracer.Config.pipePath's default: the
// well-known path template a traced process's Tracer runtime opens for
// writing once enabled.
func pipePathFor(pid int32) string {
	return fmt.Sprintf("/tmp/rtrace-%d", pid)
}

// createNamedPipe creates the FIFO at path if it does not already exist.
func createNamedPipe(path string) error {
	if err := syscall.Mkfifo(path, 0o600); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkfifo %q: %w", path, err)
	}
	return nil
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
