// Package config provides YAML configuration loading and validation for the
// rtrace-agent and rtrace-server binaries.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the PEM-encoded client (or server) certificate.
	// Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the PEM-encoded private key. Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the peer's certificate. Required.
	CAPath string `yaml:"ca_path"`
}

// AgentConfig is the top-level configuration for rtrace-agent, the
// PreProcessor binary.
type AgentConfig struct {
	// ServerAddr is the gRPC endpoint of rtrace-server
	// (e.g. "rtrace-server.example.com:4443"). Required.
	ServerAddr string `yaml:"server_addr"`

	// TLS holds the mTLS material used to dial ServerAddr. Required.
	TLS TLSConfig `yaml:"tls"`

	// StagePath is the filesystem path of the SQLite staging database
	// (internal/stage). Defaults to "rtrace-agent-stage.db" when omitted.
	StagePath string `yaml:"stage_path"`

	// PipeDir is read from the YAML file but rtrace-agent does not use it:
	// the named pipe is always created at "/tmp/rtrace-<pid>".
	PipeDir string `yaml:"pipe_dir"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9100"). Defaults to "127.0.0.1:9100" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// AgentVersion is an optional human-readable version string sent to
	// rtrace-server during session registration (e.g. "v0.1.0").
	AgentVersion string `yaml:"agent_version"`
}

// ServerConfig is the top-level configuration for rtrace-server, the
// ingestion, storage, and query backend.
type ServerConfig struct {
	// GRPCListenAddr is the listen address for the packet-ingestion gRPC
	// server (e.g. "0.0.0.0:4443"). Required.
	GRPCListenAddr string `yaml:"grpc_listen_addr"`

	// TLS holds the mTLS material the gRPC server presents to agents.
	// Required.
	TLS TLSConfig `yaml:"tls"`

	// PostgresDSN is the connection string for the report/session storage
	// database (internal/server/storage). Required.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RESTAddr is the listen address for the REST query API
	// (e.g. "127.0.0.1:8080"). Defaults to "127.0.0.1:8080" when omitted.
	RESTAddr string `yaml:"rest_addr"`

	// WebSocketAddr is the listen address for the live-notification
	// WebSocket server. Defaults to "127.0.0.1:8081" when omitted.
	WebSocketAddr string `yaml:"websocket_addr"`

	// JWTSecret must be non-empty for the configuration to validate.
	// rtrace-server does not check REST bearer tokens with it; those are
	// verified as RS256 against the RSA public key file named by the
	// JWT_PUBLIC_KEY_PATH environment variable.
	JWTSecret string `yaml:"jwt_secret"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// AuditLogPath is the filesystem path of the hash-chained audit log
	// recording tracing-session lifecycle events (internal/audit). Defaults
	// to "rtrace-audit.log" when omitted.
	AuditLogPath string `yaml:"audit_log_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadAgentConfig reads the YAML file at path, unmarshals it into
// AgentConfig, applies defaults, and validates all required fields.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9100"
	}
	if cfg.StagePath == "" {
		cfg.StagePath = "rtrace-agent-stage.db"
	}

	var errs []error
	if cfg.ServerAddr == "" {
		errs = append(errs, errors.New("server_addr is required"))
	}
	errs = append(errs, validateTLS(cfg.TLS)...)
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// LoadServerConfig reads the YAML file at path, unmarshals it into
// ServerConfig, applies defaults, and validates all required fields.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.RESTAddr == "" {
		cfg.RESTAddr = "127.0.0.1:8080"
	}
	if cfg.WebSocketAddr == "" {
		cfg.WebSocketAddr = "127.0.0.1:8081"
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "rtrace-audit.log"
	}

	var errs []error
	if cfg.GRPCListenAddr == "" {
		errs = append(errs, errors.New("grpc_listen_addr is required"))
	}
	errs = append(errs, validateTLS(cfg.TLS)...)
	if cfg.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres_dsn is required"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return nil
}

func validateTLS(tls TLSConfig) []error {
	var errs []error
	if tls.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if tls.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if tls.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	return errs
}
