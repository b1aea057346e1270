package tracer

import (
	"os"
	"strconv"
	"syscall"
)

// FromEnv populates a Config from the tracer-side environment variables
// recognized by §6: SP_RTRACE_OUTPUT_DIR, SP_RTRACE_POSTPROC,
// SP_RTRACE_BACKTRACE_DEPTH, SP_RTRACE_BACKTRACE_ALL,
// SP_RTRACE_DISABLE_TIMESTAMPS, SP_RTRACE_DISABLE_PACKET_BUFFERING,
// SP_RTRACE_TOGGLE_SIGNAL, SP_RTRACE_MONITOR_SIZE. Unset variables leave the
// corresponding Config field at its zero value.
func FromEnv() Config {
	var cfg Config

	cfg.OutputDir = os.Getenv("SP_RTRACE_OUTPUT_DIR")
	cfg.PostProcessor = os.Getenv("SP_RTRACE_POSTPROC")

	if v := os.Getenv("SP_RTRACE_BACKTRACE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BacktraceDepth = n
		}
	}
	if v := os.Getenv("SP_RTRACE_MONITOR_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.BacktraceMinSize = n
		}
	}
	if os.Getenv("SP_RTRACE_BACKTRACE_ALL") == "1" {
		cfg.BacktraceDepth = 0
		cfg.BacktraceMinSize = 0
	}
	if os.Getenv("SP_RTRACE_DISABLE_TIMESTAMPS") == "1" {
		cfg.DisableTimestamps = true
	}
	if os.Getenv("SP_RTRACE_DISABLE_PACKET_BUFFERING") == "1" {
		cfg.DisablePacketBuffering = true
	}
	if v := os.Getenv("SP_RTRACE_TOGGLE_SIGNAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ToggleSignal = syscall.Signal(n)
		}
	}
	cfg.ProcessName = processName()

	return cfg
}

func processName() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}

// Ready signals readiness to a managing pre-processor via
// SP_RTRACE_READY (§6): when the named pipe path is supplied via that
// variable, it is opened write-only and closed immediately, a handshake
// convention the PreProcessor's "managed" spawn mode waits on.
func Ready() error {
	path := os.Getenv("SP_RTRACE_READY")
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return err
	}
	return f.Close()
}
