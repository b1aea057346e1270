package tracer

import (
	"os"
	"os/signal"
	"syscall"
)

// defaultToggleSignal returns SIGUSR1, the tracer-side default toggle
// signal recognized by SP_RTRACE_TOGGLE_SIGNAL (§6).
func defaultToggleSignal() os.Signal {
	return syscall.SIGUSR1
}

func notifySignal(ch chan os.Signal, sig os.Signal) {
	signal.Notify(ch, sig)
}
