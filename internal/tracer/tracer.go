// Package tracer is the in-process runtime a traced Go program imports
// directly. It owns the sub-module registry, the resource-type registry,
// the per-goroutine re-entry guard, the output pipe, and the signal-driven
// enable/disable toggle.
//
// A traced program constructs a Runtime, registers one or more Modules, and
// wraps the functions it wants observed with WrapAlloc/WrapFree. The
// Runtime does not start emitting until tracing is enabled, either by the
// configured toggle signal or by calling Enable directly (the "managed"
// case, §4.4's SP_RTRACE_MANAGE_PREPROC).
package tracer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/model"
	"github.com/sp-rtrace/rtrace-go/internal/wire"
)

// ModuleState is a sub-module's lifecycle stage. Transitions are one-way:
// Uninitialized -> Loaded -> Ready.
type ModuleState int32

const (
	// ModuleUninitialized is the instant before a module's wrapped
	// functions are installed. In Go, wrapped function values are supplied
	// directly at Wrap-call time rather than resolved lazily through a
	// dynamic loader, so this stage is transient.
	ModuleUninitialized ModuleState = iota
	// ModuleLoaded means the module is registered and its original
	// functions are callable, but the runtime has not yet enabled tracing.
	ModuleLoaded
	// ModuleReady means tracing is enabled and the module's wrappers emit
	// events.
	ModuleReady
)

// maxModules bounds the sub-module registry (§4.2: "capacity is bounded, at
// least 16 modules").
const maxModules = 32

// maxResourceTypes bounds the resource-type registry (at least 32 types).
const maxResourceTypes = 64

// Module is a registered wrapper family (memory, file descriptors, generic
// object references, ...). Obtain one with Runtime.RegisterModule.
type Module struct {
	rt      *Runtime
	id      uint32 // 1 << registration order; ModuleCore (0) is reserved
	name    string
	version string
	state   atomic.Int32
}

func (m *Module) Stage() ModuleState { return ModuleState(m.state.Load()) }

// RegisterResourceType registers a resource type produced by m, returning
// its dense id. Re-registering the same tag returns the existing id (§4.2:
// "deduplicates by type tag").
func (m *Module) RegisterResourceType(tag, desc string, flags model.ResourceFlag) (int, error) {
	return m.rt.registerResourceType(tag, desc, flags)
}

// Config configures a Runtime. Defaults mirror the tracer-side environment
// variables of §6; see FromEnv to populate Config from the process
// environment the way sp_rtrace_main.c's bootstrap does.
type Config struct {
	// PipePath is the named pipe the Runtime writes to once enabled.
	// Defaults to fmt.Sprintf("/tmp/rtrace-%d", os.Getpid()).
	PipePath string

	// ToggleSignal is the signal that flips tracing on/off. A nil value
	// means syscall.SIGUSR1 (the first user signal), substituted by Start.
	ToggleSignal os.Signal

	// BacktraceDepth bounds captured stack frames. Zero, or any value
	// above 64, captures up to 64 frames.
	BacktraceDepth int

	// BacktraceMinSize gates backtrace capture on allocation size: calls
	// whose Size is smaller are recorded without a trace. Zero captures
	// every call.
	BacktraceMinSize uint64

	// DisableTimestamps suppresses per-call timestamps.
	DisableTimestamps bool

	// DisablePacketBuffering flushes every packet immediately rather than
	// batching until the wire.Writer's buffer is half full.
	DisablePacketBuffering bool

	ProcessName string
	Origin      string

	// OutputDir and PostProcessor mirror SP_RTRACE_OUTPUT_DIR and
	// SP_RTRACE_POSTPROC (§6): where the PreProcessor should write the
	// report, and an optional post-processor command line to pipe into
	// instead of a file.
	OutputDir     string
	PostProcessor string
}

func (c Config) pipePath() string {
	if c.PipePath != "" {
		return c.PipePath
	}
	return fmt.Sprintf("/tmp/rtrace-%d", os.Getpid())
}

// Runtime is the in-process tracer runtime. Create one with New.
type Runtime struct {
	cfg Config
	pid int32

	enabled atomic.Bool
	diag    atomic.Bool // set on I/O error per §7; wrappers consult it to stop emitting

	modMu   sync.Mutex
	modules []*Module

	resMu         sync.Mutex
	resourceTypes []model.ResourceType
	resourceIDs   map[string]int

	callIndex atomic.Uint64
	reentry   reentryGuard

	pipeMu sync.Mutex // guards pipe/wireWriter lifecycle (open/close), not the hot emit path
	pipe   io.WriteCloser
	ww     *wire.Writer
	emit   spinlock // guards wire.Writer.WritePacket/Flush, the hot path

	sigCh chan os.Signal
	stop  chan struct{}
}

// New creates a Runtime from cfg. It does not open the pipe or start
// emitting; call Start to install the signal handler, or Enable to begin
// tracing immediately in managed mode.
func New(cfg Config) *Runtime {
	return &Runtime{
		cfg:         cfg,
		pid:         int32(os.Getpid()),
		resourceIDs: make(map[string]int),
	}
}

// RegisterModule registers a new sub-module and returns a handle to it.
// Module id is 1 << registration order; registering more than maxModules
// modules is an error (§4.2).
func (rt *Runtime) RegisterModule(name, version string) (*Module, error) {
	rt.modMu.Lock()
	defer rt.modMu.Unlock()

	if len(rt.modules) >= maxModules {
		return nil, fmt.Errorf("tracer: module registry full (max %d)", maxModules)
	}
	m := &Module{
		rt:      rt,
		id:      1 << uint(len(rt.modules)),
		name:    name,
		version: version,
	}
	m.state.Store(int32(ModuleLoaded))
	rt.modules = append(rt.modules, m)

	if rt.enabled.Load() {
		m.state.Store(int32(ModuleReady))
	}
	return m, nil
}

func (rt *Runtime) registerResourceType(tag, desc string, flags model.ResourceFlag) (int, error) {
	rt.resMu.Lock()
	defer rt.resMu.Unlock()

	if id, ok := rt.resourceIDs[tag]; ok {
		return id, nil
	}
	if len(rt.resourceTypes) >= maxResourceTypes {
		return 0, fmt.Errorf("tracer: resource type registry full (max %d)", maxResourceTypes)
	}
	id := len(rt.resourceTypes) + 1
	rt.resourceTypes = append(rt.resourceTypes, model.ResourceType{ID: id, Tag: tag, Desc: desc, Flags: flags})
	rt.resourceIDs[tag] = id
	return id, nil
}

// Enabled reports whether the runtime is currently emitting events.
func (rt *Runtime) Enabled() bool { return rt.enabled.Load() && !rt.diag.Load() }

// Enable opens the pipe and emits the initial packet sequence (Handshake,
// OutputSettings, ProcessInfo, ModuleInfo per module, ResourceRegistry per
// type), then transitions every module to Ready. Idempotent (§4.2).
func (rt *Runtime) Enable() error {
	rt.pipeMu.Lock()
	defer rt.pipeMu.Unlock()

	if rt.enabled.Load() {
		return nil
	}

	f, err := os.OpenFile(rt.cfg.pipePath(), os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return fmt.Errorf("tracer: open pipe %q: %w", rt.cfg.pipePath(), err)
	}
	rt.pipe = f
	rt.ww = wire.NewWriter(f, wire.NativeByteOrder, 2, !rt.cfg.DisablePacketBuffering, 0)

	if err := rt.emitStartupSequenceLocked(); err != nil {
		f.Close()
		rt.pipe, rt.ww = nil, nil
		return err
	}

	rt.enabled.Store(true)
	rt.diag.Store(false)

	rt.modMu.Lock()
	for _, m := range rt.modules {
		m.state.Store(int32(ModuleReady))
	}
	rt.modMu.Unlock()
	return nil
}

func (rt *Runtime) emitStartupSequenceLocked() error {
	if err := wire.WriteHandshake(rt.pipe, wire.Handshake{
		VersionMajor: 2,
		VersionMinor: 0,
		Arch:         runtime.GOARCH,
		BigEndian:    false,
		PointerSize:  8,
	}); err != nil {
		return fmt.Errorf("tracer: write handshake: %w", err)
	}

	if err := rt.ww.WritePacket(wire.PacketOutputSettings, encodeOutputSettings(rt.cfg.OutputDir, rt.cfg.PostProcessor)); err != nil {
		return err
	}

	pi := encodeProcessInfo(rt.pid, rt.cfg.ProcessName, rt.cfg.Origin, rt.cfg.BacktraceDepth, !rt.cfg.DisableTimestamps)
	if err := rt.ww.WritePacket(wire.PacketProcessInfo, pi); err != nil {
		return err
	}

	rt.modMu.Lock()
	mods := append([]*Module(nil), rt.modules...)
	rt.modMu.Unlock()
	for _, m := range mods {
		if err := rt.ww.WritePacket(wire.PacketModuleInfo, encodeModuleInfo(m.id, m.version, m.name)); err != nil {
			return err
		}
	}

	rt.resMu.Lock()
	types := append([]model.ResourceType(nil), rt.resourceTypes...)
	rt.resMu.Unlock()
	for _, t := range types {
		if err := rt.ww.WritePacket(wire.PacketResourceRegistry, encodeResourceType(t)); err != nil {
			return err
		}
	}

	return rt.ww.Flush()
}

// Disable emits the sentinel NewLibrary("*") packet, a best-effort HeapInfo
// snapshot, flushes, and closes the pipe. Idempotent.
func (rt *Runtime) Disable() error {
	rt.pipeMu.Lock()
	defer rt.pipeMu.Unlock()

	if !rt.enabled.Load() {
		return nil
	}

	rt.emit.Lock()
	var firstErr error
	if err := rt.ww.WritePacket(wire.PacketNewLibrary, wire.PutString(wire.NativeByteOrder, "*")); err != nil {
		firstErr = err
	}
	if err := rt.ww.WritePacket(wire.PacketHeapInfo, encodeHeapInfo(model.HeapInfo{})); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := rt.ww.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	rt.emit.Unlock()

	rt.enabled.Store(false)
	rt.modMu.Lock()
	for _, m := range rt.modules {
		m.state.Store(int32(ModuleLoaded))
	}
	rt.modMu.Unlock()

	closeErr := rt.pipe.Close()
	rt.pipe, rt.ww = nil, nil
	if firstErr != nil {
		return firstErr
	}
	return closeErr
}

// Start installs the toggle-signal handler and returns immediately; tracing
// remains off until the signal arrives (or Enable is called directly, for
// managed mode). Start is a no-op if already running. Go has no
// async-signal-safe code region the way a C signal handler body does;
// signal.Notify's delivery-via-channel model is the idiomatic equivalent —
// the handler goroutine only flips state through Toggle, never blocks on
// anything but the channel read.
func (rt *Runtime) Start() {
	if rt.sigCh != nil {
		return
	}
	sig := rt.cfg.ToggleSignal
	if sig == nil {
		sig = defaultToggleSignal()
	}
	rt.sigCh = make(chan os.Signal, 1)
	rt.stop = make(chan struct{})
	notifySignal(rt.sigCh, sig)

	go func() {
		for {
			select {
			case <-rt.sigCh:
				rt.Toggle()
			case <-rt.stop:
				return
			}
		}
	}()
}

// Stop uninstalls the toggle-signal handler and disables tracing if active.
func (rt *Runtime) Stop() error {
	if rt.stop != nil {
		close(rt.stop)
		rt.sigCh = nil
		rt.stop = nil
	}
	return rt.Disable()
}

// Toggle flips the runtime between enabled and disabled. It is the handler
// the configured toggle signal invokes.
func (rt *Runtime) Toggle() {
	if rt.enabled.Load() {
		if err := rt.Disable(); err != nil {
			rt.diag.Store(true)
		}
	} else {
		if err := rt.Enable(); err != nil {
			rt.diag.Store(true)
		}
	}
}

// emitCall builds and emits a Call (+ optional Backtrace) as one atomic
// packet group (§4.2 step 6). It is called with the re-entry guard already
// held and checks rt.Enabled() / the module's stage itself.
func (rt *Runtime) emitCall(m *Module, name string, kind model.CallKind, resType int, resID, size uint64, captureTrace bool) {
	if !rt.Enabled() || m.Stage() != ModuleReady {
		return
	}

	idx := rt.callIndex.Add(1)
	var hasTime bool
	var ts time.Time
	if !rt.cfg.DisableTimestamps {
		ts = time.Now()
		hasTime = true
	}

	call := model.Call{
		Index:   idx,
		HasTime: hasTime,
		Time:    ts,
		Kind:    kind,
		Name:    name,
		ResType: resType,
		ResID:   resID,
		Size:    size,
	}

	var frames []uint64
	if captureTrace && (rt.cfg.BacktraceMinSize == 0 || size >= rt.cfg.BacktraceMinSize) {
		frames = captureBacktrace(rt.cfg.BacktraceDepth)
	}

	rt.emit.Lock()
	defer rt.emit.Unlock()

	if err := rt.ww.WritePacket(wire.PacketFunctionCall, encodeCall(call)); err != nil {
		rt.diag.Store(true)
		return
	}
	if len(frames) > 0 {
		if err := rt.ww.WritePacket(wire.PacketBacktrace, encodeBacktrace(frames, nil)); err != nil {
			rt.diag.Store(true)
			return
		}
	}
}

// WrapAlloc wraps fn, an allocation-style function, so that each call to
// the returned function runs fn, and — when tracing is enabled and m is
// Ready — emits an alloc Call carrying the resource id and size derived
// from fn's result via idOf/sizeOf.
func WrapAlloc[R any](rt *Runtime, m *Module, name string, resType int, fn func() (R, error), idOf func(R) uint64, sizeOf func(R) uint64) func() (R, error) {
	return func() (R, error) {
		if !rt.reentry.TryEnter() {
			return fn()
		}
		defer rt.reentry.Exit()

		result, err := fn()
		if err != nil {
			return result, err
		}
		rt.emitCall(m, name, model.CallAlloc, resType, idOf(result), sizeOf(result), true)
		return result, err
	}
}

// WrapFree wraps fn, a resource-release function, the same way WrapAlloc
// does for allocation.
func WrapFree[R any](rt *Runtime, m *Module, name string, resType int, fn func(id uint64) (R, error)) func(id uint64) (R, error) {
	return func(id uint64) (R, error) {
		if !rt.reentry.TryEnter() {
			return fn(id)
		}
		defer rt.reentry.Exit()

		result, err := fn(id)
		if err != nil {
			return result, err
		}
		rt.emitCall(m, name, model.CallFree, resType, id, 0, false)
		return result, err
	}
}

// reentryGuard is the per-goroutine re-entry lock (§4.2/§9, "LD_PRELOAD ->
// Go" design note): it prevents a wrapped function from recursing into
// itself when called from within the tracer's own backtrace capture or
// emission path.
type reentryGuard struct {
	held sync.Map // map[uint64]struct{}, keyed by goroutine id
}

// TryEnter attempts to acquire the guard for the calling goroutine. It
// reports false (re-entry detected) if the guard is already held.
func (g *reentryGuard) TryEnter() bool {
	gid := goroutineID()
	_, already := g.held.LoadOrStore(gid, struct{}{})
	return !already
}

// Exit releases the guard for the calling goroutine.
func (g *reentryGuard) Exit() {
	g.held.Delete(goroutineID())
}

// goroutineID extracts the numeric id from the "goroutine N [state]:" header
// runtime.Stack emits. It is the cheapest available approximation of
// thread-local storage for a single goroutine across nested calls.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	if sp := bytes.IndexByte(b, ' '); sp >= 0 {
		b = b[:sp]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// spinlock is an atomic compare-and-swap spin-lock (§5: "protected by an
// atomic compare-and-swap spin-lock held only for the duration of buffer
// reservation"). No allocation happens while it is held.
type spinlock struct {
	state atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() { s.state.Store(false) }

// captureBacktrace captures up to depth program-counter frames for the
// calling goroutine. depth <= 0 means unlimited (bounded to 64 internally).
func captureBacktrace(depth int) []uint64 {
	max := depth
	if max <= 0 || max > 64 {
		max = 64
	}
	pcs := make([]uintptr, max)
	n := runtime.Callers(3, pcs) // skip runtime.Callers, captureBacktrace, emitCall
	frames := make([]uint64, 0, n)
	for _, pc := range pcs[:n] {
		frames = append(frames, uint64(pc))
	}
	return frames
}
