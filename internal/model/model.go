// Package model defines the in-memory event model produced by the Parser
// and consumed by the TransformPipeline and Writer: handshake, process
// info, module info, memory mappings, contexts, resource types, calls,
// backtraces, call arguments, comments, attachments, and heap info.
//
// Ownership follows the rule documented in the design: the EventModel
// aggregate owns every entity except Backtraces, which are owned by a
// BacktraceIndex (package btindex) and referenced from Calls by pointer.
package model

import "time"

// CallKind distinguishes a resource-acquiring call from a resource-releasing
// one.
type CallKind int

const (
	// CallAlloc is a call that acquires a resource (allocates memory, opens
	// a file descriptor, takes a reference, ...).
	CallAlloc CallKind = iota
	// CallFree is a call that releases a resource.
	CallFree
)

func (k CallKind) String() string {
	if k == CallFree {
		return "free"
	}
	return "alloc"
}

// ResourceFlag is a bitmask of recognized ResourceType flags.
type ResourceFlag uint32

const (
	// ResourceFlagRefcount marks a resource type whose instances are
	// reference-counted: repeated allocs of the same resource id increment
	// a count rather than representing independent allocations (§4.6 leak
	// filter).
	ResourceFlagRefcount ResourceFlag = 1 << iota
)

// Has reports whether f is set in flags.
func (flags ResourceFlag) Has(f ResourceFlag) bool { return flags&f != 0 }

// Handshake is the first packet on any stream (§3, §6).
type Handshake struct {
	VersionMajor uint8
	VersionMinor uint8
	Arch         string
	BigEndian    bool
	PointerSize  uint8 // 4 or 8
}

// ProcessInfo identifies the traced process. Exactly one per stream (§3).
// A zero Timestamp on the wire means "fill me in at first relay" (§4.4).
type ProcessInfo struct {
	PID            int32
	Timestamp      time.Time
	BacktraceDepth int
	Name           string
	Origin         string // tracing-tool origin tag
}

// ModuleInfo describes one registered sub-module (§4.2). ModuleCore (0) is
// reserved for the tracer core itself and is never emitted as a packet.
type ModuleInfo struct {
	ID      uint32 // bitmask position: 1 << registration order
	Version string
	Name    string
}

// ModuleCore is the reserved module id for the tracer core.
const ModuleCore uint32 = 0

// MemoryMap is one loaded-module address range (§3). Entries are set-valued
// and de-duplicated by (Path, From, To); an overlapping range with identical
// endpoints replaces the prior entry (§4.4 NewLibrary handling).
type MemoryMap struct {
	From uint64
	To   uint64
	Path string
}

// Key returns the de-duplication key for m.
func (m MemoryMap) Key() [3]uint64 {
	// Path is folded into the key via a cheap string hash so Key stays
	// comparable (usable as a map key) without pulling in the full string.
	var h uint64 = 1469598103934665603
	for i := 0; i < len(m.Path); i++ {
		h ^= uint64(m.Path[i])
		h *= 1099511628211
	}
	return [3]uint64{m.From, m.To, h}
}

// Context is a single-bit tag a traced region of code may push/pop (§3, GLOSSARY).
type Context struct {
	ID   uint32 // exactly one bit set
	Name string
}

// ResourceType is a dense id (starting at 1) naming a class of tracked
// resource (§3). Id 0 is reserved and never emitted.
type ResourceType struct {
	ID     int
	Tag    string
	Desc   string
	Flags  ResourceFlag
	Hidden bool // set by TransformPipeline step 7 when exactly one type remains
}

// ResourceTypeNone is the reserved sentinel id, never emitted on the wire.
const ResourceTypeNone = 0

// CallArguments is an ordered list of (name, value) pairs attached to at
// most one Call (§3).
type CallArguments struct {
	Args []Argument
}

// Argument is one (name, value) pair of a CallArguments record.
type Argument struct {
	Name  string
	Value string
}

// Backtrace is the ordered sequence of return addresses captured at a Call
// site (§3, §4.3). Backtraces are owned by the BacktraceIndex; two
// backtraces are equal iff their Frames arrays are element-wise equal.
// Symbols, when present, is a parallel array of resolved names; an empty
// string at index i means frame i is unresolved (§4.5, SPEC_FULL §C.6).
type Backtrace struct {
	Frames  []uint64
	Symbols []string // may be nil, or shorter than Frames if partially resolved

	// refcount and calls are maintained exclusively by btindex.Index; other
	// packages must not mutate them directly.
	refcount int
	calls    map[uint64]struct{} // set of referring Call.Index values
}

// Refcount returns the current reference count maintained by the owning
// BacktraceIndex.
func (b *Backtrace) Refcount() int { return b.refcount }

// Ref registers call as a referrer of b and increments its refcount. It is
// called exclusively by btindex.Index.
func (b *Backtrace) Ref(call uint64) {
	if b.calls == nil {
		b.calls = make(map[uint64]struct{})
	}
	if _, already := b.calls[call]; !already {
		b.calls[call] = struct{}{}
		b.refcount++
	}
}

// Unref removes call from b's referrer set and decrements its refcount. It
// reports whether the refcount reached zero. It is called exclusively by
// btindex.Index.
func (b *Backtrace) Unref(call uint64) bool {
	if _, present := b.calls[call]; present {
		delete(b.calls, call)
		b.refcount--
	}
	return b.refcount <= 0
}

// ReferringCalls returns the set of call indices currently referencing b.
func (b *Backtrace) ReferringCalls() []uint64 {
	out := make([]uint64, 0, len(b.calls))
	for idx := range b.calls {
		out = append(out, idx)
	}
	return out
}

// NFrames returns the number of captured frames.
func (b *Backtrace) NFrames() int { return len(b.Frames) }

// TrimDepth clamps the backtrace to at most d frames in place, per §4.6 step
// 1. It never reallocates Symbols/Frames beyond truncation and never changes
// any other field.
func (b *Backtrace) TrimDepth(d int) {
	if d < 0 {
		return
	}
	if len(b.Frames) > d {
		b.Frames = b.Frames[:d]
	}
	if len(b.Symbols) > d {
		b.Symbols = b.Symbols[:d]
	}
}

// Comment is a preserved, verbatim text line from a text-format input,
// associated with the call index it followed (§3, §4.5).
type Comment struct {
	Text            string
	AssociatedIndex uint64
}

// Attachment is a logical-name-to-path reference (§3). Paths are relative to
// the report's output directory when possible.
type Attachment struct {
	Name string
	Path string
}

// HeapInfo holds the heap bottom/top and derived low/high allocation block
// addresses, plus arbitrary standard heap counters (§3, §4.6 step 6). At
// most one HeapInfo exists per stream.
type HeapInfo struct {
	Bottom       uint64
	Top          uint64
	LowestBlock  uint64
	HighestBlock uint64
	Counters     map[string]uint64
}

// Call is a single invocation of a wrapped function that acquires or
// releases a tracked resource (§3, GLOSSARY). Index is assigned once by the
// TracerRuntime (or parsed verbatim from a stream) and is preserved through
// every transform.
type Call struct {
	Index    uint64
	Context  uint32 // bitmask OR of active Context ids for the issuing thread
	HasTime  bool
	Time     time.Time // millisecond resolution on the wire
	Kind     CallKind
	Name     string
	ResType  int // ResourceType.ID; ResourceTypeNone is never valid here
	ResID    uint64
	Size     uint64 // zero for CallFree
	Trace    *Backtrace
	Args     *CallArguments
}

// FilterFlag is a bit in the text-header "filter" field (§6).
type FilterFlag uint32

const (
	FilterLeaks FilterFlag = 1 << iota
	FilterCompress
	FilterResolve
)

// Has reports whether f is set in mask.
func (mask FilterFlag) Has(f FilterFlag) bool { return mask&f != 0 }

// EventModel is the in-memory aggregate built by the Parser and consumed by
// the TransformPipeline and Writer. It owns every entity except Backtraces.
type EventModel struct {
	Handshake    *Handshake
	Process      *ProcessInfo
	Modules      []ModuleInfo
	Maps         []MemoryMap
	Contexts     []Context
	ResourceTypes []ResourceType
	Calls        []*Call
	Comments     []Comment
	Attachments  []Attachment
	Heap         *HeapInfo

	// FilterMask mirrors the text header's "filter" field: the set of
	// transforms already applied to (or requested for) this stream.
	FilterMask FilterFlag

	// BacktraceDepth is the configured backtrace-depth header value, used by
	// the Writer to re-emit it and by TrimDepth-driven transforms to know
	// the "original" depth when none is being further reduced.
	BacktraceDepth int

	// Truncated records whether parsing stopped early because of an
	// unrecognized packet type mid-stream (Open Question (a), SPEC_FULL §D).
	Truncated bool
}

// ResourceTypeByID returns the ResourceType with the given id, or nil.
func (m *EventModel) ResourceTypeByID(id int) *ResourceType {
	for i := range m.ResourceTypes {
		if m.ResourceTypes[i].ID == id {
			return &m.ResourceTypes[i]
		}
	}
	return nil
}

// ContextByID returns the Context with the given single-bit id, or nil.
func (m *EventModel) ContextByID(id uint32) *Context {
	for i := range m.Contexts {
		if m.Contexts[i].ID == id {
			return &m.Contexts[i]
		}
	}
	return nil
}
