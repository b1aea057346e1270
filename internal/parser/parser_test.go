package parser_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/btindex"
	"github.com/sp-rtrace/rtrace-go/internal/model"
	"github.com/sp-rtrace/rtrace-go/internal/parser"
	"github.com/sp-rtrace/rtrace-go/internal/wire"
)

// ---------------------------------------------------------------------------
// binary packet encoders mirroring parser.go's decode* functions
// ---------------------------------------------------------------------------

var order = binary.LittleEndian

func encProcessInfo(pid int32, tsMillis int64, depth int32, name, origin string) []byte {
	b := make([]byte, 16)
	order.PutUint32(b[0:4], uint32(pid))
	order.PutUint64(b[4:12], uint64(tsMillis))
	order.PutUint32(b[12:16], uint32(depth))
	b = append(b, wire.PutString(order, name)...)
	b = append(b, wire.PutString(order, origin)...)
	return b
}

func encModuleInfo(id uint32, version, name string) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, id)
	b = append(b, wire.PutString(order, version)...)
	b = append(b, wire.PutString(order, name)...)
	return b
}

func encMemoryMap(from, to uint64, path string) []byte {
	b := make([]byte, 16)
	order.PutUint64(b[0:8], from)
	order.PutUint64(b[8:16], to)
	return append(b, wire.PutString(order, path)...)
}

func encContext(id uint32, name string) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, id)
	return append(b, wire.PutString(order, name)...)
}

func encResourceType(id int, flags model.ResourceFlag, tag, desc string) []byte {
	b := make([]byte, 8)
	order.PutUint32(b[0:4], uint32(id))
	order.PutUint32(b[4:8], uint32(flags))
	b = append(b, wire.PutString(order, tag)...)
	b = append(b, wire.PutString(order, desc)...)
	return b
}

func encCall(c model.Call) []byte {
	b := make([]byte, 8+4+1+8+1+4+8+8)
	off := 0
	order.PutUint64(b[off:off+8], c.Index)
	off += 8
	order.PutUint32(b[off:off+4], c.Context)
	off += 4
	b[off] = byte(c.Kind)
	off++
	var ms int64
	if c.HasTime {
		ms = c.Time.UnixMilli()
	}
	order.PutUint64(b[off:off+8], uint64(ms))
	off += 8
	if c.HasTime {
		b[off] = 1
	}
	off++
	order.PutUint32(b[off:off+4], uint32(c.ResType))
	off += 4
	order.PutUint64(b[off:off+8], c.ResID)
	off += 8
	order.PutUint64(b[off:off+8], c.Size)
	return append(b, wire.PutString(order, c.Name)...)
}

func encBacktrace(frames []uint64, symbols []string) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, uint32(len(frames)))
	for _, f := range frames {
		fb := make([]byte, 8)
		order.PutUint64(fb, f)
		b = append(b, fb...)
	}
	if symbols != nil {
		sb := make([]byte, 4)
		order.PutUint32(sb, uint32(len(symbols)))
		b = append(b, sb...)
		for _, s := range symbols {
			b = append(b, wire.PutString(order, s)...)
		}
	}
	return b
}

func encArgs(args []model.Argument) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, uint32(len(args)))
	for _, a := range args {
		b = append(b, wire.PutString(order, a.Name)...)
		b = append(b, wire.PutString(order, a.Value)...)
	}
	return b
}

func encHeapInfo(hi model.HeapInfo) []byte {
	b := make([]byte, 32)
	order.PutUint64(b[0:8], hi.Bottom)
	order.PutUint64(b[8:16], hi.Top)
	order.PutUint64(b[16:24], hi.LowestBlock)
	order.PutUint64(b[24:32], hi.HighestBlock)
	cb := make([]byte, 4)
	order.PutUint32(cb, uint32(len(hi.Counters)))
	b = append(b, cb...)
	for name, val := range hi.Counters {
		b = append(b, wire.PutString(order, name)...)
		vb := make([]byte, 8)
		order.PutUint64(vb, val)
		b = append(b, vb...)
	}
	return b
}

func encAttachment(name, path string) []byte {
	b := wire.PutString(order, name)
	return append(b, wire.PutString(order, path)...)
}

// ---------------------------------------------------------------------------
// binary stream assembly helper
// ---------------------------------------------------------------------------

func buildBinaryStream(t *testing.T, hs wire.Handshake, pkts []wire.Packet) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if err := wire.WriteHandshake(&buf, hs); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	w := wire.NewWriter(&buf, order, int(hs.VersionMajor), false, 0)
	for _, p := range pkts {
		if err := w.WritePacket(p.Type, p.Payload); err != nil {
			t.Fatalf("WritePacket(%v): %v", p.Type, err)
		}
	}
	return &buf
}

var testHandshake = wire.Handshake{VersionMajor: 2, VersionMinor: 1, Arch: "x86_64", PointerSize: 8}

// ---------------------------------------------------------------------------
// Parse: binary path
// ---------------------------------------------------------------------------

func TestParse_BinaryGoldenPath(t *testing.T) {
	buf := buildBinaryStream(t, testHandshake, []wire.Packet{
		{Type: wire.PacketProcessInfo, Payload: encProcessInfo(100, 1234, 16, "demo", "")},
		{Type: wire.PacketModuleInfo, Payload: encModuleInfo(1, "1.0", "libdemo")},
		{Type: wire.PacketMemoryMap, Payload: encMemoryMap(0x1000, 0x2000, "/lib/libc.so")},
		{Type: wire.PacketContextRegistry, Payload: encContext(1, "worker")},
		{Type: wire.PacketResourceRegistry, Payload: encResourceType(1, model.ResourceFlagRefcount, "M", "memory")},
		{Type: wire.PacketFunctionCall, Payload: encCall(model.Call{Index: 1, Kind: model.CallAlloc, Name: "malloc", ResType: 1, ResID: 0xAB, Size: 64})},
		{Type: wire.PacketBacktrace, Payload: encBacktrace([]uint64{0x1111, 0x2222}, []string{"main", ""})},
		{Type: wire.PacketFunctionArgs, Payload: encArgs([]model.Argument{{Name: "n", Value: "64"}})},
		{Type: wire.PacketHeapInfo, Payload: encHeapInfo(model.HeapInfo{Bottom: 1, Top: 2, Counters: map[string]uint64{"used": 10}})},
		{Type: wire.PacketAttachment, Payload: encAttachment("core", "core.dump")},
	})

	idx := btindex.New()
	m, err := parser.Parse(buf, idx)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Handshake == nil || m.Handshake.Arch != "x86_64" {
		t.Errorf("Handshake = %+v", m.Handshake)
	}
	if m.Process == nil || m.Process.Name != "demo" || m.Process.PID != 100 {
		t.Errorf("Process = %+v", m.Process)
	}
	if len(m.Modules) != 1 || m.Modules[0].Name != "libdemo" {
		t.Errorf("Modules = %+v", m.Modules)
	}
	if len(m.Maps) != 1 || m.Maps[0].Path != "/lib/libc.so" {
		t.Errorf("Maps = %+v", m.Maps)
	}
	if len(m.Contexts) != 1 || m.Contexts[0].Name != "worker" {
		t.Errorf("Contexts = %+v", m.Contexts)
	}
	if len(m.ResourceTypes) != 1 || m.ResourceTypes[0].Tag != "M" {
		t.Errorf("ResourceTypes = %+v", m.ResourceTypes)
	}
	if len(m.Calls) != 1 {
		t.Fatalf("Calls = %+v", m.Calls)
	}
	c := m.Calls[0]
	if c.Name != "malloc" || c.Size != 64 {
		t.Errorf("Call = %+v", c)
	}
	if c.Trace == nil || len(c.Trace.Frames) != 2 {
		t.Fatalf("expected backtrace attached to call, got %+v", c.Trace)
	}
	if c.Args == nil || len(c.Args.Args) != 1 || c.Args.Args[0].Value != "64" {
		t.Errorf("Args = %+v", c.Args)
	}
	if m.Heap == nil || m.Heap.Counters["used"] != 10 {
		t.Errorf("Heap = %+v", m.Heap)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Name != "core" {
		t.Errorf("Attachments = %+v", m.Attachments)
	}
}

func TestParse_EmptyStreamReturnsEmptyModel(t *testing.T) {
	m, err := parser.Parse(bytes.NewReader(nil), btindex.New())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Process != nil || len(m.Calls) != 0 {
		t.Errorf("expected a zero-value model, got %+v", m)
	}
}

func TestParse_BinaryUnknownPacketTypeErrors(t *testing.T) {
	buf := buildBinaryStream(t, testHandshake, []wire.Packet{
		{Type: wire.PacketType(0xDEADBEEF), Payload: []byte("x")},
	})
	m, err := parser.Parse(buf, btindex.New())
	if err == nil {
		t.Fatal("expected an error for an unknown mid-stream packet type")
	}
	if !m.Truncated {
		t.Error("expected model.Truncated to be set on an unknown packet type")
	}
}

func TestParse_BinaryUnexpectedNewLibraryErrors(t *testing.T) {
	buf := buildBinaryStream(t, testHandshake, []wire.Packet{
		{Type: wire.PacketNewLibrary, Payload: wire.PutString(order, "*")},
	})
	_, err := parser.Parse(buf, btindex.New())
	if err == nil {
		t.Fatal("expected an error for a NewLibrary packet reaching the post-processor stage")
	}
}

func TestParse_OutputSettingsIgnoredWithoutError(t *testing.T) {
	buf := buildBinaryStream(t, testHandshake, []wire.Packet{
		{Type: wire.PacketOutputSettings, Payload: wire.PutString(order, "/tmp")},
		{Type: wire.PacketFunctionCall, Payload: encCall(model.Call{Index: 1, Kind: model.CallAlloc, Name: "malloc", Size: 1})},
	})
	m, err := parser.Parse(buf, btindex.New())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Calls) != 1 {
		t.Errorf("expected OutputSettings to be silently skipped, Calls = %+v", m.Calls)
	}
}

// ---------------------------------------------------------------------------
// Builder: incremental use (mirrors how the gRPC ingestion path drives one)
// ---------------------------------------------------------------------------

func TestBuilder_ApplyReturnsDoneOnMidStreamHandshake(t *testing.T) {
	b := parser.NewBuilder(testHandshake, btindex.New())
	done, err := b.Apply(wire.Packet{Type: wire.PacketHandShake})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !done {
		t.Error("expected done=true on a mid-stream Handshake packet")
	}
}

func TestBuilder_FlushAttachesPendingWithoutEndingSession(t *testing.T) {
	b := parser.NewBuilder(testHandshake, btindex.New())
	if _, err := b.Apply(wire.Packet{Type: wire.PacketFunctionCall, Payload: encCall(model.Call{Index: 1, Kind: model.CallAlloc, Name: "malloc", Size: 8})}); err != nil {
		t.Fatalf("Apply(FunctionCall): %v", err)
	}
	if _, err := b.Apply(wire.Packet{Type: wire.PacketBacktrace, Payload: encBacktrace([]uint64{0x1}, nil)}); err != nil {
		t.Fatalf("Apply(Backtrace): %v", err)
	}

	b.Flush()
	snap := b.Snapshot()
	if len(snap.Calls) != 1 || snap.Calls[0].Trace == nil {
		t.Fatalf("expected Flush to attach the pending backtrace, got %+v", snap.Calls)
	}

	// A further Apply after Flush must still work (session not ended).
	if _, err := b.Apply(wire.Packet{Type: wire.PacketFunctionCall, Payload: encCall(model.Call{Index: 2, Kind: model.CallFree, Name: "free"})}); err != nil {
		t.Fatalf("Apply after Flush: %v", err)
	}
	final := b.Finish()
	if len(final.Calls) != 2 {
		t.Errorf("expected 2 calls after Finish, got %d", len(final.Calls))
	}
}

// ---------------------------------------------------------------------------
// Parse: text path
// ---------------------------------------------------------------------------

func textStream(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

func TestParse_TextGoldenPath(t *testing.T) {
	r := textStream(
		"version=2.1, arch=x86_64, process=demo, pid=123, backtrace depth=8",
		": /lib/libc.so => 0x1000-0x2000",
		"@ 2 : worker",
		"<<1>> : M (memory) [refcount]",
		"1. @2 malloc<M>(64) = 0xabcd",
		"\t0x1111 main",
		"\t$n = 64",
		"2. free<M>(0xabcd)",
		"& core : core.dump",
	)
	m, err := parser.Parse(r, btindex.New())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Handshake.Arch != "x86_64" || m.Handshake.VersionMajor != 2 || m.Handshake.VersionMinor != 1 {
		t.Errorf("Handshake = %+v", m.Handshake)
	}
	if m.Process.Name != "demo" || m.Process.PID != 123 {
		t.Errorf("Process = %+v", m.Process)
	}
	if m.BacktraceDepth != 8 {
		t.Errorf("BacktraceDepth = %d, want 8", m.BacktraceDepth)
	}
	if len(m.Maps) != 1 || m.Maps[0].From != 0x1000 {
		t.Errorf("Maps = %+v", m.Maps)
	}
	if len(m.Contexts) != 1 || m.Contexts[0].ID != 2 {
		t.Errorf("Contexts = %+v", m.Contexts)
	}
	if len(m.ResourceTypes) != 1 || m.ResourceTypes[0].Flags&model.ResourceFlagRefcount == 0 {
		t.Errorf("ResourceTypes = %+v", m.ResourceTypes)
	}
	if len(m.Calls) != 2 {
		t.Fatalf("Calls = %+v", m.Calls)
	}
	alloc := m.Calls[0]
	if alloc.Kind != model.CallAlloc || alloc.Name != "malloc" || alloc.Size != 64 || alloc.ResID != 0xabcd || alloc.Context != 2 {
		t.Errorf("alloc call = %+v", alloc)
	}
	if alloc.Trace == nil || len(alloc.Trace.Frames) != 1 || alloc.Trace.Symbols[0] != "main" {
		t.Errorf("alloc trace = %+v", alloc.Trace)
	}
	if alloc.Args == nil || alloc.Args.Args[0].Value != "64" {
		t.Errorf("alloc args = %+v", alloc.Args)
	}
	free := m.Calls[1]
	if free.Kind != model.CallFree || free.ResID != 0xabcd {
		t.Errorf("free call = %+v", free)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Path != "core.dump" {
		t.Errorf("Attachments = %+v", m.Attachments)
	}
}

func TestParse_TextMalformedLineDowngradesToComment(t *testing.T) {
	r := textStream(
		"version=2.1, arch=x86_64, process=demo, pid=1",
		"1. malloc(8) = 0xaa",
		"this line matches nothing",
	)
	m, err := parser.Parse(r, btindex.New())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Comments) != 1 || m.Comments[0].Text != "this line matches nothing" {
		t.Errorf("expected malformed line preserved as a comment, got %+v", m.Comments)
	}
	if m.Comments[0].AssociatedIndex != 1 {
		t.Errorf("comment AssociatedIndex = %d, want 1 (the preceding call)", m.Comments[0].AssociatedIndex)
	}
}

func TestParse_TextFilterFieldParsed(t *testing.T) {
	r := textStream("version=2.0, arch=x86_64, process=demo, pid=1, filter=leaks|compress")
	m, err := parser.Parse(r, btindex.New())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.FilterMask&model.FilterLeaks == 0 || m.FilterMask&model.FilterCompress == 0 {
		t.Errorf("FilterMask = %v, want leaks|compress set", m.FilterMask)
	}
	if m.FilterMask&model.FilterResolve != 0 {
		t.Error("resolve bit should not be set")
	}
}

func TestParse_TextTimestampHeaderParsed(t *testing.T) {
	r := textStream("version=2.0, arch=x86_64, process=demo, pid=1, timestamp=2026-01-02 03:04:05")
	m, err := parser.Parse(r, btindex.New())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !m.Process.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", m.Process.Timestamp, want)
	}
}
