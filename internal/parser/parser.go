// Package parser recognizes both binary and text sp-rtrace streams and
// builds an EventModel (§4.5). The binary path decodes through
// internal/wire; the text path matches each line against the record
// grammars of §4.5/§6, tolerating malformed lines by downgrading them to
// comments (§7: "Parser: malformed text line — downgrade to comment; never
// abort"), the same non-aborting validation posture internal/config uses
// (errors.Join collects, never panics).
package parser

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/btindex"
	"github.com/sp-rtrace/rtrace-go/internal/model"
	"github.com/sp-rtrace/rtrace-go/internal/wire"
)

// binarySentinel is the first byte of any binary stream (the Handshake's
// sentinel, §4.1).
const binarySentinel = 0xF0

// Parse reads r, detects whether it is a binary or text stream by its first
// byte, and returns the resulting EventModel. idx is used to intern
// Backtraces as they're decoded so repeated identical stacks across the
// stream collapse to one shared *model.Backtrace (§4.3).
func Parse(r io.Reader, idx *btindex.Index) (*model.EventModel, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(1)
	if err != nil {
		if err == io.EOF {
			return &model.EventModel{}, nil
		}
		return nil, fmt.Errorf("parser: peek first byte: %w", err)
	}

	if first[0] == binarySentinel {
		return parseBinary(br, idx)
	}
	return parseText(br, idx)
}

// parseBinary decodes a binary stream through internal/wire.
func parseBinary(r io.Reader, idx *btindex.Index) (*model.EventModel, error) {
	hs, err := wire.ReadHandshake(r)
	if err != nil {
		return nil, fmt.Errorf("parser: handshake: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if hs.BigEndian {
		order = binary.BigEndian
	}
	version := int(hs.VersionMajor)
	rd := wire.NewReader(r, order, version)

	b := NewBuilder(hs, idx)

	for {
		pkt, err := rd.ReadPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			b.m.Truncated = true
			return b.m, fmt.Errorf("parser: read packet: %w", err)
		}

		done, err := b.Apply(pkt)
		if err != nil {
			return b.m, err
		}
		if done {
			break
		}
	}

	return b.Finish(), nil
}

// Builder incrementally assembles an EventModel from individually-decoded
// wire.Packets. parseBinary drives one from a single framed stream;
// internal/server/grpc drives one per tracing session across many
// PacketBatch RPCs, since the agent and the server never share one
// continuous io.Reader over the network.
type Builder struct {
	m     *model.EventModel
	idx   *btindex.Index
	order binary.ByteOrder

	pendingTrace *model.Backtrace
	pendingArgs  *model.CallArguments
	lastCall     *model.Call
}

// NewBuilder starts a Builder for a session whose Handshake has already been
// read (over the wire framing or, for gRPC, out of a SessionHandshake
// message). idx is used to intern Backtraces as they're decoded so repeated
// identical stacks collapse to one shared *model.Backtrace (§4.3).
func NewBuilder(hs wire.Handshake, idx *btindex.Index) *Builder {
	var order binary.ByteOrder = binary.LittleEndian
	if hs.BigEndian {
		order = binary.BigEndian
	}
	return &Builder{
		m: &model.EventModel{
			Handshake: &model.Handshake{
				VersionMajor: hs.VersionMajor,
				VersionMinor: hs.VersionMinor,
				Arch:         hs.Arch,
				BigEndian:    hs.BigEndian,
				PointerSize:  hs.PointerSize,
			},
		},
		idx:   idx,
		order: order,
	}
}

func (b *Builder) flushPending() {
	if b.lastCall == nil {
		return
	}
	if b.pendingTrace != nil {
		b.lastCall.Trace = b.idx.Intern(b.pendingTrace, b.lastCall.Index)
	}
	if b.pendingArgs != nil {
		b.lastCall.Args = b.pendingArgs
	}
	b.pendingTrace, b.pendingArgs, b.lastCall = nil, nil, nil
}

// Apply decodes one packet and folds it into the EventModel under
// construction. done is true when pkt signals the end of this session's
// stream (a mid-stream Handshake, §4.4): the caller must stop feeding
// further packets to this Builder.
func (b *Builder) Apply(pkt wire.Packet) (done bool, err error) {
	order := b.order
	m := b.m

	switch pkt.Type {
	case wire.PacketHandShake:
		// A second handshake mid-stream means multiple streams were
		// concatenated (§4.4): stop and process what has been received.
		b.flushPending()
		return true, nil

	case wire.PacketProcessInfo:
		b.flushPending()
		pi, err := decodeProcessInfo(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: ProcessInfo: %w", err)
		}
		m.Process = pi

	case wire.PacketModuleInfo:
		mi, err := decodeModuleInfo(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: ModuleInfo: %w", err)
		}
		m.Modules = append(m.Modules, mi)

	case wire.PacketMemoryMap:
		mm, err := decodeMemoryMap(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: MemoryMap: %w", err)
		}
		addMemoryMap(m, mm)

	case wire.PacketContextRegistry:
		ctx, err := decodeContext(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: ContextRegistry: %w", err)
		}
		m.Contexts = append(m.Contexts, ctx)

	case wire.PacketResourceRegistry:
		rt, err := decodeResourceType(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: ResourceRegistry: %w", err)
		}
		m.ResourceTypes = append(m.ResourceTypes, rt)

	case wire.PacketFunctionCall:
		b.flushPending()
		c, err := decodeCall(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: FunctionCall: %w", err)
		}
		m.Calls = append(m.Calls, c)
		b.lastCall = c

	case wire.PacketBacktrace:
		bt, err := decodeBacktrace(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: Backtrace: %w", err)
		}
		b.pendingTrace = bt

	case wire.PacketFunctionArgs:
		args, err := decodeArgs(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: FunctionArgs: %w", err)
		}
		b.pendingArgs = args

	case wire.PacketHeapInfo:
		hi, err := decodeHeapInfo(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: HeapInfo: %w", err)
		}
		m.Heap = hi

	case wire.PacketAttachment:
		at, err := decodeAttachment(order, pkt.Payload)
		if err != nil {
			return false, fmt.Errorf("parser: Attachment: %w", err)
		}
		m.Attachments = append(m.Attachments, at)

	case wire.PacketOutputSettings:
		// Consumed upstream by PreProcessor (§4.4); nothing for the
		// post-processor's model to retain.

	case wire.PacketNewLibrary:
		// Consumed upstream by PreProcessor, which replaces it with
		// MemoryMap packets (§4.4); should not reach the post-processor
		// in a well-formed pipeline. Unknown/unexpected mid-stream types
		// are a protocol event (§7), not silently ignored.
		m.Truncated = true
		return false, fmt.Errorf("parser: unexpected NewLibrary packet reached post-processor")

	default:
		m.Truncated = true
		return false, fmt.Errorf("parser: unknown packet type %s mid-stream", pkt.Type)
	}

	return false, nil
}

// Finish flushes any pending Backtrace/FunctionArgs onto the last decoded
// Call and returns the assembled EventModel. The Builder must not be reused
// afterwards.
func (b *Builder) Finish() *model.EventModel {
	b.flushPending()
	return b.m
}

// Flush attaches any pending Backtrace/FunctionArgs decoded so far onto the
// last Call without ending the Builder, so a caller can take a consistent
// Snapshot mid-session (§4.4's "post-processor" role played live by the gRPC
// ingestion path instead of reading a finished file).
func (b *Builder) Flush() {
	b.flushPending()
}

// Snapshot returns the EventModel assembled so far. The returned pointer
// aliases the Builder's internal state and grows as more packets are
// applied; callers must not mutate it.
func (b *Builder) Snapshot() *model.EventModel {
	return b.m
}

func addMemoryMap(m *model.EventModel, mm model.MemoryMap) {
	key := mm.Key()
	for i, existing := range m.Maps {
		if existing.Key() == key {
			m.Maps[i] = mm
			return
		}
	}
	m.Maps = append(m.Maps, mm)
}

func decodeProcessInfo(order binary.ByteOrder, b []byte) (*model.ProcessInfo, error) {
	if len(b) < 4+8+4 {
		return nil, fmt.Errorf("truncated ProcessInfo")
	}
	pid := int32(order.Uint32(b[0:4]))
	ts := int64(order.Uint64(b[4:12]))
	depth := int(order.Uint32(b[12:16]))
	rest := b[16:]
	name, n, err := wire.GetString(order, rest)
	if err != nil {
		return nil, err
	}
	rest = rest[n:]
	origin, _, err := wire.GetString(order, rest)
	if err != nil {
		return nil, err
	}
	var t time.Time
	if ts != 0 {
		t = time.UnixMilli(ts)
	}
	return &model.ProcessInfo{PID: pid, Timestamp: t, BacktraceDepth: depth, Name: name, Origin: origin}, nil
}

func decodeModuleInfo(order binary.ByteOrder, b []byte) (model.ModuleInfo, error) {
	if len(b) < 4 {
		return model.ModuleInfo{}, fmt.Errorf("truncated ModuleInfo")
	}
	id := order.Uint32(b[0:4])
	rest := b[4:]
	version, n, err := wire.GetString(order, rest)
	if err != nil {
		return model.ModuleInfo{}, err
	}
	rest = rest[n:]
	name, _, err := wire.GetString(order, rest)
	if err != nil {
		return model.ModuleInfo{}, err
	}
	return model.ModuleInfo{ID: id, Version: version, Name: name}, nil
}

func decodeMemoryMap(order binary.ByteOrder, b []byte) (model.MemoryMap, error) {
	if len(b) < 16 {
		return model.MemoryMap{}, fmt.Errorf("truncated MemoryMap")
	}
	from := order.Uint64(b[0:8])
	to := order.Uint64(b[8:16])
	path, _, err := wire.GetString(order, b[16:])
	if err != nil {
		return model.MemoryMap{}, err
	}
	return model.MemoryMap{From: from, To: to, Path: path}, nil
}

func decodeContext(order binary.ByteOrder, b []byte) (model.Context, error) {
	if len(b) < 4 {
		return model.Context{}, fmt.Errorf("truncated Context")
	}
	id := order.Uint32(b[0:4])
	name, _, err := wire.GetString(order, b[4:])
	if err != nil {
		return model.Context{}, err
	}
	return model.Context{ID: id, Name: name}, nil
}

func decodeResourceType(order binary.ByteOrder, b []byte) (model.ResourceType, error) {
	if len(b) < 8 {
		return model.ResourceType{}, fmt.Errorf("truncated ResourceType")
	}
	id := int(order.Uint32(b[0:4]))
	flags := model.ResourceFlag(order.Uint32(b[4:8]))
	rest := b[8:]
	tag, n, err := wire.GetString(order, rest)
	if err != nil {
		return model.ResourceType{}, err
	}
	rest = rest[n:]
	desc, _, err := wire.GetString(order, rest)
	if err != nil {
		return model.ResourceType{}, err
	}
	return model.ResourceType{ID: id, Tag: tag, Desc: desc, Flags: flags}, nil
}

func decodeCall(order binary.ByteOrder, b []byte) (*model.Call, error) {
	const fixedLen = 8 + 4 + 1 + 8 + 1 + 4 + 8 + 8
	if len(b) < fixedLen {
		return nil, fmt.Errorf("truncated FunctionCall")
	}
	c := &model.Call{}
	off := 0
	c.Index = order.Uint64(b[off : off+8])
	off += 8
	c.Context = order.Uint32(b[off : off+4])
	off += 4
	c.Kind = model.CallKind(b[off])
	off++
	ms := int64(order.Uint64(b[off : off+8]))
	off += 8
	c.HasTime = b[off] != 0
	off++
	if c.HasTime {
		c.Time = time.UnixMilli(ms)
	}
	c.ResType = int(order.Uint32(b[off : off+4]))
	off += 4
	c.ResID = order.Uint64(b[off : off+8])
	off += 8
	c.Size = order.Uint64(b[off : off+8])
	off += 8
	name, _, err := wire.GetString(order, b[off:])
	if err != nil {
		return nil, err
	}
	c.Name = name
	return c, nil
}

func decodeBacktrace(order binary.ByteOrder, b []byte) (*model.Backtrace, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("truncated Backtrace")
	}
	n := int(order.Uint32(b[0:4]))
	off := 4
	frames := make([]uint64, n)
	for i := 0; i < n; i++ {
		if off+8 > len(b) {
			return nil, fmt.Errorf("truncated Backtrace frames")
		}
		frames[i] = order.Uint64(b[off : off+8])
		off += 8
	}
	var symbols []string
	if off < len(b) {
		nsym := int(order.Uint32(b[off : off+4]))
		off += 4
		symbols = make([]string, nsym)
		for i := 0; i < nsym; i++ {
			s, consumed, err := wire.GetString(order, b[off:])
			if err != nil {
				return nil, err
			}
			symbols[i] = s
			off += consumed
		}
	}
	return &model.Backtrace{Frames: frames, Symbols: symbols}, nil
}

func decodeArgs(order binary.ByteOrder, b []byte) (*model.CallArguments, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("truncated FunctionArgs")
	}
	n := int(order.Uint32(b[0:4]))
	off := 4
	args := make([]model.Argument, n)
	for i := 0; i < n; i++ {
		name, c1, err := wire.GetString(order, b[off:])
		if err != nil {
			return nil, err
		}
		off += c1
		value, c2, err := wire.GetString(order, b[off:])
		if err != nil {
			return nil, err
		}
		off += c2
		args[i] = model.Argument{Name: name, Value: value}
	}
	return &model.CallArguments{Args: args}, nil
}

func decodeHeapInfo(order binary.ByteOrder, b []byte) (*model.HeapInfo, error) {
	if len(b) < 32+4 {
		return nil, fmt.Errorf("truncated HeapInfo")
	}
	hi := &model.HeapInfo{
		Bottom:       order.Uint64(b[0:8]),
		Top:          order.Uint64(b[8:16]),
		LowestBlock:  order.Uint64(b[16:24]),
		HighestBlock: order.Uint64(b[24:32]),
	}
	n := int(order.Uint32(b[32:36]))
	off := 36
	hi.Counters = make(map[string]uint64, n)
	for i := 0; i < n; i++ {
		name, c, err := wire.GetString(order, b[off:])
		if err != nil {
			return nil, err
		}
		off += c
		if off+8 > len(b) {
			return nil, fmt.Errorf("truncated HeapInfo counter value")
		}
		hi.Counters[name] = order.Uint64(b[off : off+8])
		off += 8
	}
	return hi, nil
}

func decodeAttachment(order binary.ByteOrder, b []byte) (model.Attachment, error) {
	name, n, err := wire.GetString(order, b)
	if err != nil {
		return model.Attachment{}, err
	}
	path, _, err := wire.GetString(order, b[n:])
	if err != nil {
		return model.Attachment{}, err
	}
	return model.Attachment{Name: name, Path: path}, nil
}

// Text grammar (§4.5).
var (
	reMemMap    = regexp.MustCompile(`^: (.+) => 0x([0-9a-fA-F]+)-0x([0-9a-fA-F]+)$`)
	reContext   = regexp.MustCompile(`^@ ([0-9a-fA-F]+) : (.*)$`)
	reResource  = regexp.MustCompile(`^<<([0-9a-fA-F]+)>> : (\S+) \((.*)\)(?:\s*\[(.*)\])?$`)
	reCallAlloc = regexp.MustCompile(`^(\d+)\. (?:@([0-9a-fA-F]+) )?(?:(\d{2}:\d{2}:\d{2}\.\d{3}) )?([^<(]+)(?:<([^>]*)>)?\((\d+)\) = 0x([0-9a-fA-F]+)$`)
	reCallFree  = regexp.MustCompile(`^(\d+)\. (?:@([0-9a-fA-F]+) )?(?:(\d{2}:\d{2}:\d{2}\.\d{3}) )?([^<(]+)(?:<([^>]*)>)?\(0x([0-9a-fA-F]+)\)$`)
	reBacktrace = regexp.MustCompile(`^\t0x([0-9a-fA-F]+)(?: (.*))?$`)
	reArg       = regexp.MustCompile(`^\t\$(\S+) = (.*)$`)
	reAttach    = regexp.MustCompile(`^& (\S+) : (.*)$`)
)

// parseText parses the sp-rtrace text grammar line by line.
func parseText(r io.Reader, idx *btindex.Index) (*model.EventModel, error) {
	m := &model.EventModel{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	headerParsed := false
	var resourcesByTag = make(map[string]int)
	var lastCallIndex uint64
	var current *model.Call
	var currentTrace *model.Backtrace
	var currentArgs *model.CallArguments

	flushCurrent := func() {
		if current == nil {
			return
		}
		if currentTrace != nil {
			current.Trace = idx.Intern(currentTrace, current.Index)
		}
		if currentArgs != nil {
			current.Args = currentArgs
		}
		current, currentTrace, currentArgs = nil, nil, nil
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			flushCurrent()
			continue
		}

		if !headerParsed {
			parseHeader(m, line)
			headerParsed = true
			continue
		}

		switch {
		case reMemMap.MatchString(line):
			flushCurrent()
			g := reMemMap.FindStringSubmatch(line)
			from, _ := strconv.ParseUint(g[2], 16, 64)
			to, _ := strconv.ParseUint(g[3], 16, 64)
			addMemoryMap(m, model.MemoryMap{Path: g[1], From: from, To: to})

		case reContext.MatchString(line):
			flushCurrent()
			g := reContext.FindStringSubmatch(line)
			id, _ := strconv.ParseUint(g[1], 16, 32)
			m.Contexts = append(m.Contexts, model.Context{ID: uint32(id), Name: g[2]})

		case reResource.MatchString(line):
			flushCurrent()
			g := reResource.FindStringSubmatch(line)
			bit, _ := strconv.ParseUint(g[1], 16, 32)
			rt := model.ResourceType{ID: int(bit), Tag: g[2], Desc: g[3]}
			if strings.Contains(g[4], "refcount") {
				rt.Flags |= model.ResourceFlagRefcount
			}
			resourcesByTag[rt.Tag] = rt.ID
			m.ResourceTypes = append(m.ResourceTypes, rt)

		case reCallAlloc.MatchString(line):
			flushCurrent()
			current = parseCallAlloc(line, resourcesByTag)
			m.Calls = append(m.Calls, current)
			lastCallIndex = current.Index

		case reCallFree.MatchString(line):
			flushCurrent()
			current = parseCallFree(line, resourcesByTag)
			m.Calls = append(m.Calls, current)
			lastCallIndex = current.Index

		case reBacktrace.MatchString(line) && current != nil:
			g := reBacktrace.FindStringSubmatch(line)
			addr, _ := strconv.ParseUint(g[1], 16, 64)
			if currentTrace == nil {
				currentTrace = &model.Backtrace{}
			}
			currentTrace.Frames = append(currentTrace.Frames, addr)
			if g[2] != "" {
				for len(currentTrace.Symbols) < len(currentTrace.Frames)-1 {
					currentTrace.Symbols = append(currentTrace.Symbols, "")
				}
				currentTrace.Symbols = append(currentTrace.Symbols, g[2])
			}

		case reArg.MatchString(line) && current != nil:
			g := reArg.FindStringSubmatch(line)
			if currentArgs == nil {
				currentArgs = &model.CallArguments{}
			}
			currentArgs.Args = append(currentArgs.Args, model.Argument{Name: g[1], Value: g[2]})

		case reAttach.MatchString(line):
			flushCurrent()
			g := reAttach.FindStringSubmatch(line)
			m.Attachments = append(m.Attachments, model.Attachment{Name: g[1], Path: g[2]})

		default:
			// Any other line, including malformed records, degrades to a
			// comment rather than aborting (§7).
			flushCurrent()
			m.Comments = append(m.Comments, model.Comment{Text: line, AssociatedIndex: lastCallIndex})
		}
	}
	flushCurrent()

	if err := sc.Err(); err != nil {
		return m, fmt.Errorf("parser: scan text stream: %w", err)
	}
	return m, nil
}

// parseHeader parses the `key=value, key=value, ...` header line (§6).
func parseHeader(m *model.EventModel, line string) {
	m.Process = &model.ProcessInfo{}
	m.Handshake = &model.Handshake{}

	parts := strings.Split(line, ", ")
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimSuffix(p, ","))
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "version":
			var major, minor uint8
			fmt.Sscanf(val, "%d.%d", &major, &minor)
			m.Handshake.VersionMajor, m.Handshake.VersionMinor = major, minor
		case "arch":
			m.Handshake.Arch = val
		case "timestamp":
			if t, err := time.Parse("2006-01-02 15:04:05", val); err == nil {
				m.Process.Timestamp = t
			}
		case "process":
			m.Process.Name = val
		case "pid":
			if pid, err := strconv.ParseInt(val, 10, 32); err == nil {
				m.Process.PID = int32(pid)
			}
		case "filter":
			for _, f := range strings.Split(val, "|") {
				switch f {
				case "leaks":
					m.FilterMask |= model.FilterLeaks
				case "compress":
					m.FilterMask |= model.FilterCompress
				case "resolve":
					m.FilterMask |= model.FilterResolve
				}
			}
		case "backtrace depth":
			if d, err := strconv.Atoi(val); err == nil {
				m.BacktraceDepth = d
				m.Process.BacktraceDepth = d
			}
		case "origin":
			m.Process.Origin = val
		}
	}
}

func parseCallAlloc(line string, resourcesByTag map[string]int) *model.Call {
	g := reCallAlloc.FindStringSubmatch(line)
	idx, _ := strconv.ParseUint(g[1], 10, 64)
	c := &model.Call{Index: idx, Kind: model.CallAlloc, Name: strings.TrimSpace(g[4])}
	if g[2] != "" {
		ctx, _ := strconv.ParseUint(g[2], 16, 32)
		c.Context = uint32(ctx)
	}
	if g[3] != "" {
		if t, err := time.Parse("15:04:05.000", g[3]); err == nil {
			c.Time = t
			c.HasTime = true
		}
	}
	if g[5] != "" {
		c.ResType = resourcesByTag[g[5]]
	}
	size, _ := strconv.ParseUint(g[6], 10, 64)
	c.Size = size
	resID, _ := strconv.ParseUint(g[7], 16, 64)
	c.ResID = resID
	return c
}

func parseCallFree(line string, resourcesByTag map[string]int) *model.Call {
	g := reCallFree.FindStringSubmatch(line)
	idx, _ := strconv.ParseUint(g[1], 10, 64)
	c := &model.Call{Index: idx, Kind: model.CallFree, Name: strings.TrimSpace(g[4])}
	if g[2] != "" {
		ctx, _ := strconv.ParseUint(g[2], 16, 32)
		c.Context = uint32(ctx)
	}
	if g[3] != "" {
		if t, err := time.Parse("15:04:05.000", g[3]); err == nil {
			c.Time = t
			c.HasTime = true
		}
	}
	if g[5] != "" {
		c.ResType = resourcesByTag[g[5]]
	}
	resID, _ := strconv.ParseUint(g[6], 16, 64)
	c.ResID = resID
	return c
}
