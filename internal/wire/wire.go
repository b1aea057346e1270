// Package wire implements the binary packet codec (§4.1): a typed,
// length-prefixed, 4-byte-aligned packet stream with a leading handshake
// packet. It is the lowest-level component in the pipeline — everything
// else (Parser, PreProcessor, TracerRuntime) reads or writes through it.
//
// Packet layout depends on the handshake's protocol version: version ≥ 2
// packets are [type:4][length:4][payload...]; version < 2 packets are
// [length:4][type:4][payload...]. Readers must consult the handshake before
// decoding any further packet.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType is a four-character-code packet type (§4.1).
type PacketType uint32

// packString turns a 4-byte ASCII tag into a PacketType in a fixed, portable
// way (big-endian interpretation of the tag bytes) so the numeric value is
// stable regardless of host endianness; the wire bytes themselves still
// follow the handshake's declared endianness when encoded.
func packString(s string) PacketType {
	var b [4]byte
	copy(b[:], s)
	return PacketType(binary.BigEndian.Uint32(b[:]))
}

var (
	PacketHandShake       = packString("HS\x00\x00")
	PacketModuleInfo      = packString("MI\x00\x00")
	PacketMemoryMap       = packString("MM\x00\x00")
	PacketContextRegistry = packString("CR\x00\x00")
	PacketFunctionCall    = packString("FC\x00\x00")
	PacketBacktrace       = packString("BT\x00\x00")
	PacketFunctionArgs    = packString("FA\x00\x00")
	PacketProcessInfo     = packString("PI\x00\x00")
	PacketNewLibrary      = packString("NL\x00\x00")
	PacketHeapInfo        = packString("HI\x00\x00")
	PacketOutputSettings  = packString("OS\x00\x00")
	PacketResourceRegistry = packString("RR\x00\x00")
	PacketAttachment      = packString("AT\x00\x00")
)

var packetNames = map[PacketType]string{
	PacketHandShake:        "HandShake",
	PacketModuleInfo:       "ModuleInfo",
	PacketMemoryMap:        "MemoryMap",
	PacketContextRegistry:  "ContextRegistry",
	PacketFunctionCall:     "FunctionCall",
	PacketBacktrace:        "Backtrace",
	PacketFunctionArgs:     "FunctionArgs",
	PacketProcessInfo:      "ProcessInfo",
	PacketNewLibrary:       "NewLibrary",
	PacketHeapInfo:         "HeapInfo",
	PacketOutputSettings:   "OutputSettings",
	PacketResourceRegistry: "ResourceRegistry",
	PacketAttachment:       "Attachment",
}

// String returns a human-readable packet type name, or a hex fallback for
// an unrecognized type (§7: unknown packet types are a protocol event, not
// a panic).
func (t PacketType) String() string {
	if n, ok := packetNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Unknown(0x%08x)", uint32(t))
}

// handshakeSentinel is the fixed first byte of a Handshake packet (§4.1, §6).
const handshakeSentinel byte = 0xF0

// alignment is the payload alignment required by §4.1.
const alignment = 4

func padLen(n int) int {
	rem := n % alignment
	if rem == 0 {
		return 0
	}
	return alignment - rem
}

// Handshake is the wire representation of the first packet on any stream
// (§4.1, §6): `0xF0 | [len:1] | [vmajor:1] | [vminor:1] | [archLen:1] |
// [arch bytes] | [endianness:1] | [pointer size:1] | pad to 4`.
type Handshake struct {
	VersionMajor uint8
	VersionMinor uint8
	Arch         string
	BigEndian    bool
	PointerSize  uint8
}

// byteOrder returns the binary.ByteOrder implied by h.BigEndian.
func (h Handshake) byteOrder() binary.ByteOrder {
	if h.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// WriteHandshake encodes h to w in the exact layout of §6.
func WriteHandshake(w io.Writer, h Handshake) error {
	archBytes := []byte(h.Arch)
	if len(archBytes) > 255 {
		return fmt.Errorf("wire: arch tag too long (%d bytes)", len(archBytes))
	}

	var buf bytes.Buffer
	buf.WriteByte(handshakeSentinel)
	// len is the length of everything after the sentinel+len byte itself,
	// filled in after the body is built.
	body := &bytes.Buffer{}
	body.WriteByte(h.VersionMajor)
	body.WriteByte(h.VersionMinor)
	body.WriteByte(byte(len(archBytes)))
	body.Write(archBytes)
	if h.BigEndian {
		body.WriteByte(1)
	} else {
		body.WriteByte(0)
	}
	body.WriteByte(h.PointerSize)

	total := 1 /*sentinel*/ + 1 /*len*/ + body.Len()
	pad := padLen(total)
	for i := 0; i < pad; i++ {
		body.WriteByte(0)
	}

	if body.Len() > 255 {
		return fmt.Errorf("wire: handshake body too long to encode in one byte (%d)", body.Len())
	}
	buf.WriteByte(byte(body.Len()))
	buf.Write(body.Bytes())

	_, err := w.Write(buf.Bytes())
	return err
}

// ReadHandshake decodes the first packet from r and validates the sentinel
// byte. It does not validate endianness/pointer-size against the reader's
// own — callers (Parser, PreProcessor) must do that and treat a mismatch as
// fatal per §4.1.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var sentinel [1]byte
	if _, err := io.ReadFull(r, sentinel[:]); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake sentinel: %w", err)
	}
	if sentinel[0] != handshakeSentinel {
		return Handshake{}, fmt.Errorf("wire: bad handshake sentinel 0x%02x, want 0x%02x", sentinel[0], handshakeSentinel)
	}

	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake length: %w", err)
	}
	body := make([]byte, lenByte[0])
	if _, err := io.ReadFull(r, body); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake body: %w", err)
	}
	if len(body) < 4 {
		return Handshake{}, fmt.Errorf("wire: handshake body too short (%d bytes)", len(body))
	}

	h := Handshake{
		VersionMajor: body[0],
		VersionMinor: body[1],
	}
	archLen := int(body[2])
	if 3+archLen+2 > len(body) {
		return Handshake{}, fmt.Errorf("wire: handshake arch tag overruns body")
	}
	h.Arch = string(body[3 : 3+archLen])
	h.BigEndian = body[3+archLen] != 0
	h.PointerSize = body[3+archLen+1]
	return h, nil
}

// Packet is a decoded (type, payload) pair.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// Writer encodes and buffers packets for a single stream. It implements the
// flush policy of §4.1: when buffering is enabled it flushes once the
// accumulated size would exceed half of BufferSize; when disabled it
// flushes after every packet. Every call to the underlying io.Writer
// contains a whole number of packets (§4.1 Stream guarantees).
//
// Writer is not safe for concurrent use; callers that need concurrent
// access (the tracer core, §5) must serialize calls themselves.
type Writer struct {
	w          io.Writer
	order      binary.ByteOrder
	version    int
	buffering  bool
	bufferSize int
	buf        bytes.Buffer
}

// NewWriter creates a Writer for protocol version `version`, encoding
// integers with byteOrder. If buffering is true, writes accumulate in an
// internal buffer of bufferSize bytes and flush at the half-full mark;
// bufferSize ≤ 0 defaults to 64 KiB.
func NewWriter(w io.Writer, byteOrder binary.ByteOrder, version int, buffering bool, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	return &Writer{
		w:          w,
		order:      byteOrder,
		version:    version,
		buffering:  buffering,
		bufferSize: bufferSize,
	}
}

// WritePacket frames (pt, payload) per §4.1 and queues it for write,
// flushing according to the buffering policy.
func (wr *Writer) WritePacket(pt PacketType, payload []byte) error {
	pad := padLen(len(payload))
	framed := make([]byte, 8+len(payload)+pad)

	if wr.version >= 2 {
		wr.order.PutUint32(framed[0:4], uint32(pt))
		wr.order.PutUint32(framed[4:8], uint32(len(payload)))
	} else {
		wr.order.PutUint32(framed[0:4], uint32(len(payload)))
		wr.order.PutUint32(framed[4:8], uint32(pt))
	}
	copy(framed[8:], payload)

	wr.buf.Write(framed)

	if !wr.buffering {
		return wr.Flush()
	}
	if wr.buf.Len() > wr.bufferSize/2 {
		return wr.Flush()
	}
	return nil
}

// Flush writes any buffered packets to the underlying io.Writer in a single
// call and resets the buffer. It is a no-op when the buffer is empty.
func (wr *Writer) Flush() error {
	if wr.buf.Len() == 0 {
		return nil
	}
	data := wr.buf.Bytes()
	if _, err := wr.w.Write(data); err != nil {
		return fmt.Errorf("wire: flush: %w", err)
	}
	wr.buf.Reset()
	return nil
}

// Reader decodes a packet stream per §4.1.
//
// Reader is not safe for concurrent use.
type Reader struct {
	r       io.Reader
	order   binary.ByteOrder
	version int
}

// NewReader creates a Reader. Callers must have already read the Handshake
// (via ReadHandshake) and pass the version/byteOrder it declared.
func NewReader(r io.Reader, byteOrder binary.ByteOrder, version int) *Reader {
	return &Reader{r: r, order: byteOrder, version: version}
}

// ReadPacket decodes the next packet. It returns io.EOF when the stream ends
// cleanly between packets. For version ≥ 2 streams, a handshake sentinel
// where a packet header is expected (a second, concatenated stream) is read
// whole and returned as a PacketHandShake packet with no payload.
func (rd *Reader) ReadPacket() (Packet, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Packet{}, fmt.Errorf("wire: truncated packet header: %w", err)
		}
		return Packet{}, err
	}
	if rd.version >= 2 && hdr[0] == handshakeSentinel {
		if _, err := ReadHandshake(io.MultiReader(bytes.NewReader(hdr[:]), rd.r)); err != nil {
			return Packet{}, err
		}
		return Packet{Type: PacketHandShake}, nil
	}

	var pt PacketType
	var length uint32
	if rd.version >= 2 {
		pt = PacketType(rd.order.Uint32(hdr[0:4]))
		length = rd.order.Uint32(hdr[4:8])
	} else {
		length = rd.order.Uint32(hdr[0:4])
		pt = PacketType(rd.order.Uint32(hdr[4:8]))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		return Packet{}, fmt.Errorf("wire: truncated packet payload (type %s): %w", pt, err)
	}
	if pad := padLen(int(length)); pad > 0 {
		var discard [alignment]byte
		if _, err := io.ReadFull(rd.r, discard[:pad]); err != nil {
			return Packet{}, fmt.Errorf("wire: truncated packet padding (type %s): %w", pt, err)
		}
	}

	return Packet{Type: pt, Payload: payload}, nil
}

// PutString encodes s per §4.1 ([len:2][bytes][pad to 4]) using order, and
// returns the encoded bytes.
func PutString(order binary.ByteOrder, s string) []byte {
	b := []byte(s)
	out := make([]byte, 2+len(b))
	order.PutUint16(out[0:2], uint16(len(b)))
	copy(out[2:], b)
	if pad := padLen(len(out)); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

// GetString decodes a string encoded by PutString from the front of buf and
// returns it along with the number of bytes consumed (including padding).
func GetString(order binary.ByteOrder, buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, fmt.Errorf("wire: truncated string length")
	}
	n := int(order.Uint16(buf[0:2]))
	if len(buf) < 2+n {
		return "", 0, fmt.Errorf("wire: truncated string body (want %d, have %d)", n, len(buf)-2)
	}
	s := string(buf[2 : 2+n])
	consumed := 2 + n
	consumed += padLen(consumed)
	if len(buf) < consumed {
		return "", 0, fmt.Errorf("wire: truncated string padding")
	}
	return s, consumed, nil
}

// NativeByteOrder is the byte order this binary was built with. It is used
// by the tracer core (which always writes in its own native order, per
// §4.1) and by readers validating a handshake against their own order.
var NativeByteOrder = func() binary.ByteOrder {
	// The tracer core always runs on the same architecture family as this
	// module is compiled for; native order is fixed at compile time in
	// idiomatic Go via build constraints on real mixed-endian targets. For
	// every architecture this repository targets (amd64, arm64), that is
	// little-endian.
	return binary.LittleEndian
}()
