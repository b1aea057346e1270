package tracer

import (
	"github.com/sp-rtrace/rtrace-go/internal/model"
	"github.com/sp-rtrace/rtrace-go/internal/wire"
)

// The encoders below produce payloads byte-for-byte compatible with
// internal/parser's binary decoders, using wire.NativeByteOrder throughout
// since the tracer always writes in its own native order (§4.1).

func encodeProcessInfo(pid int32, name, origin string, depth int, withTimestamp bool) []byte {
	order := wire.NativeByteOrder
	head := make([]byte, 4+8+4)
	order.PutUint32(head[0:4], uint32(pid))
	var ts int64
	if withTimestamp {
		ts = 0 // filled in by the PreProcessor at first relay, per §4.4
	}
	order.PutUint64(head[4:12], uint64(ts))
	order.PutUint32(head[12:16], uint32(depth))

	out := append(head, wire.PutString(order, name)...)
	out = append(out, wire.PutString(order, origin)...)
	return out
}

// encodeOutputSettings carries the output directory the PreProcessor should
// write the report under, plus an optional post-processor command line
// (§4.4, §6: SP_RTRACE_OUTPUT_DIR / SP_RTRACE_POSTPROC).
func encodeOutputSettings(dir, postProcessor string) []byte {
	order := wire.NativeByteOrder
	out := wire.PutString(order, dir)
	out = append(out, wire.PutString(order, postProcessor)...)
	return out
}

func encodeModuleInfo(id uint32, version, name string) []byte {
	order := wire.NativeByteOrder
	head := make([]byte, 4)
	order.PutUint32(head, id)
	out := append(head, wire.PutString(order, version)...)
	out = append(out, wire.PutString(order, name)...)
	return out
}

func encodeResourceType(rt model.ResourceType) []byte {
	order := wire.NativeByteOrder
	head := make([]byte, 8)
	order.PutUint32(head[0:4], uint32(rt.ID))
	order.PutUint32(head[4:8], uint32(rt.Flags))
	out := append(head, wire.PutString(order, rt.Tag)...)
	out = append(out, wire.PutString(order, rt.Desc)...)
	return out
}

func encodeCall(c model.Call) []byte {
	order := wire.NativeByteOrder
	head := make([]byte, 8+4+1+8+1+4+8+8)
	off := 0
	order.PutUint64(head[off:off+8], c.Index)
	off += 8
	order.PutUint32(head[off:off+4], c.Context)
	off += 4
	head[off] = byte(c.Kind)
	off++
	var ms int64
	if c.HasTime {
		ms = c.Time.UnixMilli()
	}
	order.PutUint64(head[off:off+8], uint64(ms))
	off += 8
	if c.HasTime {
		head[off] = 1
	}
	off++
	order.PutUint32(head[off:off+4], uint32(c.ResType))
	off += 4
	order.PutUint64(head[off:off+8], c.ResID)
	off += 8
	order.PutUint64(head[off:off+8], c.Size)
	off += 8

	return append(head, wire.PutString(order, c.Name)...)
}

func encodeBacktrace(frames []uint64, symbols []string) []byte {
	order := wire.NativeByteOrder
	out := make([]byte, 4, 4+len(frames)*8)
	order.PutUint32(out[0:4], uint32(len(frames)))
	for _, f := range frames {
		var b [8]byte
		order.PutUint64(b[:], f)
		out = append(out, b[:]...)
	}
	if len(symbols) > 0 {
		var nb [4]byte
		order.PutUint32(nb[:], uint32(len(symbols)))
		out = append(out, nb[:]...)
		for _, s := range symbols {
			out = append(out, wire.PutString(order, s)...)
		}
	}
	return out
}

func encodeHeapInfo(hi model.HeapInfo) []byte {
	order := wire.NativeByteOrder
	head := make([]byte, 32+4)
	order.PutUint64(head[0:8], hi.Bottom)
	order.PutUint64(head[8:16], hi.Top)
	order.PutUint64(head[16:24], hi.LowestBlock)
	order.PutUint64(head[24:32], hi.HighestBlock)
	order.PutUint32(head[32:36], uint32(len(hi.Counters)))
	out := head
	for name, val := range hi.Counters {
		out = append(out, wire.PutString(order, name)...)
		var vb [8]byte
		order.PutUint64(vb[:], val)
		out = append(out, vb[:]...)
	}
	return out
}
