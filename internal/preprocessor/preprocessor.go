// Package preprocessor implements the PreProcessor (§4.4): it reads the
// tracer's binary stream, augments select packets on the fly, and forwards
// the rest unchanged to a file or a post-processor child.
//
// It is structured the way cmd/agent/main.go wires its components together —
// a single long-lived loop driven by a context, with SIGINT/SIGTERM handled
// by the caller — generalized here to the drain-then-stop semantics §4.4/§5
// require on the first SIGINT and a hard abandon on the second.
package preprocessor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/model"
	"github.com/sp-rtrace/rtrace-go/internal/wire"
)

// Sink receives packets forwarded by the PreProcessor, after the output
// directory is known (from OutputSettings). It models "a file or a
// post-processor child via a pipe" (§4.4).
type Sink interface {
	WriteHandshake(wire.Handshake) error
	WritePacket(wire.PacketType, []byte) error
	Flush() error
	Close() error
}

// fileSink implements Sink by writing the canonical binary report file,
// using the output-filename uniquification loop of §6 ("<pid>-<n>.rtrace",
// created with O_EXCL).
type fileSink struct {
	f  *os.File
	ww *wire.Writer
}

// OpenFileSink creates "<pid>-<n>.rtrace" in dir, trying n = 0, 1, 2, ...
// until an O_EXCL create succeeds.
func OpenFileSink(dir string, pid int32) (*fileSink, string, error) {
	for n := 0; ; n++ {
		name := filepath.Join(dir, fmt.Sprintf("%d-%d.rtrace", pid, n))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return &fileSink{f: f}, name, nil
		}
		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("preprocessor: create %q: %w", name, err)
		}
	}
}

func (s *fileSink) WriteHandshake(h wire.Handshake) error {
	return wire.WriteHandshake(s.f, h)
}

func (s *fileSink) ensureWriter() {
	if s.ww == nil {
		s.ww = wire.NewWriter(s.f, wire.NativeByteOrder, 2, true, 0)
	}
}

func (s *fileSink) WritePacket(pt wire.PacketType, payload []byte) error {
	s.ensureWriter()
	return s.ww.WritePacket(pt, payload)
}

func (s *fileSink) Flush() error {
	if s.ww == nil {
		return nil
	}
	return s.ww.Flush()
}

func (s *fileSink) Close() error { return s.f.Close() }

// PreProcessor reads one traced process's binary stream and forwards it,
// augmented, to a Sink.
type PreProcessor struct {
	pid    int32
	src    io.Reader
	rd     *wire.Reader
	logger *slog.Logger

	handshake wire.Handshake
	sink      Sink
	outputDir string
	knownMaps map[[3]uint64]model.MemoryMap
}

// SignalTracee forwards sig (the tracer's toggle signal) to the traced
// process, asking it to stop tracing gracefully (§4.4: "on SIGINT the
// pre-processor forwards the toggle signal to the tracee to stop tracing
// gracefully, then drains remaining input"). Run's normal EOF handling
// completes the drain once the tracee closes its end of the pipe.
func (p *PreProcessor) SignalTracee(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("preprocessor: unsupported signal type %T", sig)
	}
	return syscall.Kill(int(p.pid), s)
}

// Handshake returns the Handshake read at the start of Run. Calling it
// before Run has read one returns the zero value.
func (p *PreProcessor) Handshake() wire.Handshake { return p.handshake }

// New creates a PreProcessor reading from src, the target's named pipe
// (opened by the caller at the §6 path template).
func New(pid int32, src io.Reader, logger *slog.Logger) *PreProcessor {
	return &PreProcessor{
		pid:       pid,
		src:       src,
		logger:    logger,
		knownMaps: make(map[[3]uint64]model.MemoryMap),
	}
}

// Run reads the handshake, then loops decoding and forwarding packets until
// the stream ends cleanly, a second Handshake is observed mid-stream
// (concatenated streams, §4.4), or ctx is cancelled (the hard-stop path: a
// second SIGINT abandons whatever is buffered, §5). The first SIGINT is
// handled by the caller via SignalTracee, which asks the tracee to stop
// tracing while this loop keeps draining normally toward EOF; it does not
// touch ctx. newSink is called once, when the cached OutputSettings packet
// arrives, to open the downstream sink.
func (p *PreProcessor) Run(ctx context.Context, newSink func(outputDir string) (Sink, error)) error {
	hs, err := wire.ReadHandshake(p.src)
	if err != nil {
		return fmt.Errorf("preprocessor: handshake: %w", err)
	}
	p.handshake = hs

	order := wire.NativeByteOrder
	rd := wire.NewReader(p.src, order, int(hs.VersionMajor))
	p.rd = rd

	type readResult struct {
		pkt wire.Packet
		err error
	}
	packets := make(chan readResult, 1)

	readNext := func() {
		pkt, err := rd.ReadPacket()
		packets <- readResult{pkt, err}
	}
	go readNext()

	for {
		select {
		case <-ctx.Done():
			p.logger.Warn("preprocessor: hard stop, abandoning buffered data")
			if p.sink != nil {
				p.sink.Close()
			}
			return ctx.Err()

		case res := <-packets:
			if res.err == io.EOF {
				if p.sink != nil {
					p.sink.Flush()
					p.sink.Close()
				}
				return nil
			}
			if res.err != nil {
				return fmt.Errorf("preprocessor: read packet: %w", res.err)
			}

			if err := p.handlePacket(res.pkt, newSink); err != nil {
				if err == errSecondHandshake {
					if p.sink != nil {
						p.sink.Flush()
						p.sink.Close()
					}
					return nil
				}
				return err
			}
			go readNext()
		}
	}
}

var errSecondHandshake = fmt.Errorf("preprocessor: second handshake mid-stream")

func (p *PreProcessor) handlePacket(pkt wire.Packet, newSink func(string) (Sink, error)) error {
	switch pkt.Type {
	case wire.PacketHandShake:
		// A second handshake mid-stream (concatenated streams): stop
		// parsing and process what has been received (§4.4).
		return errSecondHandshake

	case wire.PacketOutputSettings:
		dir, err := decodeOutputSettings(pkt.Payload)
		if err != nil {
			return fmt.Errorf("preprocessor: OutputSettings: %w", err)
		}
		p.outputDir = dir
		sink, err := newSink(dir)
		if err != nil {
			return fmt.Errorf("preprocessor: open sink: %w", err)
		}
		p.sink = sink
		return sink.WriteHandshake(p.handshake)

	case wire.PacketProcessInfo:
		payload := fillZeroTimestamp(pkt.Payload)
		return p.forward(pkt.Type, payload)

	case wire.PacketNewLibrary:
		name, _, err := wire.GetString(wire.NativeByteOrder, pkt.Payload)
		if err != nil {
			return fmt.Errorf("preprocessor: NewLibrary: %w", err)
		}
		if name == "*" {
			// Disable sentinel; nothing to forward, no rescan needed.
			return nil
		}
		maps, err := scanProcMaps(p.pid)
		if err != nil {
			p.logger.Warn("preprocessor: /proc maps rescan failed", slog.Any("error", err))
			return nil
		}
		for _, mm := range maps {
			key := mm.Key()
			if _, known := p.knownMaps[key]; known {
				continue
			}
			p.knownMaps[key] = mm
			if err := p.forward(wire.PacketMemoryMap, encodeMemoryMap(mm)); err != nil {
				return err
			}
		}
		return nil

	case wire.PacketAttachment:
		name, n, err := wire.GetString(wire.NativeByteOrder, pkt.Payload)
		if err != nil {
			return fmt.Errorf("preprocessor: Attachment: %w", err)
		}
		path, _, err := wire.GetString(wire.NativeByteOrder, pkt.Payload[n:])
		if err != nil {
			return fmt.Errorf("preprocessor: Attachment: %w", err)
		}
		resolved := p.resolveAttachmentPath(path)
		if fi, err := os.Stat(resolved); err != nil {
			p.logger.Warn("preprocessor: attachment stat failed", slog.String("path", resolved), slog.Any("error", err))
		} else if fi.Size() == 0 {
			p.logger.Warn("preprocessor: attachment has zero size", slog.String("path", resolved))
		}
		return p.forward(pkt.Type, encodeAttachment(name, resolved))

	default:
		return p.forward(pkt.Type, pkt.Payload)
	}
}

func (p *PreProcessor) forward(pt wire.PacketType, payload []byte) error {
	if p.sink == nil {
		// OutputSettings hasn't arrived yet; nothing to forward to.
		return nil
	}
	return p.sink.WritePacket(pt, payload)
}

func (p *PreProcessor) resolveAttachmentPath(path string) string {
	if filepath.IsAbs(path) || p.outputDir == "" {
		return path
	}
	return filepath.Join(p.outputDir, path)
}

// decodeOutputSettings decodes the (output directory, post-processor
// command line) pair. The command line is consumed by the caller that
// spawns a post-processor child; the PreProcessor itself only needs the
// directory to open its own sink.
func decodeOutputSettings(b []byte) (string, error) {
	dir, _, err := wire.GetString(wire.NativeByteOrder, b)
	if err != nil {
		return "", err
	}
	return dir, nil
}

func encodeMemoryMap(mm model.MemoryMap) []byte {
	order := wire.NativeByteOrder
	head := make([]byte, 16)
	order.PutUint64(head[0:8], mm.From)
	order.PutUint64(head[8:16], mm.To)
	return append(head, wire.PutString(order, mm.Path)...)
}

func encodeAttachment(name, path string) []byte {
	order := wire.NativeByteOrder
	out := wire.PutString(order, name)
	return append(out, wire.PutString(order, path)...)
}

// fillZeroTimestamp rewrites a ProcessInfo payload's timestamp field in
// place when it is zero, per §4.4. The payload layout matches
// tracer.encodeProcessInfo: pid(4) ts(8) depth(4) name value(string).
func fillZeroTimestamp(payload []byte) []byte {
	if len(payload) < 16 {
		return payload
	}
	order := wire.NativeByteOrder
	ts := order.Uint64(payload[4:12])
	if ts != 0 {
		return payload
	}
	out := append([]byte(nil), payload...)
	order.PutUint64(out[4:12], uint64(time.Now().UnixMilli()))
	return out
}

// scanProcMaps reads /proc/<pid>/maps and returns one MemoryMap per
// executable segment with a backing path.
func scanProcMaps(pid int32) ([]model.MemoryMap, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.MemoryMap
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		perms := fields[1]
		if !strings.Contains(perms, "x") {
			continue
		}
		path := fields[5]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		from, err1 := strconv.ParseUint(rangeParts[0], 16, 64)
		to, err2 := strconv.ParseUint(rangeParts[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, model.MemoryMap{From: from, To: to, Path: path})
	}
	return out, sc.Err()
}
