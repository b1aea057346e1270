// Package writer emits the canonical sp-rtrace text form (§4.5, §4.7) from
// an in-memory EventModel. The text grammar it produces is exactly what
// internal/parser accepts, so parse(write(m)) is a fixed point (P3).
//
// Buffering follows internal/audit's sequential-append style: a bufio.Writer
// wraps the destination and is flushed once at the end of Write, rather than
// per line.
package writer

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/sp-rtrace/rtrace-go/internal/model"
	"github.com/sp-rtrace/rtrace-go/internal/transform"
)

// Options configures the text rendering. Compress, when true, groups
// surviving alloc calls per backtrace and emits one summary record per
// group instead of one record per call (§4.6 "Leak sort and compression",
// §4.7).
type Options struct {
	Compress bool
	Order    transform.SortOrder
}

// Write renders m to w in the canonical text form.
func Write(w io.Writer, m *model.EventModel, opts Options) error {
	bw := bufio.NewWriter(w)

	if err := writeHeader(bw, m, opts); err != nil {
		return err
	}
	if err := writeMaps(bw, m); err != nil {
		return err
	}
	if err := writeContexts(bw, m); err != nil {
		return err
	}
	if err := writeResourceTypes(bw, m); err != nil {
		return err
	}

	if opts.Compress {
		if err := writeCompressed(bw, m, opts.Order); err != nil {
			return err
		}
	} else {
		if err := writeCalls(bw, m); err != nil {
			return err
		}
	}

	if err := writeAttachments(bw, m); err != nil {
		return err
	}

	return bw.Flush()
}

func writeHeader(bw *bufio.Writer, m *model.EventModel, opts Options) error {
	h := m.Handshake
	fields := make([]string, 0, 8)
	if h != nil {
		fields = append(fields, fmt.Sprintf("version=%d.%d", h.VersionMajor, h.VersionMinor))
		fields = append(fields, fmt.Sprintf("arch=%s", h.Arch))
	}
	if m.Process != nil {
		if !m.Process.Timestamp.IsZero() {
			fields = append(fields, fmt.Sprintf("timestamp=%s", m.Process.Timestamp.Format("2006-01-02 15:04:05")))
		}
		fields = append(fields, fmt.Sprintf("process=%s", m.Process.Name))
		fields = append(fields, fmt.Sprintf("pid=%d", m.Process.PID))
	}

	mask := m.FilterMask
	if opts.Compress {
		mask |= model.FilterCompress
	}
	if filter := filterString(mask); filter != "" {
		fields = append(fields, fmt.Sprintf("filter=%s", filter))
	}
	fields = append(fields, fmt.Sprintf("backtrace depth=%d", m.BacktraceDepth))
	if m.Process != nil && m.Process.Origin != "" {
		fields = append(fields, fmt.Sprintf("origin=%s", m.Process.Origin))
	}

	for _, f := range fields {
		if _, err := fmt.Fprintf(bw, "%s, ", f); err != nil {
			return err
		}
	}
	_, err := bw.WriteString("\n")
	return err
}

func filterString(mask model.FilterFlag) string {
	var parts []string
	if mask.Has(model.FilterLeaks) {
		parts = append(parts, "leaks")
	}
	if mask.Has(model.FilterCompress) {
		parts = append(parts, "compress")
	}
	if mask.Has(model.FilterResolve) {
		parts = append(parts, "resolve")
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

func writeMaps(bw *bufio.Writer, m *model.EventModel) error {
	for _, mm := range m.Maps {
		if _, err := fmt.Fprintf(bw, ": %s => 0x%x-0x%x\n", mm.Path, mm.From, mm.To); err != nil {
			return err
		}
	}
	return nil
}

func writeContexts(bw *bufio.Writer, m *model.EventModel) error {
	for _, c := range m.Contexts {
		if _, err := fmt.Fprintf(bw, "@ %x : %s\n", c.ID, c.Name); err != nil {
			return err
		}
	}
	return nil
}

func writeResourceTypes(bw *bufio.Writer, m *model.EventModel) error {
	for _, rt := range m.ResourceTypes {
		if rt.Hidden {
			continue
		}
		flags := ""
		if rt.Flags.Has(model.ResourceFlagRefcount) {
			flags = " [refcount]"
		}
		if _, err := fmt.Fprintf(bw, "<<%x>> : %s (%s)%s\n", rt.ID, rt.Tag, rt.Desc, flags); err != nil {
			return err
		}
	}
	return nil
}

// commentsByIndex groups comments by the call index they immediately
// precede in the original stream (§3: "re-emitted immediately before the
// call with index associated_index + 1").
func commentsByIndex(m *model.EventModel) map[uint64][]model.Comment {
	out := make(map[uint64][]model.Comment)
	for _, c := range m.Comments {
		out[c.AssociatedIndex+1] = append(out[c.AssociatedIndex+1], c)
	}
	return out
}

func writeCalls(bw *bufio.Writer, m *model.EventModel) error {
	comments := commentsByIndex(m)
	for _, c := range m.Calls {
		for _, cm := range comments[c.Index] {
			if _, err := fmt.Fprintf(bw, "%s\n", cm.Text); err != nil {
				return err
			}
		}
		if err := writeCallRecord(bw, m, c); err != nil {
			return err
		}
	}
	return nil
}

func writeCallRecord(bw *bufio.Writer, m *model.EventModel, c *model.Call) error {
	var ctxPrefix, timePrefix string
	if c.Context != 0 {
		ctxPrefix = fmt.Sprintf("@%x ", c.Context)
	}
	if c.HasTime {
		timePrefix = c.Time.Format("15:04:05.000") + " "
	}

	typeAnnotation := ""
	if rt := m.ResourceTypeByID(c.ResType); rt != nil && !rt.Hidden {
		typeAnnotation = "<" + rt.Tag + ">"
	}

	var line string
	if c.Kind == model.CallAlloc {
		line = fmt.Sprintf("%d. %s%s%s%s(%d) = 0x%x", c.Index, ctxPrefix, timePrefix, c.Name, typeAnnotation, c.Size, c.ResID)
	} else {
		line = fmt.Sprintf("%d. %s%s%s%s(0x%x)", c.Index, ctxPrefix, timePrefix, c.Name, typeAnnotation, c.ResID)
	}
	if _, err := fmt.Fprintf(bw, "%s\n", line); err != nil {
		return err
	}

	if c.Args != nil {
		for _, a := range c.Args.Args {
			if _, err := fmt.Fprintf(bw, "\t$%s = %s\n", a.Name, a.Value); err != nil {
				return err
			}
		}
	}
	if c.Trace != nil {
		if err := writeBacktrace(bw, c.Trace); err != nil {
			return err
		}
	}
	return nil
}

func writeBacktrace(bw *bufio.Writer, bt *model.Backtrace) error {
	for i, addr := range bt.Frames {
		resolved := ""
		if i < len(bt.Symbols) && bt.Symbols[i] != "" {
			resolved = " " + bt.Symbols[i]
		}
		if _, err := fmt.Fprintf(bw, "\t0x%x%s\n", addr, resolved); err != nil {
			return err
		}
	}
	return nil
}

func writeAttachments(bw *bufio.Writer, m *model.EventModel) error {
	for _, a := range m.Attachments {
		if _, err := fmt.Fprintf(bw, "& %s : %s\n", a.Name, a.Path); err != nil {
			return err
		}
	}
	return nil
}

func writeCompressed(bw *bufio.Writer, m *model.EventModel, order transform.SortOrder) error {
	aggs := transform.Compress(m, order)
	for _, agg := range aggs {
		if _, err := fmt.Fprintf(bw, "# allocation summary: %d block(s) with total size %d\n", agg.Count, agg.TotalSize); err != nil {
			return err
		}
		rep := representativeCall(agg)
		if rep == nil {
			continue
		}
		if err := writeCallRecord(bw, m, rep); err != nil {
			return err
		}
	}
	return nil
}

// representativeCall returns the lowest-index call in agg, used to print
// the grouped record's name/context/type annotation.
func representativeCall(agg transform.Aggregate) *model.Call {
	if len(agg.Calls) == 0 {
		return nil
	}
	calls := append([]*model.Call(nil), agg.Calls...)
	sort.Slice(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })
	return calls[0]
}
