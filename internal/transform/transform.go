// Package transform implements the TransformPipeline (§4.6): a fixed-order
// sequence of passes over an EventModel — backtrace-depth trim, resource-type
// filter, leak filter, index include/exclude, context filter, heap low/high
// scan, and resource-type visibility.
//
// Each pass is a small, independently testable function taking and returning
// an *model.EventModel, in the style of aclements-go-perf/scale's named
// constructors composed by a caller, rather than one monolithic method.
package transform

import (
	"fmt"
	"sort"

	"github.com/sp-rtrace/rtrace-go/internal/btindex"
	"github.com/sp-rtrace/rtrace-go/internal/model"
)

// SortOrder selects how compressed leak groups are ordered.
type SortOrder int

const (
	SortNone SortOrder = iota
	SortSizeAsc
	SortSizeDesc
	SortCountAsc
	SortCountDesc
)

// Options configures a single run of Pipeline.Run. Zero values disable the
// corresponding pass: TrimDepth <= 0 skips trimming, nil masks/sets skip
// filtering. Run does not group calls itself: Compress only sets
// model.FilterCompress on the result, and Sort is not read by Run (grouping
// and ordering are done by the Compress function).
type Options struct {
	TrimDepth int

	// ResourceTypeMask, when non-nil, keeps only calls/types whose id is in
	// the set (§4.6 step 2).
	ResourceTypeMask map[int]bool

	// LeakFilter enables the leak filter (§4.6 step 3).
	LeakFilter bool

	// IndexSet and IndexInclude implement §4.6 step 4: when IndexSet is
	// non-nil, IndexInclude selects keep-only-these vs drop-these semantics.
	IndexSet     map[uint64]bool
	IndexInclude bool

	// ContextMask, when non-nil (including the empty-but-non-nil zero mask),
	// implements §4.6 step 5.
	ContextMask *uint32

	// Compress marks the model as compressed; Sort is the order a caller
	// passes to the Compress function ("Leak sort and compression").
	Compress bool
	Sort     SortOrder
}

// Pipeline runs the TransformPipeline against one EventModel, coordinating
// with the BacktraceIndex so refcounts stay correct as calls are dropped.
type Pipeline struct {
	Index *btindex.Index
}

// New creates a Pipeline backed by idx. idx must be the same index the
// EventModel's Calls' Backtraces were interned into.
func New(idx *btindex.Index) *Pipeline {
	return &Pipeline{Index: idx}
}

// Run applies every enabled pass to m in the fixed §4.6 order and returns the
// transformed model. m is mutated in place; the returned pointer is m.
func (p *Pipeline) Run(m *model.EventModel, opts Options) *model.EventModel {
	if opts.TrimDepth > 0 {
		p.trimDepth(m, opts.TrimDepth)
	}
	if opts.ResourceTypeMask != nil {
		p.filterResourceTypes(m, opts.ResourceTypeMask)
	}
	if opts.LeakFilter {
		p.leakFilter(m)
	}
	if opts.IndexSet != nil {
		p.filterIndices(m, opts.IndexSet, opts.IndexInclude)
	}
	if opts.ContextMask != nil {
		p.filterContexts(m, *opts.ContextMask)
	}
	p.heapScan(m)
	p.markHiddenResourceType(m)

	if opts.Compress {
		m.FilterMask |= model.FilterCompress
	}
	if opts.LeakFilter {
		m.FilterMask |= model.FilterLeaks
	}
	return m
}

// trimDepth clamps every surviving Backtrace to at most d frames, in place
// (§4.6 step 1).
func (p *Pipeline) trimDepth(m *model.EventModel, d int) {
	seen := make(map[*model.Backtrace]bool)
	for _, c := range m.Calls {
		if c.Trace == nil || seen[c.Trace] {
			continue
		}
		seen[c.Trace] = true
		c.Trace.TrimDepth(d)
	}
}

// dropCall releases a dropped call's backtrace reference through the index
// so refcounts and interning stay correct; filterCalls removes the call
// from m.Calls.
func (p *Pipeline) dropCall(c *model.Call) {
	if c.Trace != nil && p.Index != nil {
		p.Index.Release(c.Trace, c.Index)
	}
}

func filterCalls(m *model.EventModel, keep func(*model.Call) bool, onDrop func(*model.Call)) {
	out := m.Calls[:0]
	for _, c := range m.Calls {
		if keep(c) {
			out = append(out, c)
		} else if onDrop != nil {
			onDrop(c)
		}
	}
	m.Calls = out
}

// filterResourceTypes removes calls whose resource type is not in mask, and
// removes resource-type records not in mask (§4.6 step 2).
func (p *Pipeline) filterResourceTypes(m *model.EventModel, mask map[int]bool) {
	filterCalls(m, func(c *model.Call) bool {
		return mask[c.ResType]
	}, p.dropCall)

	keptTypes := m.ResourceTypes[:0]
	for _, rt := range m.ResourceTypes {
		if mask[rt.ID] {
			keptTypes = append(keptTypes, rt)
		}
	}
	m.ResourceTypes = keptTypes
}

// leakKey identifies an in-flight allocation for the leak filter's auxiliary
// map (§4.6 "Leak filter").
type leakKey struct {
	resType int
	resID   uint64
}

type leakEntry struct {
	call     *model.Call
	refcount int
}

// leakFilter walks Calls in order, cancelling matched alloc/free pairs with
// reference-count-aware semantics exactly as described in §4.6.
func (p *Pipeline) leakFilter(m *model.EventModel) {
	live := make(map[leakKey]*leakEntry)
	drop := make(map[uint64]bool) // call index -> dropped

	for _, c := range m.Calls {
		key := leakKey{c.ResType, c.ResID}
		rt := m.ResourceTypeByID(c.ResType)
		refcounted := rt != nil && rt.Flags.Has(model.ResourceFlagRefcount)

		switch c.Kind {
		case model.CallAlloc:
			if e, ok := live[key]; ok && refcounted {
				e.refcount++
				drop[c.Index] = true
				continue
			}
			live[key] = &leakEntry{call: c, refcount: 1}

		case model.CallFree:
			if e, ok := live[key]; ok {
				e.refcount--
				if e.refcount <= 0 || !refcounted {
					drop[e.call.Index] = true
					delete(live, key)
				}
			}
			drop[c.Index] = true
		}
	}

	filterCalls(m, func(c *model.Call) bool {
		return !drop[c.Index]
	}, p.dropCall)
}

// filterIndices implements §4.6 step 4.
func (p *Pipeline) filterIndices(m *model.EventModel, set map[uint64]bool, include bool) {
	filterCalls(m, func(c *model.Call) bool {
		if include {
			return set[c.Index]
		}
		return !set[c.Index]
	}, p.dropCall)
}

// filterContexts keeps Calls whose context bitmask intersects mask, or, when
// mask is zero, whose own context is zero. A non-zero mask also drops the
// Context records whose id does not intersect it; a zero mask keeps all
// Context records (§4.6 step 5).
func (p *Pipeline) filterContexts(m *model.EventModel, mask uint32) {
	filterCalls(m, func(c *model.Call) bool {
		if mask == 0 {
			return c.Context == 0
		}
		return c.Context&mask != 0
	}, p.dropCall)

	if mask == 0 {
		return
	}
	keptContexts := m.Contexts[:0]
	for _, ctx := range m.Contexts {
		if ctx.ID&mask != 0 {
			keptContexts = append(keptContexts, ctx)
		}
	}
	m.Contexts = keptContexts
}

// heapScan recomputes HeapInfo.LowestBlock/HighestBlock from surviving alloc
// resource ids (§4.6 step 6).
func (p *Pipeline) heapScan(m *model.EventModel) {
	if m.Heap == nil {
		return
	}
	var lo, hi uint64
	found := false
	for _, c := range m.Calls {
		if c.Kind != model.CallAlloc {
			continue
		}
		if !found {
			lo, hi = c.ResID, c.ResID
			found = true
			continue
		}
		if c.ResID < lo {
			lo = c.ResID
		}
		if c.ResID > hi {
			hi = c.ResID
		}
	}
	if found {
		m.Heap.LowestBlock = lo
		m.Heap.HighestBlock = hi
	}
}

// markHiddenResourceType marks the sole remaining resource type hidden so
// the Writer omits its annotation (§4.6 step 7).
func (p *Pipeline) markHiddenResourceType(m *model.EventModel) {
	if len(m.ResourceTypes) != 1 {
		return
	}
	m.ResourceTypes[0].Hidden = true
}

// FilterLeaks returns a new EventModel holding m's ResourceTypes and Heap
// and only the calls that survive the leak filter (§4.6 step 3); m's other
// fields are not copied. It does not mutate m or release any Backtrace
// reference through a BacktraceIndex. Use this instead of a full Pipeline.Run
// when m aliases live decode state that must stay untouched — e.g.
// rtrace-server's gRPC ingestion path, which keeps running parser.Builder
// snapshots between PacketBatches.
func FilterLeaks(m *model.EventModel) *model.EventModel {
	cp := &model.EventModel{
		ResourceTypes: m.ResourceTypes,
		Heap:          m.Heap,
		Calls:         append([]*model.Call(nil), m.Calls...),
	}
	(&Pipeline{}).leakFilter(cp)
	return cp
}

// Aggregate is one compressed leak group: all surviving alloc Calls sharing
// an identical Backtrace ("Leak sort and compression").
type Aggregate struct {
	Trace     *model.Backtrace
	TotalSize uint64
	Count     int
	Calls     []*model.Call
}

// Compress groups m's surviving alloc Calls by Backtrace and orders the
// groups per order. Calls with a nil Backtrace form their own singleton
// group (one per call) so P6 (content preservation) still holds.
func Compress(m *model.EventModel, order SortOrder) []Aggregate {
	byTrace := make(map[*model.Backtrace]int) // Backtrace -> index into final
	var final []Aggregate

	for _, c := range m.Calls {
		if c.Kind != model.CallAlloc {
			continue
		}
		if c.Trace == nil {
			final = append(final, Aggregate{TotalSize: c.Size, Count: 1, Calls: []*model.Call{c}})
			continue
		}
		i, ok := byTrace[c.Trace]
		if !ok {
			i = len(final)
			byTrace[c.Trace] = i
			final = append(final, Aggregate{Trace: c.Trace})
		}
		final[i].TotalSize += c.Size
		final[i].Count++
		final[i].Calls = append(final[i].Calls, c)
	}

	switch order {
	case SortSizeAsc:
		sort.SliceStable(final, func(i, j int) bool { return final[i].TotalSize < final[j].TotalSize })
	case SortSizeDesc:
		sort.SliceStable(final, func(i, j int) bool { return final[i].TotalSize > final[j].TotalSize })
	case SortCountAsc:
		sort.SliceStable(final, func(i, j int) bool { return final[i].Count < final[j].Count })
	case SortCountDesc:
		sort.SliceStable(final, func(i, j int) bool { return final[i].Count > final[j].Count })
	}
	return final
}

// ParseIndexSet turns an already-decoded list of call indices (the
// include/exclude lists of §4.6 step 4) into a lookup set; duplicates
// collapse. It does no text parsing.
func ParseIndexSet(entries []uint64) map[uint64]bool {
	set := make(map[uint64]bool, len(entries))
	for _, e := range entries {
		set[e] = true
	}
	return set
}

// ErrNoHeapInfo is returned by callers that require HeapInfo to run the heap
// scan standalone (outside Pipeline.Run, which silently skips it per §4.6).
var ErrNoHeapInfo = fmt.Errorf("transform: event model has no HeapInfo")
