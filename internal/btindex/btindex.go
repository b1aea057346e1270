// Package btindex implements the BacktraceIndex (§4.3): a content-addressed,
// reference-counted table that interns Backtraces so that every Call
// referencing the identical frame sequence shares one *model.Backtrace.
//
// The table shape — a hash bucket list with a caller-supplied equality
// check rather than a bare Go map keyed by a converted string — mirrors
// original_source/src/common/htable.c, which this package is grounded on;
// the concurrency guard around it mirrors the sync.Map-protected registries
// in the teacher's websocket.Broadcaster.
package btindex

import "github.com/sp-rtrace/rtrace-go/internal/model"

// Index is the BacktraceIndex. The zero value is not usable; create one with
// New. Index is safe for concurrent use.
type Index struct {
	mu      chan struct{} // 1-buffered channel used as a lightweight mutex
	buckets map[uint64][]*model.Backtrace
	size    int
}

// New creates an empty BacktraceIndex.
func New() *Index {
	idx := &Index{
		mu:      make(chan struct{}, 1),
		buckets: make(map[uint64][]*model.Backtrace),
	}
	idx.mu <- struct{}{}
	return idx
}

func (idx *Index) lock()   { <-idx.mu }
func (idx *Index) unlock() { idx.mu <- struct{}{} }

// Len returns the number of distinct backtraces currently interned.
func (idx *Index) Len() int {
	idx.lock()
	defer idx.unlock()
	return idx.size
}

// hash computes a cheap xor-shift fold over the frame bytes (§4.3: "quality
// need not be cryptographic, only collision-tolerant for realistic stacks").
func hash(frames []uint64) uint64 {
	var h uint64 = 0xcbf29ce484222325
	for _, f := range frames {
		h ^= f
		h ^= h << 13
		h ^= h >> 7
		h ^= h << 17
		h *= 1099511628211
	}
	return h
}

func framesEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Intern inserts bt, associating it with the referring call index call.
//
// If an equivalent backtrace (identical Frames, §4.3) is already interned,
// bt is discarded, the existing backtrace's refcount is incremented, call is
// recorded against it, and the existing backtrace is returned. If the
// existing backtrace lacks resolved Symbols and bt has them for the same
// addresses, the existing backtrace is upgraded with bt's Symbols (§4.3:
// "addresses govern").
//
// Otherwise bt is stored with refcount 1 and returned unchanged.
func (idx *Index) Intern(bt *model.Backtrace, call uint64) *model.Backtrace {
	h := hash(bt.Frames)

	idx.lock()
	defer idx.unlock()

	for _, existing := range idx.buckets[h] {
		if framesEqual(existing.Frames, bt.Frames) {
			if len(existing.Symbols) == 0 && len(bt.Symbols) > 0 {
				existing.Symbols = bt.Symbols
			}
			existing.Ref(call)
			return existing
		}
	}

	idx.buckets[h] = append(idx.buckets[h], bt)
	idx.size++
	bt.Ref(call)
	return bt
}

// Release decrements bt's reference count for the given call index. When the
// refcount reaches zero, bt is removed from the index (and its resolved-name
// strings become eligible for garbage collection, §4.3).
func (idx *Index) Release(bt *model.Backtrace, call uint64) {
	idx.lock()
	defer idx.unlock()

	if !bt.Unref(call) {
		return
	}

	h := hash(bt.Frames)
	bucket := idx.buckets[h]
	for i, existing := range bucket {
		if existing == bt {
			bucket = append(bucket[:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				delete(idx.buckets, h)
			} else {
				idx.buckets[h] = bucket
			}
			idx.size--
			return
		}
	}
}

// Lookup returns the interned backtrace with identical frames, if any, and
// whether it was found.
func (idx *Index) Lookup(frames []uint64) (*model.Backtrace, bool) {
	h := hash(frames)
	idx.lock()
	defer idx.unlock()
	for _, existing := range idx.buckets[h] {
		if framesEqual(existing.Frames, frames) {
			return existing, true
		}
	}
	return nil, false
}

// All returns every currently interned backtrace. The returned slice is a
// snapshot; mutating it does not affect the index.
func (idx *Index) All() []*model.Backtrace {
	idx.lock()
	defer idx.unlock()
	out := make([]*model.Backtrace, 0, idx.size)
	for _, bucket := range idx.buckets {
		out = append(out, bucket...)
	}
	return out
}
