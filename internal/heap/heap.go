// Package heap implements a first-fit sub-allocator over a fixed range.
//
// Intervals are either free or in use. An in-use interval may carry a
// [Gate]; once the gate signals, the interval is released automatically and
// merged with its free neighbours. Intervals without a gate stay in use
// until [Heap.Free] is called.
//
// The same allocator serves the per-channel scratch region (gated by
// fences) and the GPU address spaces of the software kernels (ungated).
//
// A Heap is not safe for concurrent use.
package heap

import (
	"errors"
	"fmt"
	"sort"
)

// Errors returned by the heap.
var (
	// ErrNoSpace is returned when no free or reclaimable interval is large enough.
	ErrNoSpace = errors.New("heap: no space")

	// ErrInvalidSize is returned for zero-sized requests.
	ErrInvalidSize = errors.New("heap: invalid size")
)

// Gate gates reuse of an interval.
type Gate interface {
	// Signalled reports whether the gated work has completed.
	Signalled() bool

	// OnSignal registers fn to run once the gate signals. If the gate has
	// already signalled, fn runs immediately.
	OnSignal(fn func())
}

// Interval is a contiguous range of the heap.
type Interval struct {
	Start uint64
	Size  uint64
	InUse bool

	// Priv is the owner payload.
	Priv any

	gate Gate
	gen  uint64
}

// End returns the first offset past the interval.
func (iv *Interval) End() uint64 { return iv.Start + iv.Size }

// Gate returns the gate guarding the interval, or nil.
func (iv *Interval) Gate() Gate { return iv.gate }

// String implements fmt.Stringer.
func (iv *Interval) String() string {
	if iv == nil {
		return "<nil>"
	}
	state := "free"
	if iv.InUse {
		state = "used"
	}
	return fmt.Sprintf("[%#x+%#x %s]", iv.Start, iv.Size, state)
}

// Heap is a fixed-size range carved into intervals sorted by start.
type Heap struct {
	start uint64
	size  uint64
	list  []*Interval
	gen   uint64

	// onRelease runs just before a gated interval is returned to the free list.
	onRelease func(*Interval)
}

// New creates a heap covering [start, start+size) as one free interval.
func New(start, size uint64) *Heap {
	h := &Heap{start: start, size: size}
	if size > 0 {
		h.list = []*Interval{{Start: start, Size: size}}
	}
	return h
}

// SetReleaseHook installs fn to run when a gated interval is released,
// before it rejoins the free list. Priv is still set when fn runs.
func (h *Heap) SetReleaseHook(fn func(*Interval)) {
	h.onRelease = fn
}

// Start returns the first offset of the heap.
func (h *Heap) Start() uint64 { return h.start }

// Size returns the total heap size. It never changes.
func (h *Heap) Size() uint64 { return h.size }

// Alloc returns the first interval that can hold size bytes at the given
// alignment. Candidates are free intervals and in-use intervals whose gate
// has already signalled; the latter are reclaimed in place.
//
// When gate is non-nil, the interval is released automatically once the
// gate signals.
func (h *Heap) Alloc(size, align uint64, gate Gate, priv any) (*Interval, error) {
	if size == 0 {
		return nil, ErrInvalidSize
	}
	if align == 0 {
		align = 1
	}

	// Querying a gate may run callbacks that release intervals, so every
	// gate is sampled before the list is walked.
	reclaimable := h.sampleGates()

	for i := 0; i < len(h.list); i++ {
		iv := h.list[i]
		if iv.InUse && !reclaimable[iv] {
			continue
		}
		aligned := alignUp(iv.Start, align)
		if aligned+size > iv.End() {
			continue
		}
		if iv.InUse {
			h.reclaim(iv)
		}
		if aligned > iv.Start {
			lead := &Interval{Start: iv.Start, Size: aligned - iv.Start}
			iv.Start = aligned
			iv.Size -= lead.Size
			h.insertAt(i, lead)
			i++
		}
		if iv.Size > size {
			tail := &Interval{Start: iv.Start + size, Size: iv.Size - size}
			iv.Size = size
			h.insertAt(i+1, tail)
		}
		h.gen++
		iv.InUse = true
		iv.Priv = priv
		iv.gate = gate
		iv.gen = h.gen
		h.coalesce()
		if gate != nil {
			gen := iv.gen
			gate.OnSignal(func() { h.release(iv, gen) })
		}
		return iv, nil
	}
	return nil, ErrNoSpace
}

// Free releases an interval. It is used for ungated intervals; gated
// intervals are released by their gate.
func (h *Heap) Free(iv *Interval) {
	if iv == nil || !iv.InUse {
		return
	}
	h.release(iv, iv.gen)
}

// MaxReclaimable returns the largest contiguous run of intervals that are
// free or will become free once their gates signal. A request larger than
// this can never be satisfied by waiting.
func (h *Heap) MaxReclaimable() uint64 {
	var best, run uint64
	for _, iv := range h.list {
		if iv.InUse && iv.gate == nil {
			run = 0
			continue
		}
		run += iv.Size
		if run > best {
			best = run
		}
	}
	return best
}

// Find returns the in-use interval containing addr, or nil.
func (h *Heap) Find(addr uint64) *Interval {
	i := sort.Search(len(h.list), func(i int) bool { return h.list[i].End() > addr })
	if i == len(h.list) {
		return nil
	}
	iv := h.list[i]
	if !iv.InUse || addr < iv.Start {
		return nil
	}
	return iv
}

// Intervals calls fn for every interval in address order.
func (h *Heap) Intervals(fn func(*Interval)) {
	for _, iv := range append([]*Interval(nil), h.list...) {
		fn(iv)
	}
}

// Stats describes heap occupancy.
type Stats struct {
	Size        uint64
	Used        uint64
	Free        uint64
	LargestFree uint64
	Intervals   int
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("Heap: %d/%d bytes used, largest free %d, %d intervals",
		s.Used, s.Size, s.LargestFree, s.Intervals)
}

// Stats returns current occupancy.
func (h *Heap) Stats() Stats {
	s := Stats{Size: h.size, Intervals: len(h.list)}
	for _, iv := range h.list {
		if iv.InUse {
			s.Used += iv.Size
			continue
		}
		s.Free += iv.Size
		if iv.Size > s.LargestFree {
			s.LargestFree = iv.Size
		}
	}
	return s
}

func (h *Heap) sampleGates() map[*Interval]bool {
	var gated []*Interval
	for _, iv := range h.list {
		if iv.InUse && iv.gate != nil {
			gated = append(gated, iv)
		}
	}
	if len(gated) == 0 {
		return nil
	}
	signalled := make(map[Gate]bool, len(gated))
	for _, iv := range gated {
		g := iv.gate
		if g == nil {
			continue
		}
		if _, seen := signalled[g]; !seen {
			signalled[g] = g.Signalled()
		}
	}
	out := make(map[*Interval]bool)
	for _, iv := range h.list {
		if iv.InUse && iv.gate != nil && signalled[iv.gate] {
			out[iv] = true
		}
	}
	return out
}

// reclaim takes over an in-use interval whose gate has signalled but whose
// release callback has not run yet. The stale callback is disarmed by the
// generation bump in Alloc.
func (h *Heap) reclaim(iv *Interval) {
	if h.onRelease != nil {
		h.onRelease(iv)
	}
	iv.InUse = false
	iv.Priv = nil
	iv.gate = nil
}

func (h *Heap) release(iv *Interval, gen uint64) {
	if !iv.InUse || iv.gen != gen {
		return
	}
	if iv.gate != nil && h.onRelease != nil {
		h.onRelease(iv)
	}
	iv.InUse = false
	iv.Priv = nil
	iv.gate = nil
	h.coalesce()
}

// coalesce merges adjacent free intervals.
func (h *Heap) coalesce() {
	out := h.list[:0]
	for _, iv := range h.list {
		if n := len(out); n > 0 && !iv.InUse && !out[n-1].InUse {
			out[n-1].Size += iv.Size
			continue
		}
		out = append(out, iv)
	}
	for i := len(out); i < len(h.list); i++ {
		h.list[i] = nil
	}
	h.list = out
}

func (h *Heap) insertAt(i int, iv *Interval) {
	h.list = append(h.list, nil)
	copy(h.list[i+1:], h.list[i:])
	h.list[i] = iv
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
