package vm

import (
	"sync"

	"github.com/google/btree"
)

// RangeMap is the concurrent, span-locked, range-keyed map of VMAs spec.md
// §4.3 describes: entries are non-overlapping VmAreas ordered by Start,
// held in a google/btree.BTreeG rather than a plain slice so a growing
// address space doesn't pay an O(n) splice on every insert or remove.
// Reads (Search) take only a brief RWMutex read-lock to copy out a pointer
// and never block a writer for longer than that; writers (SearchLock)
// exclude only other writers whose span overlaps theirs, and the VMAs they
// displace are torn down through the Reclaimer rather than freed under the
// lock, so a long-running fault holding a stale pointer is never racing a
// use-after-free — only racing the Deleted() flag, which it must check
// itself (see fault.go step 11).
type RangeMap struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*VmArea] // ordered by Start, pairwise non-overlapping

	spans spanLocker
	rec   *Reclaimer
}

func vmaLess(a, b *VmArea) bool { return a.Start < b.Start }

// btreeDegree is the branching factor handed to btree.NewG. 32 matches the
// degree google/btree's own benchmarks settle on for pointer-sized items.
const btreeDegree = 32

// NewRangeMap returns an empty RangeMap whose removed VMAs are retired
// through rec.
func NewRangeMap(rec *Reclaimer) *RangeMap {
	m := &RangeMap{rec: rec, tree: btree.NewG(btreeDegree, vmaLess)}
	m.spans.cond = sync.NewCond(&m.spans.mu)
	return m
}

// overlapping returns every entry intersecting [start, end), in ascending
// Start order. Because entries are pairwise non-overlapping, at most one
// entry starting before start can intersect it — the immediate
// predecessor — so a DescendLessOrEqual probe plus an AscendRange over
// [start, end) is enough; no full-tree walk is needed. Callers must hold
// at least mu.RLock.
func (m *RangeMap) overlapping(start, end uintptr) []*VmArea {
	var out []*VmArea
	pivot := &VmArea{Start: start}
	m.tree.DescendLessOrEqual(pivot, func(item *VmArea) bool {
		if item.End > start {
			out = append(out, item)
		}
		return false
	})
	m.tree.AscendRange(pivot, &VmArea{Start: end}, func(item *VmArea) bool {
		if len(out) > 0 && out[0] == item {
			return true
		}
		out = append(out, item)
		return true
	})
	return out
}

// Search performs a lock-free-for-the-caller lookup of the VMA overlapping
// [start, end), if any. The returned pointer remains a valid Go object
// indefinitely (ordinary GC-managed memory); what the caller must not do
// without its own Reclaimer.Enter/Exit bracket spanning the access is
// treat the VMA's Node as live once Search's own brief lock has released —
// see fault.go and AddressSpace.CopyOut, the callers that hold a node's
// pages open across a potentially slow operation (allocation, file I/O).
func (m *RangeMap) Search(start, end uintptr) (*VmArea, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := m.overlapping(start, end)
	if len(cur) == 0 {
		return nil, false
	}
	v := cur[0]
	if v.Deleted() {
		return nil, false
	}
	return v, true
}

// Snapshot returns a copy of every live VMA currently in the map, in
// ascending Start order. Used by AddressSpace.Copy to iterate the parent's
// mappings without holding any lock while it clones or re-publishes each
// one.
func (m *RangeMap) Snapshot() []*VmArea {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*VmArea, 0, m.tree.Len())
	m.tree.Ascend(func(v *VmArea) bool {
		if !v.Deleted() {
			out = append(out, v)
		}
		return true
	})
	return out
}

// SpanHandle represents exclusive ownership of [start, end) against every
// other SpanHandle overlapping it (but not against Search). Exactly one of
// Replace or Abort must be called to release it.
type SpanHandle struct {
	m        *RangeMap
	start    uintptr
	end      uintptr
	covered  []*VmArea
	unlocked bool
}

// SearchLock acquires exclusive ownership of [start, end) against other
// span-lock holders and returns the VMAs currently within it.
func (m *RangeMap) SearchLock(start, end uintptr) *SpanHandle {
	m.spans.lock(start, end)
	m.mu.RLock()
	covered := m.overlapping(start, end)
	m.mu.RUnlock()
	return &SpanHandle{m: m, start: start, end: end, covered: covered}
}

// Areas returns the VMAs that were within the span at acquisition time.
func (h *SpanHandle) Areas() []*VmArea { return h.covered }

// Abort releases the span lock without mutating the map, for callers that
// decide not to replace after inspecting Areas.
func (h *SpanHandle) Abort() { h.unlock() }

// Replace atomically marks every VMA covered by the span deleted, installs
// newArea in their place (or nothing, if newArea is nil), and schedules
// the displaced VMAs for epoch-deferred release. It returns false if the
// span's contents no longer match what SearchLock observed — only
// possible if a caller bypasses the span lock's own exclusivity guarantee,
// kept as a defensive check mirroring spec.md's replace_vma race-loss
// return. Replace always releases the span lock, whether it succeeds or not.
func (h *SpanHandle) Replace(newArea *VmArea) bool {
	defer h.unlock()
	m := h.m
	m.mu.Lock()
	cur := m.overlapping(h.start, h.end)
	if !sameSet(cur, h.covered) {
		m.mu.Unlock()
		return false
	}
	for _, v := range cur {
		v.markDeleted()
		m.tree.Delete(v)
	}
	if newArea != nil {
		m.tree.ReplaceOrInsert(newArea)
	}
	m.mu.Unlock()

	for _, v := range cur {
		victim := v
		m.rec.Defer(func() { victim.release() })
	}
	return true
}

func (h *SpanHandle) unlock() {
	if !h.unlocked {
		h.unlocked = true
		h.m.spans.unlock(h.start, h.end)
	}
}

func sameSet(a, b []*VmArea) bool {
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

// spanLocker serializes SearchLock callers whose [start, end) ranges
// overlap, while letting disjoint spans proceed fully in parallel. A plain
// sync.Mutex here would serialize every writer regardless of locality;
// this small interval-wait list is the minimum needed to honor spec.md's
// "blocks other search_lock callers with overlapping spans, never blocks
// readers" contract.
type spanLocker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active []interval
}

type interval struct{ start, end uintptr }

func (s *spanLocker) lock(start, end uintptr) {
	s.mu.Lock()
	for s.overlapsActive(start, end) {
		s.cond.Wait()
	}
	s.active = append(s.active, interval{start, end})
	s.mu.Unlock()
}

func (s *spanLocker) unlock(start, end uintptr) {
	s.mu.Lock()
	for i, iv := range s.active {
		if iv.start == start && iv.end == end {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *spanLocker) overlapsActive(start, end uintptr) bool {
	for _, iv := range s.active {
		if iv.start < end && start < iv.end {
			return true
		}
	}
	return false
}
