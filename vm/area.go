package vm

import "sync/atomic"

// Mode distinguishes a VMA whose node is exclusively owned (PRIVATE) from
// one shared copy-on-write with another address space (COW).
type Mode int

const (
	PRIVATE Mode = iota
	COW
)

// VmArea is an immutable-after-publish mapping of [Start, End) onto a
// VmNode. "Immutable" means the struct itself is never mutated once
// installed in a RangeMap; a logical update (e.g. the fault handler's COW
// split) always constructs a new VmArea and swaps it in, never edits this
// one in place. This is what lets search() hand out a bare pointer to a
// concurrent reader without any lock.
type VmArea struct {
	Start, End uintptr
	Mode       Mode
	Node       *VmNode

	deleted atomic.Bool
}

// newArea constructs a VmArea over node and bumps node's ref count. Callers
// publish it via a RangeMap SpanHandle; an area that never gets published
// must have release() called on it to undo the incref.
func newArea(start, end uintptr, mode Mode, node *VmNode) *VmArea {
	node.incref()
	return &VmArea{Start: start, End: end, Mode: mode, Node: node}
}

// release drops this VMA's reference on its node. Called once by whichever
// path is responsible for retiring the VMA: either the epoch reclaimer
// (for a VMA that was successfully published and later replaced/removed)
// or the constructing call site directly (for one that was never
// published at all, e.g. losing a race).
func (v *VmArea) release() { v.Node.decref() }

// Deleted reports whether this VMA has been logically removed from its
// RangeMap. A fault in flight against a VMA it already looked up checks
// this after acquiring the PTE lock to detect a race against a concurrent
// remove/replace.
func (v *VmArea) Deleted() bool { return v.deleted.Load() }

func (v *VmArea) markDeleted() { v.deleted.Store(true) }

// Len reports the VMA's byte extent.
func (v *VmArea) Len() uintptr { return v.End - v.Start }

// Contains reports whether va falls within [Start, End).
func (v *VmArea) Contains(va uintptr) bool { return va >= v.Start && va < v.End }

// Overlaps reports whether [start, end) intersects [Start, End).
func (v *VmArea) Overlaps(start, end uintptr) bool {
	return v.Start < end && start < v.End
}
