// Package vm implements vmkern's per-process virtual memory subsystem: a
// concurrent range-keyed map of VMAs, copy-on-write page-frame backing
// objects, and a lock-free page fault handler, all operating across CPUs
// without a per-address-space mutex. Grounded on the teacher's vm and mem
// packages, generalized from their single Vm_t.Lock_pmap discipline to the
// epoch-based, CAS-driven scheme spec.md §4-§5 calls for.
package vm

import (
	"sync/atomic"

	"vmkern/backing"
	"vmkern/bounds"
	"vmkern/errs"
	"vmkern/mmu"
	"vmkern/pgalloc"
	"vmkern/res"
	"vmkern/util"
)

// NodeType distinguishes a VmNode whose pages are populated up front from
// one whose pages are populated lazily from backing on first fault.
type NodeType int

const (
	EAGER NodeType = iota
	ONDEMAND
)

// NodeMaxPages caps a single VmNode's extent, matching spec.md's NODE_MAX_PAGES
// ceiling. A package variable rather than a const so tests can shrink it to
// exercise the OutOfCapacity path without allocating a huge node.
var NodeMaxPages = 1 << 20

// Backing names the file region a demand-loaded VmNode reads from.
type Backing struct {
	File   backing.File
	Offset int64
	Size   int64
}

// VmNode is the page-frame backing object VMAs point at. Pages are
// exclusively owned by the node (spec.md §3.2): a page is never shared
// directly between two nodes, only whole nodes are shared between VMAs
// (COW) or cloned (private fork). ref counts the live VmAreas pointing at
// this node; it starts at zero; VmArea construction is what bumps it to one.
type VmNode struct {
	npages  int
	pages   []atomic.Pointer[pgalloc.Frame]
	typ     NodeType
	backing *Backing
	ref     atomic.Int32
	alloc   pgalloc.Allocator
}

// New allocates a VmNode of npages pages. For an EAGER node with backing, New
// also performs the initial alloc_pages + demand_load so the node is fully
// populated before any VMA points at it; callers wanting lazy population
// should use ONDEMAND instead.
func New(npages int, typ NodeType, back *Backing, alloc pgalloc.Allocator) (*VmNode, errs.Err_t) {
	if npages <= 0 {
		errs.Fatal("vmnode.New: non-positive page count")
	}
	if npages > NodeMaxPages {
		return nil, errs.ENODECAP
	}
	n := &VmNode{
		npages:  npages,
		pages:   make([]atomic.Pointer[pgalloc.Frame], npages),
		typ:     typ,
		backing: back,
		alloc:   alloc,
	}
	if typ == EAGER {
		if err := n.AllocPages(); err != 0 {
			n.freeAllocatedPages()
			return nil, err
		}
		if err := n.DemandLoad(); err != 0 {
			n.freeAllocatedPages()
			return nil, err
		}
	}
	return n, 0
}

// NPages reports the node's page count.
func (n *VmNode) NPages() int { return n.npages }

// Type reports whether the node is populated eagerly or on first fault.
func (n *VmNode) Type() NodeType { return n.typ }

// RefCount reports the number of live VmAreas pointing at n. Used by the
// fault handler's assertion that a PRIVATE node is unshared and by tests
// asserting the VmArea-construction/destruction invariant.
func (n *VmNode) RefCount() int32 { return n.ref.Load() }

func (n *VmNode) incref() { n.ref.Add(1) }

// decref drops one reference; at zero the node frees every allocated frame
// and closes its backing file, matching the teacher's Refdown-triggers-free
// discipline in mem/mem.go.
func (n *VmNode) decref() {
	if n.ref.Add(-1) == 0 {
		n.destroy()
	}
}

// freeAllocatedPages returns every currently-populated page slot to n's
// allocator and clears the slot. Used to unwind a node under construction
// (New, Clone) when a later step fails, so an allocation failure doesn't
// also leak the frames an earlier step already took from the free list —
// exactly the kind of compounding an OOM path must not cause.
func (n *VmNode) freeAllocatedPages() {
	for i := range n.pages {
		if fp := n.pages[i].Load(); fp != nil {
			n.alloc.FreeFrame(*fp)
			n.pages[i].Store(nil)
		}
	}
}

func (n *VmNode) destroy() {
	freed := 0
	for i := range n.pages {
		if fp := n.pages[i].Load(); fp != nil {
			n.alloc.FreeFrame(*fp)
			freed++
		}
	}
	if n.backing != nil {
		n.backing.File.Close()
	}
	errs.Klog("vmnode destroyed: %d/%d pages freed", freed, n.npages)
}

// HasPage reports whether page index i has been allocated.
func (n *VmNode) HasPage(i int) bool {
	return n.pages[i].Load() != nil
}

// Page returns a pointer to page index i's frame, or nil if unallocated.
func (n *VmNode) Page(i int) *pgalloc.Frame {
	return n.pages[i].Load()
}

// AllocPages fills every still-null page slot from the node's allocator.
// Concurrent callers racing on the same node (e.g. two faulting threads
// sharing a COW node before the split, or a clone racing the original's
// lazy population) CAS-publish independently: the loser's speculative
// allocation is freed rather than leaked, matching mem/mem.go's
// CAS-publish-once discipline for page table nodes.
func (n *VmNode) AllocPages() errs.Err_t {
	for i := 0; i < n.npages; i++ {
		if n.pages[i].Load() != nil {
			continue
		}
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_VMNODE_ALLOC_PAGES)) {
			return errs.ENOHEAP
		}
		f, ok := n.alloc.AllocFrame()
		if !ok {
			return errs.ENOMEM
		}
		fp := &f
		if !n.pages[i].CompareAndSwap(nil, fp) {
			n.alloc.FreeFrame(f)
		}
	}
	return 0
}

// DemandLoad reads the node's backing region into its allocated pages. A
// node with no backing (anonymous memory) is a no-op success. Tail bytes
// beyond backing.Size are left as the zero-fill AllocPages already gave
// them, matching mem/mem.go's page-cache-miss read-then-zero-tail pattern.
func (n *VmNode) DemandLoad() errs.Err_t {
	if n.backing == nil {
		return 0
	}
	remaining := n.backing.Size
	off := n.backing.Offset
	for i := 0; i < n.npages && remaining > 0; i++ {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_VMNODE_DEMAND_LOAD)) {
			return errs.ENOHEAP
		}
		fp := n.pages[i].Load()
		if fp == nil {
			errs.Fatal("demand_load: page not allocated")
		}
		want := util.Min(mmu.PageSize, int(remaining))
		got, err := n.backing.File.ReadAt((*fp)[:want], off)
		if err != nil || got != want {
			return errs.EIO
		}
		off += int64(got)
		remaining -= int64(got)
	}
	return 0
}

// Clone deep-copies every populated page into a fresh node with its own
// backing-file handle (duplicated, not shared, so each copy seeks
// independently). A node whose pages are still entirely unpopulated (the
// lazy ONDEMAND case) clones cheaply: the copy inherits the same backing
// region and populates itself from scratch on its own first fault. The
// returned node's ref starts at zero; wrapping it in a VmArea is what
// publishes it.
func (n *VmNode) Clone() (*VmNode, errs.Err_t) {
	back := n.backing
	if back != nil {
		dup, err := back.File.Dup()
		if err != nil {
			return nil, errs.EIO
		}
		back = &Backing{File: dup, Offset: back.Offset, Size: back.Size}
	}
	cn := &VmNode{
		npages:  n.npages,
		typ:     n.typ,
		backing: back,
		alloc:   n.alloc,
		pages:   make([]atomic.Pointer[pgalloc.Frame], n.npages),
	}
	// fail unwinds cn on a later error: the pages it already copied must go
	// back to the allocator and the duplicated backing handle must be
	// closed, or a clone that fails partway leaks both every time it runs.
	fail := func(err errs.Err_t) (*VmNode, errs.Err_t) {
		cn.freeAllocatedPages()
		if back != nil {
			back.File.Close()
		}
		return nil, err
	}
	for i := 0; i < n.npages; i++ {
		src := n.pages[i].Load()
		if src == nil {
			continue
		}
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_VMNODE_CLONE)) {
			return fail(errs.ENOHEAP)
		}
		f, ok := n.alloc.AllocFrame()
		if !ok {
			return fail(errs.ENOMEM)
		}
		copy(f, *src)
		fp := &f
		cn.pages[i].Store(fp) // cn isn't published yet; no racer to CAS against
	}
	return cn, 0
}
