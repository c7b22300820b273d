package vm

import (
	"sync/atomic"
	"unsafe"

	"vmkern/bounds"
	"vmkern/errs"
	"vmkern/mmu"
	"vmkern/pgalloc"
	"vmkern/res"
	"vmkern/slaballoc"
)

// kSharedSlabID names the slab used for AddressSpace's kernel-shared
// region object (see KSharedRegion) in the slaballoc.Slab passed to New.
const kSharedSlabID = 0

// KSharedRegion is the small per-address-space region of CPU-local kernel
// data install_kshared wires into every address space's page table, per
// spec.md §6. Its contents are opaque to vmkern; a real kernel would
// overlay its own per-CPU structures on top of this allocation.
type KSharedRegion struct {
	_ [64]byte
}

// AddressSpace is a process's entire virtual memory state: the RangeMap of
// VMAs, the hardware page table root, and the epoch reclaimer that retires
// displaced VMAs. Shared by every thread in a process; ref counts how many
// threads/holders currently reference it.
type AddressSpace struct {
	Ranges *RangeMap
	Pml    *mmu.PML

	rec   *Reclaimer
	ref   atomic.Int32
	alloc pgalloc.Allocator
	slab  slaballoc.Slab
}

// New builds a fresh, empty AddressSpace: a new page table root, a new
// kernel-shared region installed into it, and an empty VMA range map.
// Mirrors vm/as.go's address-space setup (Vm_t construction plus
// mem.Page_insert for any fixed kernel mappings), generalized to vmkern's
// explicit install_kshared collaborator.
func New(alloc pgalloc.Allocator, slab slaballoc.Slab) (*AddressSpace, errs.Err_t) {
	pml, ok := mmu.NewKernelPML()
	if !ok {
		return nil, errs.ENOMEM
	}
	kshared, ok := slab.Alloc(kSharedSlabID)
	if !ok {
		mmu.FreePML(pml)
		return nil, errs.ENOMEM
	}
	region, ok := kshared.(*KSharedRegion)
	if !ok {
		errs.Fatal("addrspace.New: slab returned wrong type for kshared region")
	}
	if !mmu.InstallKshared(pml, unsafe.Pointer(region)) {
		slab.Free(kSharedSlabID, kshared)
		mmu.FreePML(pml)
		return nil, errs.ENOMEM
	}
	as := &AddressSpace{
		Ranges: NewRangeMap(NewReclaimer()),
		Pml:    pml,
		alloc:  alloc,
		slab:   slab,
	}
	as.rec = as.Ranges.rec
	as.ref.Store(1)
	return as, 0
}

// IncRef adds a holder.
func (as *AddressSpace) IncRef() { as.ref.Add(1) }

// DecRef drops a holder; at zero every VMA's node reference is released
// and the page table root is freed. Mirrors vm/as.go's Uvmfree plus
// mem.Dec_pmap.
func (as *AddressSpace) DecRef() {
	if as.ref.Add(-1) != 0 {
		return
	}
	for _, v := range as.Ranges.Snapshot() {
		v.release()
	}
	mmu.FreePML(as.Pml)
}

// publish installs area into as's range map, which must not already have
// anything overlapping it. Used only for a freshly-constructed child
// AddressSpace in Copy, where an overlap can only mean a caller bug.
func (as *AddressSpace) publish(area *VmArea) {
	h := as.Ranges.SearchLock(area.Start, area.End)
	if len(h.Areas()) != 0 {
		h.Abort()
		errs.Fatal("addrspace.publish: child address space already mapped here")
	}
	h.Replace(area)
}

// Insert publishes a new PRIVATE VmArea over node at [start, start+len(node)),
// rejecting any overlap with an existing mapping. It clears any stale PTEs
// already present in the range (left over from an address range that was
// previously mapped, removed, and is now being reused) and flushes the TLB
// if doTLB is set and any PTE was non-zero.
func (as *AddressSpace) Insert(node *VmNode, start uintptr, doTLB bool) errs.Err_t {
	end := start + uintptr(node.NPages())*mmu.PageSize
	if end <= start || end > mmu.UserCeiling {
		return errs.EINVAL
	}
	h := as.Ranges.SearchLock(start, end)
	if len(h.Areas()) != 0 {
		h.Abort()
		return errs.EOVERLAP
	}
	area := newArea(start, end, PRIVATE, node)
	if !h.Replace(area) {
		errs.Fatal("insert: lost race over an empty span")
	}
	changed, err := ClearPTEs(as.Pml, start, end)
	if err != 0 {
		return err
	}
	if changed && doTLB {
		as.Pml.TLBFlush()
	}
	return 0
}

// Remove unmaps [start, start+length), which must exactly cover one or
// more whole VMAs — partially overlapping one returns EPARTIAL and leaves
// the map unchanged. PTEs in the range are cleared and the TLB is flushed
// if any PTE was non-zero.
func (as *AddressSpace) Remove(start, length uintptr) errs.Err_t {
	end := start + length
	h := as.Ranges.SearchLock(start, end)
	for _, v := range h.Areas() {
		if v.Start < start || v.End > end {
			h.Abort()
			return errs.EPARTIAL
		}
	}
	if !h.Replace(nil) {
		errs.Fatal("remove: lost race under span lock")
	}
	changed, err := ClearPTEs(as.Pml, start, end)
	if err != 0 {
		errs.Fatal("remove: clearing PTEs failed")
	}
	if changed {
		as.Pml.TLBFlush()
	}
	return 0
}

// Lookup returns the VMA overlapping [start, start+length), if any. Safe
// to inspect the returned VMA's metadata (Start, End, Mode) after this
// call returns even though Lookup's own epoch guard has by then closed —
// see RangeMap.Search's doc comment for why that's fine for metadata but
// not for holding a node's pages open across further work.
func (as *AddressSpace) Lookup(start, length uintptr) (*VmArea, bool) {
	end := start + length
	if end <= start {
		return nil, false
	}
	g := as.rec.Enter()
	defer g.Exit()
	return as.Ranges.Search(start, end)
}

// Probe reports whether va currently has a present, user-accessible
// mapping, without faulting it in. Resolves an open question spec.md left
// implicit: callers validating a syscall argument (a user pointer) need a
// non-faulting yes/no answer distinct from Lookup, which only reports
// whether a VMA covers the address, not whether the PTE is actually
// resident yet.
func (as *AddressSpace) Probe(va uintptr) bool {
	if va >= mmu.UserCeiling {
		return false
	}
	pte, ok := mmu.WalkPageTable(as.Pml, va, false)
	if !ok {
		return false
	}
	ptev := pte.Load()
	return ptev&(mmu.P|mmu.U) == mmu.P|mmu.U
}

// Usage reports the total page count mapped across every live VMA, for
// diagnostics — the vmkern analogue of mem/mem.go's Pgcount.
func (as *AddressSpace) Usage() int {
	total := 0
	for _, v := range as.Ranges.Snapshot() {
		total += v.Node.NPages()
	}
	return total
}

// replaceVMA atomically swaps old for new, but only if old is still
// exactly what's mapped over its own range — i.e. nobody concurrently
// removed or replaced it first. Returns false on that race, matching
// spec.md's replace_vma(old, new) -> bool.
func (as *AddressSpace) replaceVMA(old, newVMA *VmArea) bool {
	h := as.Ranges.SearchLock(old.Start, old.End)
	areas := h.Areas()
	if len(areas) != 1 || areas[0] != old || old.Deleted() {
		h.Abort()
		return false
	}
	return h.Replace(newVMA)
}

// Copy builds a new AddressSpace from as's current mappings. With
// share=false every VMA's node is deep-copied (a full private fork);
// with share=true, every non-already-COW parent VMA is first downgraded
// in place to COW (parent and child then share the same node read-only),
// and the child's own VMA for it is COW too. Mirrors vm/as.go's Vm_t fork
// path, generalized from its single Lock_pmap-held critical section to
// per-VMA span locks so a fork doesn't stall the whole address space.
func (as *AddressSpace) Copy(share bool) (*AddressSpace, errs.Err_t) {
	child, err := New(as.alloc, as.slab)
	if err != 0 {
		return nil, err
	}

	anyFlushed := false
	for _, v := range as.Ranges.Snapshot() {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_ADDRSPACE_COPY)) {
			child.DecRef()
			return nil, errs.ENOHEAP
		}

		if share {
			if v.Mode != COW {
				parentCOW := newArea(v.Start, v.End, COW, v.Node)
				if !as.replaceVMA(v, parentCOW) {
					parentCOW.release()
					continue // a concurrent op already altered this region
				}
				changed, perr := DowngradeToCOW(as.Pml, v.Start, v.End)
				if perr != 0 {
					errs.Fatal("copy: downgrading parent PTEs to cow failed")
				}
				if changed {
					anyFlushed = true
				}
			}
			childArea := newArea(v.Start, v.End, COW, v.Node)
			child.publish(childArea)
		} else {
			clone, cerr := v.Node.Clone()
			if cerr != 0 {
				child.DecRef()
				return nil, cerr
			}
			childArea := newArea(v.Start, v.End, PRIVATE, clone)
			child.publish(childArea)
		}
	}
	if share && anyFlushed {
		as.Pml.TLBFlush()
	}
	return child, 0
}

// CopyOut writes buf[:length] into the user address range starting at va,
// walking VMAs and backing pages directly without installing or touching
// any PTE — meant for loading into an address space that isn't the
// currently active one (e.g. an exec loader writing a new process's
// image before it's ever scheduled). Missing pages are allocated via
// alloc_pages; a node whose slot is still null afterwards is a fatal
// invariant violation.
func (as *AddressSpace) CopyOut(va uintptr, buf []byte, length int) errs.Err_t {
	remaining := buf[:length]
	cur := va
	for len(remaining) > 0 {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_ADDRSPACE_COPY_OUT)) {
			return errs.ENOHEAP
		}
		g := as.rec.Enter()
		vma, ok := as.Ranges.Search(cur, cur+1)
		if !ok {
			g.Exit()
			return errs.EFAULT
		}
		idx := int((cur - vma.Start) / mmu.PageSize)
		if !vma.Node.HasPage(idx) {
			if aerr := vma.Node.AllocPages(); aerr != 0 {
				g.Exit()
				return errs.ENOMEM
			}
		}
		frame := vma.Node.Page(idx)
		if frame == nil {
			errs.Fatal("copy_out: page still unallocated after alloc_pages")
		}
		off := int(cur % mmu.PageSize)
		n := copy((*frame)[off:], remaining)
		g.Exit()
		remaining = remaining[n:]
		cur += uintptr(n)
	}
	return 0
}
