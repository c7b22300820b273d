package vm

import (
	"unsafe"

	"vmkern/errs"
	"vmkern/mmu"
	"vmkern/util"
)

// FaultResult is the outcome of a resolved page fault. A third, logically
// possible outcome — Fatal — is never actually returned: per spec.md §7,
// the conditions that would produce it (no VMA covers the faulting
// address, allocation failure, demand-load failure, address-space
// exhaustion materializing a page-table level) are invariant violations
// in what is the kernel's own trap handler, and so panic with
// errs.FatalError rather than return a value a caller might mistakenly
// treat as recoverable. This mirrors the teacher's vm/as.go Sys_pgfault,
// which panics on a kernel page fault rather than returning an error code.
type FaultResult int

const (
	Fixed FaultResult = iota
	AlreadyValid
)

// Pagefault resolves a page fault at va with hardware fault-error-code
// ecode (mmu.FEC_WR set means the fault was a write). Implements the state
// machine of spec.md §4.6 exactly: walk/lock-spin, epoch-guarded VMA
// lookup, lazy page population, COW split, PTE-lock acquire, a
// deletion race check, publish, release.
func (as *AddressSpace) Pagefault(va uintptr, ecode uintptr) FaultResult {
	if va >= mmu.UserCeiling {
		errs.Fatal("pagefault: address beyond user ceiling")
	}

	for {
		pte, ok := mmu.WalkPageTable(as.Pml, va, true)
		if !ok {
			errs.Fatal("pagefault: out of memory materializing page table")
		}

		ptev := pte.Load()
		if ptev&(mmu.P|mmu.U|mmu.W) == mmu.P|mmu.U|mmu.W {
			return AlreadyValid
		}
		if ptev&mmu.LOCK != 0 {
			continue // another CPU is mid-publish for this PTE; spin
		}

		g := as.rec.Enter()
		vma, ok := as.Ranges.Search(va, va+1)
		if !ok {
			g.Exit()
			errs.Fatal("pagefault: no VMA covers faulting address")
		}

		pgdown := util.Rounddown(va, uintptr(mmu.PageSize))
		npg := int((pgdown - vma.Start) / mmu.PageSize)

		if !vma.Node.HasPage(npg) {
			if err := vma.Node.AllocPages(); err != 0 {
				g.Exit()
				errs.Fatal("pagefault: alloc_pages failed")
			}
		}
		if vma.Node.Type() == ONDEMAND {
			if err := vma.Node.DemandLoad(); err != 0 {
				g.Exit()
				errs.Fatal("pagefault: demand_load failed")
			}
		}

		iswrite := ecode&mmu.FEC_WR != 0
		if vma.Mode == COW && iswrite {
			// g stays held across pagefaultWCOW's Clone() call: Clone
			// dereferences vma.Node's frames, and exiting the guard
			// first would let a concurrent Remove/replaceVMA's
			// epoch-deferred release free those very frames out from
			// under it (spec.md §5's no-reader-dereferences-freed-
			// memory guarantee). pagefaultWCOW exits g itself once
			// Clone is done and before it touches the span lock.
			if as.pagefaultWCOW(vma, g) {
				as.Pml.TLBFlush()
			}
			continue // restart at the top: re-walk, re-lookup against the split
		}

		if !pte.CompareAndSwap(ptev, ptev|mmu.LOCK) {
			g.Exit()
			continue
		}

		if vma.Deleted() {
			pte.CompareAndSwap(ptev|mmu.LOCK, ptev)
			g.Exit()
			continue
		}

		frame := vma.Node.Page(npg)
		if frame == nil {
			errs.Fatal("pagefault: page still unallocated after alloc_pages")
		}
		addr := mmu.V2P(unsafe.Pointer(&(*frame)[0]))

		var newv uint64
		if vma.Mode == COW {
			newv = mmu.Pack(addr, mmu.P|mmu.U|mmu.COW)
		} else {
			if vma.Node.RefCount() != 1 {
				errs.Fatal("pagefault: private node unexpectedly shared")
			}
			newv = mmu.Pack(addr, mmu.P|mmu.U|mmu.W)
		}
		pte.CompareAndSwap(ptev|mmu.LOCK, newv)
		g.Exit()
		return Fixed
	}
}

// pagefaultWCOW resolves a write fault against a COW VmArea by cloning its
// node unconditionally — even when the node's ref count reads 1 — since a
// concurrent AddressSpace.Copy(share=true) elsewhere could raise that
// count the instant after it's read, and there is no way to atomically
// test "I am the unique owner" against that race (spec.md §9 allows
// either outcome of the unnecessary-copy/lost-update tradeoff; vmkern
// always copies, trading one avoidable clone for never losing an update).
// It publishes a new PRIVATE VmArea over the clone in place of vma and
// clears every PTE in the replaced range, returning whether any PTE was
// non-zero (a TLB flush is owed). g is the caller's still-open epoch guard
// from Pagefault; it must stay open for exactly as long as Clone is reading
// vma.Node's frames, since those frames are what a concurrent remove's
// epoch-deferred release would free. pagefaultWCOW exits g itself the
// instant Clone returns, before touching the span lock.
func (as *AddressSpace) pagefaultWCOW(vma *VmArea, g *Guard) bool {
	clone, err := vma.Node.Clone()
	g.Exit()
	if err != 0 {
		errs.Fatal("pagefault: cow clone failed")
	}
	split := newArea(vma.Start, vma.End, PRIVATE, clone)
	if !as.replaceVMA(vma, split) {
		split.release()
		return false // lost the race to a concurrent remove; caller restarts
	}
	changed, perr := ClearPTEs(as.Pml, vma.Start, vma.End)
	if perr != 0 {
		errs.Fatal("pagefault: clearing PTEs after cow split failed")
	}
	return changed
}
