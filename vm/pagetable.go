package vm

import (
	"vmkern/bounds"
	"vmkern/errs"
	"vmkern/mmu"
	"vmkern/res"
)

// UpdatePages applies transform to every PTE covering [start, end),
// honoring the LOCK bit: a PTE carrying LOCK is never CAS'd over, only
// spun on until whoever holds it publishes and clears it. This is the
// generic range-transform helper spec.md §4.5 names update_pages(pml,
// start, end, transform); single-PTE materialization and invalidation
// stay delegated to the mmu package's WalkPageTable/TLBFlush.
//
// create controls whether WalkPageTable materializes missing intermediate
// page-table levels. AddressSpace's insert/remove/COW-downgrade paths
// pass false: they only ever need to touch PTEs that might already exist,
// and a missing PTE there just means nothing to do. Only the fault
// handler walks with create=true, and it does so directly rather than
// through UpdatePages since a creation failure there is fatal, not a
// value this helper's (bool, errs.Err_t) return needs to distinguish from
// "nothing present."
func UpdatePages(pml *mmu.PML, start, end uintptr, create bool,
	transform func(old uint64) (newv uint64, present bool)) (anyWasPresent bool, err errs.Err_t) {
	for va := start; va < end; va += mmu.PageSize {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_ADDRSPACE_COPY)) {
			return anyWasPresent, errs.ENOHEAP
		}
		pte, ok := mmu.WalkPageTable(pml, va, create)
		if !ok {
			continue
		}
		for {
			old := pte.Load()
			if old&mmu.LOCK != 0 {
				continue
			}
			newv, present := transform(old)
			if present {
				anyWasPresent = true
			}
			if pte.CompareAndSwap(old, newv) {
				break
			}
		}
	}
	return anyWasPresent, 0
}

// ClearPTEs clears every PTE in [start, end), used by insert (to tear down
// stale mappings before a VMA takes ownership of the range) and remove.
func ClearPTEs(pml *mmu.PML, start, end uintptr) (bool, errs.Err_t) {
	return UpdatePages(pml, start, end, false, func(old uint64) (uint64, bool) {
		return 0, old&mmu.P != 0
	})
}

// DowngradeToCOW rewrites every present writable PTE in [start, end) to
// present, read-only, and COW-tagged — used by AddressSpace.Copy's
// parent-side fork path. A present, already-read-only PTE is left
// untouched (it's already either COW or permanently read-only).
func DowngradeToCOW(pml *mmu.PML, start, end uintptr) (bool, errs.Err_t) {
	return UpdatePages(pml, start, end, false, func(old uint64) (uint64, bool) {
		if old&mmu.P == 0 {
			return old, false
		}
		if old&mmu.W == 0 {
			return old, true
		}
		return (old &^ mmu.W) | mmu.COW, true
	})
}
