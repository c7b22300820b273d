package vm

import (
	"sync"
	"testing"

	"vmkern/errs"
	"vmkern/mmu"
	"vmkern/pgalloc"
)

// TestPagefaultOnRemovedVMAIsFatal exercises spec.md §8 scenario 6's second
// legal outcome deterministically: rather than racing two goroutines and
// hoping for a particular interleaving, remove the VMA before faulting so
// the fault handler is guaranteed to find no covering VMA at step 5.
func TestPagefaultOnRemovedVMAIsFatal(t *testing.T) {
	as := newTestAS(t, 16)
	arena := pgalloc.NewArena(16)
	n, err := New(1, EAGER, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if err := as.Insert(n, 0x1000, true); err != 0 {
		t.Fatalf("Insert: %v", err)
	}
	if err := as.Remove(0x1000, mmu.PageSize); err != 0 {
		t.Fatalf("Remove: %v", err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected pagefault to panic when no vma covers the address")
		}
		if _, ok := r.(errs.FatalError); !ok {
			t.Fatalf("expected an errs.FatalError panic, got %#v", r)
		}
	}()
	as.Pagefault(0x1000, 0)
}

// TestPagefaultBeyondUserCeilingIsFatal covers spec.md §4.6 step 1.
func TestPagefaultBeyondUserCeilingIsFatal(t *testing.T) {
	as := newTestAS(t, 16)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected pagefault to panic for an address beyond USER_CEILING")
		}
		if _, ok := r.(errs.FatalError); !ok {
			t.Fatalf("expected an errs.FatalError panic, got %#v", r)
		}
	}()
	as.Pagefault(mmu.UserCeiling, 0)
}

// TestConcurrentFaultsOnSameAddressConverge drives many goroutines at the
// same faulting address and checks every one resolves to a consistent,
// fully-present PTE — spec.md §8's "two concurrent faults on the same va"
// round-trip property.
func TestConcurrentFaultsOnSameAddressConverge(t *testing.T) {
	as := newTestAS(t, 16)
	arena := pgalloc.NewArena(16)
	n, err := New(1, EAGER, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if err := as.Insert(n, 0x1000, true); err != 0 {
		t.Fatalf("Insert: %v", err)
	}

	const nGoroutines = 16
	results := make([]FaultResult, nGoroutines)
	var wg sync.WaitGroup
	for i := 0; i < nGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = as.Pagefault(0x1000, 0)
		}(i)
	}
	wg.Wait()

	pte, ok := mmu.WalkPageTable(as.Pml, 0x1000, false)
	if !ok {
		t.Fatal("expected a materialized PTE after faulting")
	}
	if ptev := pte.Load(); ptev&(mmu.P|mmu.U|mmu.W) != mmu.P|mmu.U|mmu.W {
		t.Fatalf("expected a fully-present writable PTE, got %#x", ptev)
	}

	fixedCount := 0
	for _, r := range results {
		switch r {
		case Fixed:
			fixedCount++
		case AlreadyValid:
		default:
			t.Fatalf("unexpected fault result %v", r)
		}
	}
	if fixedCount == 0 {
		t.Fatal("expected at least one goroutine to have actually resolved the fault")
	}
}

// TestConcurrentCOWWriteFaultsSplitOnce checks that many goroutines racing
// a write fault on the same COW VMA converge on one private node rather
// than leaving the VMA's node pointer inconsistent.
func TestConcurrentCOWWriteFaultsSplitOnce(t *testing.T) {
	as := newTestAS(t, 16)
	arena := pgalloc.NewArena(16)
	n, err := New(1, EAGER, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if err := as.Insert(n, 0x1000, true); err != 0 {
		t.Fatalf("Insert: %v", err)
	}
	child, cerr := as.Copy(true)
	if cerr != 0 {
		t.Fatalf("Copy: %v", cerr)
	}

	const nGoroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < nGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child.Pagefault(0x1000, mmu.FEC_WR)
		}()
	}
	wg.Wait()

	cv, ok := child.Lookup(0x1000, 1)
	if !ok {
		t.Fatal("child vma missing after concurrent cow faults")
	}
	if cv.Mode != PRIVATE {
		t.Fatalf("expected the child vma to have split to PRIVATE, got mode %v", cv.Mode)
	}
	if cv.Node.RefCount() != 1 {
		t.Fatalf("split node should be privately owned, ref=%d", cv.Node.RefCount())
	}

	pv, ok := as.Lookup(0x1000, 1)
	if !ok || pv.Node == cv.Node {
		t.Fatal("parent must not share the child's post-split node")
	}
}
