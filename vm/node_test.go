package vm

import (
	"testing"

	"vmkern/errs"
	"vmkern/pgalloc"
)

func TestVmNodeAllocPagesIdempotent(t *testing.T) {
	arena := pgalloc.NewArena(4)
	n, err := New(2, EAGER, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if !n.HasPage(0) || !n.HasPage(1) {
		t.Fatal("expected both pages allocated by New")
	}
	avail := arena.Avail()
	if err := n.AllocPages(); err != 0 {
		t.Fatalf("AllocPages: %v", err)
	}
	if arena.Avail() != avail {
		t.Fatalf("re-running AllocPages allocated new frames: avail %d -> %d", avail, arena.Avail())
	}
}

func TestVmNodeCapacityCeiling(t *testing.T) {
	old := NodeMaxPages
	NodeMaxPages = 4
	defer func() { NodeMaxPages = old }()

	arena := pgalloc.NewArena(8)
	if _, err := New(5, EAGER, nil, arena); err != errs.ENODECAP {
		t.Fatalf("expected ENODECAP, got %v", err)
	}
}

func TestVmNodeCloneDeepCopyIsolation(t *testing.T) {
	arena := pgalloc.NewArena(8)
	n, err := New(1, EAGER, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	frame := n.Page(0)
	(*frame)[0] = 0xAA

	clone, cerr := n.Clone()
	if cerr != 0 {
		t.Fatalf("Clone: %v", cerr)
	}
	cf := clone.Page(0)
	if cf == nil || (*cf)[0] != 0xAA {
		t.Fatal("clone did not copy source page contents")
	}

	(*frame)[0] = 0xBB
	if (*cf)[0] != 0xAA {
		t.Fatalf("clone observed a write made after cloning: got %#x", (*cf)[0])
	}
}

func TestVmNodeCloneOfUnpopulatedIsLazy(t *testing.T) {
	arena := pgalloc.NewArena(4)
	n, err := New(2, ONDEMAND, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if n.HasPage(0) {
		t.Fatal("an ONDEMAND node with no backing should start unpopulated")
	}
	avail := arena.Avail()

	clone, cerr := n.Clone()
	if cerr != 0 {
		t.Fatalf("Clone: %v", cerr)
	}
	if arena.Avail() != avail {
		t.Fatal("cloning an unpopulated node should not allocate frames")
	}
	if clone.HasPage(0) {
		t.Fatal("clone of an unpopulated node should itself be unpopulated")
	}
}

func TestVmNodeRefcountTracksLiveVmAreas(t *testing.T) {
	arena := pgalloc.NewArena(2)
	n, err := New(1, EAGER, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if n.RefCount() != 0 {
		t.Fatalf("a freshly-constructed node should have ref 0, got %d", n.RefCount())
	}

	v := newArea(0x1000, 0x2000, PRIVATE, n)
	if n.RefCount() != 1 {
		t.Fatalf("constructing a VmArea should incref its node, got %d", n.RefCount())
	}

	v.release()
	if n.RefCount() != 0 {
		t.Fatalf("releasing the last VmArea should decref to 0, got %d", n.RefCount())
	}
}
