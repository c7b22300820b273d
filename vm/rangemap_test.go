package vm

import (
	"testing"
	"time"

	"vmkern/pgalloc"
)

func TestRangeMapSearchAndOverlapRange(t *testing.T) {
	arena := pgalloc.NewArena(4)
	n, err := New(2, EAGER, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	m := NewRangeMap(NewReclaimer())

	h := m.SearchLock(0x1000, 0x3000)
	if len(h.Areas()) != 0 {
		t.Fatal("expected an empty span before any insert")
	}
	v := newArea(0x1000, 0x3000, PRIVATE, n)
	if !h.Replace(v) {
		t.Fatal("Replace over an empty matching span should succeed")
	}

	got, ok := m.Search(0x1500, 0x1501)
	if !ok || got != v {
		t.Fatalf("search did not return the inserted vma: got=%v ok=%v", got, ok)
	}
	if _, ok := m.Search(0x3000, 0x3001); ok {
		t.Fatal("search found a vma at its own end address")
	}
	if _, ok := m.Search(0xfff, 0x1000); ok {
		t.Fatal("search found a vma just before its start address")
	}
}

func TestRangeMapSpanLockExcludesOverlappingWriters(t *testing.T) {
	m := NewRangeMap(NewReclaimer())
	h1 := m.SearchLock(0x1000, 0x2000)

	acquired := make(chan struct{})
	go func() {
		h2 := m.SearchLock(0x1800, 0x2800) // overlaps h1
		close(acquired)
		h2.Abort()
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping SearchLock acquired while the first span is still held")
	case <-time.After(50 * time.Millisecond):
	}

	h1.Abort()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("overlapping SearchLock never acquired after the first was released")
	}
}

func TestRangeMapSpanLockAllowsDisjointWriters(t *testing.T) {
	m := NewRangeMap(NewReclaimer())
	h1 := m.SearchLock(0x1000, 0x2000)
	defer h1.Abort()

	done := make(chan struct{})
	go func() {
		h2 := m.SearchLock(0x5000, 0x6000)
		h2.Abort()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a disjoint SearchLock was blocked by an unrelated held span")
	}
}

func TestRangeMapReplaceDefersNodeRelease(t *testing.T) {
	arena := pgalloc.NewArena(4)
	n, err := New(1, EAGER, nil, arena)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	rec := NewReclaimer()
	m := NewRangeMap(rec)

	v := newArea(0x1000, 0x2000, PRIVATE, n)
	h := m.SearchLock(0x1000, 0x2000)
	h.Replace(v)

	h2 := m.SearchLock(0x1000, 0x2000)
	if !h2.Replace(nil) {
		t.Fatal("removing the sole vma in a matching span should succeed")
	}
	if !v.Deleted() {
		t.Fatal("a removed vma should be marked deleted immediately, not lazily")
	}
	if n.RefCount() != 1 {
		t.Fatalf("node release should be deferred past the epoch boundary, got ref %d", n.RefCount())
	}

	// Drive the reclaimer through enough epochs for the deferred release to run.
	for i := 0; i < 8; i++ {
		rec.Defer(func() {})
	}
	if n.RefCount() != 0 {
		t.Fatalf("expected node ref to reach 0 once the epoch closed, got %d", n.RefCount())
	}
}
