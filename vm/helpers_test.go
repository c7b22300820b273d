package vm

import (
	"testing"

	"vmkern/backing"
	"vmkern/pgalloc"
	"vmkern/slaballoc"
)

func newTestAllocator(npages int) pgalloc.Allocator {
	return pgalloc.NewArena(npages)
}

func newTestSlab() slaballoc.Slab {
	return slaballoc.NewPoolSlab(func(id int) interface{} { return &KSharedRegion{} })
}

func newTestAS(t *testing.T, framePages int) *AddressSpace {
	t.Helper()
	as, err := New(newTestAllocator(framePages), newTestSlab())
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	return as
}

// memFile is an in-memory backing.File for demand-load tests, in place of
// the teacher's disk-backed ufs/driver.go (overkill for a unit test that
// only needs a handful of bytes at a fixed offset).
type memFile struct{ data []byte }

func (m *memFile) ReadAt(buf []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[off:]), nil
}

func (m *memFile) Dup() (backing.File, error) { return m, nil }

func (m *memFile) Close() error { return nil }
