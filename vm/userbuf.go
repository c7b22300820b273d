package vm

import (
	"vmkern/bounds"
	"vmkern/errs"
	"vmkern/mmu"
	"vmkern/res"
	"vmkern/util"
)

// UserBuf is a cursor over one contiguous user virtual-address range,
// transferring bytes to or from a kernel []byte one VMA page at a time.
// Ported from the teacher's vm/userbuf.go Userbuf_t, generalized from its
// fixed direct-map-backed copy to walking through AddressSpace.Lookup and
// VmNode.Page the way CopyOut does, since vmkern's software model has no
// single flat direct map to slice into directly.
type UserBuf struct {
	as     *AddressSpace
	va     uintptr
	remain uintptr
}

// Mkuserbuf builds a UserBuf over [va, va+length) in as.
func Mkuserbuf(as *AddressSpace, va uintptr, length uintptr) *UserBuf {
	return &UserBuf{as: as, va: va, remain: length}
}

// Remain reports how many bytes are left to transfer.
func (u *UserBuf) Remain() uintptr { return u.remain }

// transfer moves min(len(buf), u.remain) bytes between the user range and
// buf, in the direction toUser indicates, advancing the cursor. It faults
// in each page it touches via as.Pagefault before accessing it, matching
// the teacher's Userbuf_t which calls the fault handler directly rather
// than assuming the page is already resident.
func (u *UserBuf) transfer(buf []byte, toUser bool) (int, errs.Err_t) {
	did := 0
	for did < len(buf) && u.remain > 0 {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERBUF_TX)) {
			return did, errs.ENOHEAP
		}

		var ecode uintptr
		if toUser {
			ecode = mmu.FEC_WR
		}
		// Pagefault only ever returns normally once the page is resident;
		// any invariant violation panics rather than reporting EFAULT here.
		u.as.Pagefault(u.va, ecode)

		vma, ok := u.as.Lookup(u.va, 1)
		if !ok {
			return did, errs.EFAULT
		}
		idx := int((u.va - vma.Start) / mmu.PageSize)
		frame := vma.Node.Page(idx)
		if frame == nil {
			errs.Fatal("userbuf: page missing after successful fault")
		}

		off := int(u.va % mmu.PageSize)
		n := util.Min(mmu.PageSize-off, len(buf)-did)
		n = util.Min(n, int(u.remain))

		if toUser {
			copy((*frame)[off:off+n], buf[did:did+n])
		} else {
			copy(buf[did:did+n], (*frame)[off:off+n])
		}

		did += n
		u.va += uintptr(n)
		u.remain -= uintptr(n)
	}
	return did, 0
}

// CopyIn reads up to len(dst) bytes from the user range into dst.
func (u *UserBuf) CopyIn(dst []byte) (int, errs.Err_t) { return u.transfer(dst, false) }

// CopyOut writes up to len(src) bytes from src into the user range.
func (u *UserBuf) CopyOut(src []byte) (int, errs.Err_t) { return u.transfer(src, true) }

// UserIOVec is a sequence of UserBuf segments transferred as one logical
// unit, ported from the teacher's Useriovec_t (a gather/scatter list of
// (va, len) pairs used for readv/writev-style syscalls).
type UserIOVec struct {
	bufs []*UserBuf
}

// MkUserIOVec builds a UserIOVec over the given (va, length) pairs.
func MkUserIOVec(as *AddressSpace, segs [][2]uintptr) *UserIOVec {
	v := &UserIOVec{bufs: make([]*UserBuf, len(segs))}
	for i, s := range segs {
		v.bufs[i] = Mkuserbuf(as, s[0], s[1])
	}
	return v
}

// Total reports the combined remaining byte count across all segments.
func (v *UserIOVec) Total() uintptr {
	var total uintptr
	for _, b := range v.bufs {
		total += b.Remain()
	}
	return total
}

// CopyIn reads from the user segments into dst, in order, until dst is
// full or the segments are exhausted.
func (v *UserIOVec) CopyIn(dst []byte) (int, errs.Err_t) {
	did := 0
	for _, b := range v.bufs {
		if did >= len(dst) {
			break
		}
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERIOVEC_TX)) {
			return did, errs.ENOHEAP
		}
		n, err := b.CopyIn(dst[did:])
		did += n
		if err != 0 {
			return did, err
		}
	}
	return did, 0
}

// CopyOut writes src into the user segments, in order, until src is
// exhausted or the segments are full.
func (v *UserIOVec) CopyOut(src []byte) (int, errs.Err_t) {
	did := 0
	for _, b := range v.bufs {
		if did >= len(src) {
			break
		}
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERIOVEC_TX)) {
			return did, errs.ENOHEAP
		}
		n, err := b.CopyOut(src[did:])
		did += n
		if err != 0 {
			return did, err
		}
	}
	return did, 0
}
