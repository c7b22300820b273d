// Package bounds names the call sites that loop over a caller-controlled
// extent (page counts, byte counts) so package res can charge them against a
// system-wide resource ceiling without blocking. Grounded on the teacher's
// bounds package, referenced throughout vm/as.go and vm/userbuf.go as
// bounds.Bounds(bounds.B_USERBUF_T__TX) but not itself present in the
// retrieved pack; the enumeration below is reconstructed for vmkern's own
// call sites.
package bounds

// Bound_t identifies one bounded loop for accounting purposes.
type Bound_t int

const (
	B_VMNODE_ALLOC_PAGES Bound_t = iota
	B_VMNODE_DEMAND_LOAD
	B_VMNODE_CLONE
	B_ADDRSPACE_COPY
	B_ADDRSPACE_COPY_OUT
	B_USERBUF_TX
	B_USERIOVEC_TX
)

// Bounds returns the per-iteration charge for b. One unit is charged per
// page touched; short, fixed-size operations (a single PTE CAS, a single
// VMA replace) are not bounded at all since they cannot be driven
// arbitrarily long by a caller.
func Bounds(b Bound_t) uint {
	switch b {
	case B_VMNODE_ALLOC_PAGES, B_VMNODE_DEMAND_LOAD, B_VMNODE_CLONE,
		B_ADDRSPACE_COPY, B_ADDRSPACE_COPY_OUT, B_USERBUF_TX, B_USERIOVEC_TX:
		return 1
	default:
		panic("unknown bound")
	}
}
