package vm

import (
	"context"

	"golang.org/x/sync/errgroup"

	"vmkern/mmu"
	"vmkern/util"
)

// prefaultWorkers bounds how many pages Prefault resolves concurrently. The
// fault handler itself needs no external serialization, so this exists only
// to keep a single Prefault call from spawning one goroutine per page of a
// very large range.
const prefaultWorkers = 8

// Prefault eagerly resolves every page in [start, end) by driving the fault
// handler across a small worker pool, for callers that want a range
// resident up front — priming a large anonymous mapping, or warming a
// demand-loaded binary's text segment before it ever runs — rather than
// paying one fault per page on first touch. It returns the first error from
// ctx, if any; Pagefault itself never returns an error, only Fixed or
// AlreadyValid (invariant violations panic instead).
func (as *AddressSpace) Prefault(ctx context.Context, start, end uintptr) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefaultWorkers)
	for va := util.Rounddown(start, uintptr(mmu.PageSize)); va < end; va += mmu.PageSize {
		va := va
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			as.Pagefault(va, 0)
			return nil
		})
	}
	return g.Wait()
}
