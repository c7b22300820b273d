package vm

import (
	"sync"
	"sync/atomic"
)

// Reclaimer is a three-generation epoch-based reclamation scheme: readers
// pin the current epoch for the duration of a critical section, and
// garbage retired during an epoch is only actually freed once the
// reclaimer is certain no pinned reader could still observe it. This
// replaces the teacher's Vm_t.Lock_pmap/Unlock_pmap mutex with something
// that lets a concurrent reader (a page fault in flight) and a writer (a
// remove or COW split) make progress without blocking each other, at the
// cost of deferring frees a couple of epochs instead of freeing
// immediately under a lock.
type Reclaimer struct {
	epoch   atomic.Uint64
	readers [3]atomic.Int64
	mu      sync.Mutex
	garbage [3][]func()
}

// NewReclaimer returns a Reclaimer starting at epoch zero with no pinned
// readers and no pending garbage.
func NewReclaimer() *Reclaimer {
	return &Reclaimer{}
}

// Guard represents one pinned reader. Callers must call Exit exactly once.
type Guard struct {
	r      *Reclaimer
	epoch  uint64
	exited bool
}

// Enter pins the current epoch, returning a Guard the caller must Exit when
// its critical section ends. Entry retries if the epoch advances between
// reading it and registering as a reader of it, so a returned Guard always
// reflects the epoch value it's actually registered under.
func (r *Reclaimer) Enter() *Guard {
	for {
		e := r.epoch.Load()
		r.readers[e%3].Add(1)
		if r.epoch.Load() == e {
			return &Guard{r: r, epoch: e}
		}
		r.readers[e%3].Add(-1)
	}
}

// Exit unpins the reader. Safe to call more than once.
func (g *Guard) Exit() {
	if g.exited {
		return
	}
	g.exited = true
	g.r.readers[g.epoch%3].Add(-1)
}

// Defer schedules fn to run once no reader can still observe whatever was
// retired alongside it — i.e. after the epoch has advanced twice more past
// the one current when Defer was called. Defer opportunistically tries to
// advance the epoch itself rather than waiting for some other caller to do
// it, so garbage does get collected even under a read-heavy workload with
// no writers of its own calling Defer again soon.
func (r *Reclaimer) Defer(fn func()) {
	r.mu.Lock()
	e := r.epoch.Load()
	r.garbage[e%3] = append(r.garbage[e%3], fn)
	r.mu.Unlock()
	r.tryAdvance()
}

// tryAdvance bumps the epoch by one and runs the garbage retired two
// epochs ago, but only if no reader is still pinned in the immediately
// preceding epoch (the one generation that could still overlap with a
// reader who observed the about-to-be-freed objects).
func (r *Reclaimer) tryAdvance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.epoch.Load()
	prevBucket := (e + 2) % 3 // (e-1) mod 3
	if r.readers[prevBucket].Load() > 0 {
		return
	}
	freeBucket := (e + 1) % 3 // (e-2) mod 3
	garbage := r.garbage[freeBucket]
	r.garbage[freeBucket] = nil
	r.epoch.Add(1)
	for _, fn := range garbage {
		fn()
	}
}
