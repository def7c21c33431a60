// Package pagealloc implements §B of the core: the single allocate
// operation over a section.Pool, including the reclaim-wake-and-wait path
// on exhaustion. Grounded on biscuit/src/mem/mem.go's _phys_new/_pcpu_new
// fallback chain (try fast path, fall back, retry) generalized to an
// explicit wait on reclaimer progress instead of a second free list tier.
package pagealloc

import (
	"context"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/page"
	"github.com/lattice-systems/enclavecore/internal/section"
)

// Reclaimer is the subset of internal/reclaim's task the allocator needs:
// a way to ask for reclaim progress and a channel that fires once a batch
// completes. Expressed as an interface so pagealloc does not import
// reclaim: reclaim imports pagealloc, so the reverse import would be a
// cycle.
type Reclaimer interface {
	// Wake asks the reclaimer task to run at least one more batch soon.
	Wake()
	// Progress returns a channel that receives a value after each
	// completed reclaim batch.
	Progress() <-chan struct{}
}

// Allocator is §B: round-robin allocation over a section.Pool with an
// optional reclaim-and-wait fallback.
type Allocator struct {
	pool      *section.Pool
	reclaimer Reclaimer
}

// New returns an Allocator over pool, notifying reclaimer on exhaustion.
func New(pool *section.Pool, reclaimer Reclaimer) *Allocator {
	return &Allocator{pool: pool, reclaimer: reclaimer}
}

// Allocate is `allocate(owner, may_reclaim)` from spec.md §4.B. owner is
// bound onto the returned page before it is handed back. If the pool is
// exhausted: mayReclaim == false fails immediately with ENOMEM; otherwise
// the reclaimer is woken and the caller waits on its progress
// notification, retrying the round-robin scan after every wake-up, until
// ctx is canceled (ERESTARTSYS) or a page is obtained.
func (a *Allocator) Allocate(ctx context.Context, owner page.Owner, mayReclaim bool) (*page.Page, defs.Err_t) {
	for {
		if pg, ok := a.pool.TryAllocRR(); ok {
			pg.Flags = 0
			pg.Owner = owner
			return pg, defs.OK
		}
		if !mayReclaim {
			return nil, defs.ENOMEM
		}
		a.reclaimer.Wake()
		select {
		case <-a.reclaimer.Progress():
			// retry the scan
		case <-ctx.Done():
			return nil, defs.ERESTARTSYS
		}
	}
}

// Free is the unconditional free from spec.md §4.A, for a page already
// detached from every list (invariant I1). It always issues the hardware
// remove primitive before returning the page to its section — every path
// that frees a secure page, whether teardown or post-write-back reclaim,
// goes through this one place, so invariant I7's block→track→write-back→
// free chain never has its last step skipped by a forgetful caller.
func (a *Allocator) Free(prims hw.Primitives, pg *page.Page) {
	prims.Remove(pg.Addr)
	pg.Owner = nil
	pg.Flags = 0
	a.pool.Sections()[pg.Section].Release(pg)
}
