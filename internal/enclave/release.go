package enclave

import (
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
)

// release tears down an enclave whose last reference has just dropped
// (spec.md §4.C, "Destruction"): iterate the page map and for each
// resident entry issue unconditional free (hardware remove, then return
// to the section); free the version-array pages; reset the child count
// to zero and free the SECS; close the backing file. The attachment list
// is not consulted before the SECS is freed.
//
// release is invoked only from Put, so by the time it runs no other
// reference — including one held by a pending add-request (invariant
// I4) or a reclaimer in the middle of touching one of this enclave's
// pages — can still exist.
func (e *Enclave) release(prims hw.Primitives) {
	e.mu.Lock()
	e.markDead(false)

	var resident []*Page
	e.pages.ascend(func(_ uint64, p *Page) bool {
		if p.Secure != nil {
			resident = append(resident, p)
		}
		return true
	})
	e.mu.Unlock()

	alloc := e.teardownAlloc
	sink := e.reclaimSink
	for _, p := range resident {
		pg := p.Secure
		if sink != nil {
			// Detach it from the global reclaim list first if it is
			// still there (invariant I1: it must be off every list
			// before a section hands it back out as free). If the
			// reclaimer had already popped it, the Get() in its harvest
			// phase has since failed (this enclave's refcount is zero)
			// and it will walk away without touching hardware state,
			// leaving exactly this finalization as the only one.
			sink.TryRemove(pg)
		}
		if alloc != nil {
			alloc.Free(prims, pg)
		} else {
			prims.Remove(pg.Addr)
			pg.Owner = nil
			pg.Flags = 0
		}
		p.Secure = nil
	}

	for _, vp := range e.vaPages.Pages() {
		pg := vp.Secure
		if alloc != nil {
			alloc.Free(prims, pg)
		} else {
			prims.Remove(pg.Addr)
			pg.Owner = nil
			pg.Flags = 0
		}
	}

	e.mu.Lock()
	e.childCnt = 0
	secs := e.secs
	e.secs = nil
	e.mu.Unlock()

	if secs != nil {
		if alloc != nil {
			alloc.Free(prims, secs)
		} else {
			prims.Remove(secs.Addr)
			secs.Owner = nil
			secs.Flags = 0
		}
	}

	if e.backing != nil {
		e.backing.Close()
	}
}

// SetTeardownAllocator wires the allocator release uses to return secure
// pages to their sections. Set once, immediately after Create, by the
// top-level wiring that also supplies the Kicker.
func (e *Enclave) SetTeardownAllocator(alloc *pagealloc.Allocator) {
	e.mu.Lock()
	e.teardownAlloc = alloc
	e.mu.Unlock()
}
