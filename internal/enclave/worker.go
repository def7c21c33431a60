package enclave

import (
	"context"
	"sync/atomic"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
	securepage "github.com/lattice-systems/enclavecore/internal/page"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
)

// ReclaimSink receives newly-resident, user-visible pages so they can be
// threaded onto the global reclaim list (spec.md §4.E), and lets enclave
// teardown detach a page the reclaimer has not yet picked up before
// freeing it. It is the narrow interface internal/reclaim.List satisfies,
// kept here (rather than importing internal/reclaim) to avoid a package
// cycle.
type ReclaimSink interface {
	AddCandidate(*securepage.Page)
	// TryRemove detaches p from the global reclaim list if it is still
	// linked there, reporting whether it found it. Used by release to
	// keep invariant I1 intact: a page must be off every list before
	// release hands it back to its section.
	TryRemove(*securepage.Page) bool
}

// secsAddr returns the physical address of the bound SECS page. Safe
// without the lock: the SECS binding is immutable from construction until
// teardown, and teardown cannot run while an add-request (which holds a
// reference, invariant I4) is still being processed.
func (e *Enclave) secsAddr() hw.Addr { return e.secs.Addr }

// DrainOnce services at most one pending add-request, exactly as
// described in spec.md §4.D: lock, dequeue the head, unlock, then (if the
// enclave is alive) allocate a secure page and perform the hardware add
// plus the extend operations selected by the measurement mask. It
// reports whether there was a request to process, so internal/addworker
// can tell an empty queue from real work.
func (e *Enclave) DrainOnce(ctx context.Context, prims hw.Primitives, alloc *pagealloc.Allocator, sink ReclaimSink) bool {
	e.mu.Lock()
	req, _ := e.dequeueAdd()
	dead := e.hasFlag(Dead)
	// draining is set under the same lock as the dequeue and cleared on
	// every path below; Init's flush loop polls it alongside the queue
	// length so it cannot observe an empty queue while a dequeued request
	// is still being processed.
	if req != nil {
		atomic.StoreInt32(&e.draining, 1)
	}
	e.mu.Unlock()

	if req == nil {
		return false
	}
	defer atomic.StoreInt32(&e.draining, 0)

	if dead {
		e.mu.Lock()
		e.pages.delete(uint64(req.Page.VA))
		e.mu.Unlock()
		e.Put(prims)
		return true
	}

	pg, aerr := alloc.Allocate(ctx, req.Page, true)
	if aerr != defs.OK {
		e.failConstruction(prims)
		e.Put(prims)
		return true
	}

	ok := e.addAndMeasure(prims, pg, req)
	if !ok {
		alloc.Free(prims, pg)
		e.failConstruction(prims)
		e.Put(prims)
		return true
	}

	e.mu.Lock()
	pg.Flags |= securepage.Reclaimable
	req.Page.Secure = pg
	e.childCnt++
	e.mu.Unlock()

	if sink != nil {
		sink.AddCandidate(pg)
	}
	e.Put(prims)
	return true
}

func (e *Enclave) addAndMeasure(prims hw.Primitives, pg *securepage.Page, req *PendingAdd) bool {
	secs := e.secsAddr()
	status, err := prims.AddPage(secs, pg.Addr, hw.Addr(req.Page.VA), req.Info)
	if err != nil || status != hw.OK {
		return false
	}
	for i := 0; i < 16; i++ {
		if req.MeasureMask&(1<<uint(i)) == 0 {
			continue
		}
		status, err := prims.Extend(secs, pg.Addr, uint32(i)*256)
		if err != nil || status != hw.OK {
			return false
		}
	}
	return true
}

// failConstruction transitions the enclave to Dead (a no-op if it
// already is) and discards every remaining queued request, releasing the
// reference each one held (invariant I4).
func (e *Enclave) failConstruction(prims hw.Primitives) {
	e.mu.Lock()
	e.markDead(false)
	var drained []*PendingAdd
	for {
		req, empty := e.dequeueAdd()
		if req == nil {
			break
		}
		e.pages.delete(uint64(req.Page.VA))
		drained = append(drained, req)
		if empty {
			break
		}
	}
	e.mu.Unlock()

	for range drained {
		e.Put(prims)
	}
}

// HasPendingWork reports whether the add-request queue is non-empty,
// used by internal/addworker to decide whether to keep draining without
// waiting for another kick.
func (e *Enclave) HasPendingWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addQueue.Len() > 0
}

// QueueLen reports the current add-request queue depth, for diagnostics
// (internal/metrics' add_queue_depth gauge).
func (e *Enclave) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addQueue.Len()
}
