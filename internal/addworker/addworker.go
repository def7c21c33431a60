// Package addworker implements §4.D of the core: one construction worker
// per enclave, started lazily on the first enqueued add-page request and
// self-terminating once its queue drains. Grounded on the sibling driver's
// own worker/daemon goroutines in biscuit (e.g. the kernel thread started
// per request source in main.go) rather than any one file: the shape here
// — a lazily-started goroutine, a CAS-guarded running flag instead of a
// dedicated stop channel, double-checked against a last-moment enqueue —
// is the idiomatic-Go rendering of "activated on first enqueue... exits
// when the queue is empty and not set to drain."
package addworker

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/lattice-systems/enclavecore/internal/enclave"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
)

// Worker drains one enclave's pending add-page queue. It implements
// enclave.Kicker and is wired in via SetKicker at the same time the
// enclave is handed its teardown allocator and reclaim sink.
type Worker struct {
	e     *enclave.Enclave
	prims hw.Primitives
	alloc *pagealloc.Allocator
	sink  enclave.ReclaimSink

	ctx    context.Context
	cancel context.CancelFunc

	running int32 // atomic: 0 idle, 1 a goroutine is draining
}

// New returns a Worker for e and wires it in as e's Kicker. prims, alloc
// and sink are the same collaborators DrainOnce needs; New just closes
// over them so Kick need take no arguments, matching enclave.Kicker's
// shape.
func New(e *enclave.Enclave, prims hw.Primitives, alloc *pagealloc.Allocator, sink enclave.ReclaimSink) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{e: e, prims: prims, alloc: alloc, sink: sink, ctx: ctx, cancel: cancel}
	e.SetKicker(w)
	return w
}

// Kick implements enclave.Kicker. AddPage calls it exactly when the queue
// transitions from empty to non-empty; Kick starts the drain goroutine if
// none is currently running, and is a no-op otherwise (a running worker
// will notice the new request itself, see run's double-check).
func (w *Worker) Kick() {
	if atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		go w.run()
	}
}

// Stop cancels the context passed to every pagealloc.Allocate call this
// worker makes, so a drain blocked waiting on reclaimer progress returns
// promptly (ERESTARTSYS) instead of outliving the enclave it serves. Safe
// to call from enclave teardown even if no goroutine is currently running.
func (w *Worker) Stop() { w.cancel() }

// run is the worker body (spec.md §4.D): drain while there is work,
// yielding to the scheduler every iteration (O3 — a fairness requirement,
// not a correctness one); once the queue looks empty, clear the running
// flag and re-check, since an enqueue can land in the gap between
// DrainOnce's last "nothing to do" result and the flag actually clearing.
func (w *Worker) run() {
	for {
		runtime.Gosched()
		if w.e.DrainOnce(w.ctx, w.prims, w.alloc, w.sink) {
			continue
		}

		atomic.StoreInt32(&w.running, 0)
		if !w.e.HasPendingWork() {
			return
		}
		if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
			// A Kick call already won the race and started a fresh
			// goroutine; let it take over.
			return
		}
	}
}
