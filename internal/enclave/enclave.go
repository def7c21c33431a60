// Package enclave implements §4.C of the core: the enclave object, its
// page table, backing store mirror, attachment list and add-request
// queue. Grounded on biscuit/src/vm/as.go's Vm_t (mutex-guarded mutation,
// Lock_pmap/Unlock_pmap-style lock-assert helpers) for the concurrency
// shape, and biscuit/src/fs/blk.go for the backing-store mirror idiom.
package enclave

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
	securepage "github.com/lattice-systems/enclavecore/internal/page"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
	"github.com/lattice-systems/enclavecore/internal/vaslot"
)

// Kicker is notified when the add-page queue transitions from empty to
// non-empty, so the worker (internal/addworker) can wake up. It is
// injected post-construction to avoid an import cycle between enclave
// and addworker (see SPEC_FULL.md §4.D).
type Kicker interface{ Kick() }

// PendingAdd is one queued add-page request (spec.md §3). While it is
// enqueued, it holds a reference on its Enclave (invariant I4).
type PendingAdd struct {
	Page        *Page
	Data        [PageSize]byte
	Info        SecInfo
	MeasureMask uint16
}

// Enclave is §3's "Enclave": per-enclave state guarded chiefly by its own
// mutex. The mutex serializes page-map mutation, flag transitions, and
// hardware ops that require exclusive access to the enclave, exactly as
// spec.md §4.C describes.
type Enclave struct {
	id string

	mu         sync.Mutex
	flags      Flag
	allowedAttr uint64

	base, size uintptr

	pages    *pageTable
	vaPages  *vaslot.List
	attach   attachList
	addQueue *list.List // of *PendingAdd

	secs     *securepage.Page
	childCnt int

	backing *BackingFile
	pgCount int // number of data-page slots in backing

	kicker        Kicker
	teardownAlloc *pagealloc.Allocator
	reclaimSink   ReclaimSink

	ref      int32
	draining int32 // atomic: 1 while DrainOnce is between dequeue and its terminal Put
}

// New constructs an Enclave in its pre-create state: empty page table,
// version-array list and add queue, one reference. Create calls it and
// then fills in the geometry, backing file and SECS page; the Kicker is
// attached after Create returns.
func New(id string) *Enclave {
	return &Enclave{
		id:       id,
		pages:    newPageTable(),
		vaPages:  vaslot.NewList(),
		addQueue: list.New(),
		ref:      1,
	}
}

// ID returns the enclave's diagnostic identifier.
func (e *Enclave) ID() string { return e.id }

// SetKicker attaches the add-worker wake callback. Must be called before
// any AddPage call.
func (e *Enclave) SetKicker(k Kicker) {
	e.mu.Lock()
	e.kicker = k
	e.mu.Unlock()
}

// Lock/Unlock expose the enclave mutex to collaborators that must hold it
// across several operations (internal/addworker, internal/reclaim,
// internal/fault), mirroring Vm_t.Lock_pmap/Unlock_pmap's role of making
// "the enclave mutex" a first-class, nameable thing rather than a private
// detail.
func (e *Enclave) Lock()   { e.mu.Lock() }
func (e *Enclave) Unlock() { e.mu.Unlock() }

// Flags returns the current lifecycle flags. Caller must hold the lock
// for a consistent read across a compound decision; a bare flag test
// (e.g. logging) may call it unlocked.
func (e *Enclave) Flags() Flag { return e.flags }

func (e *Enclave) hasFlag(f Flag) bool { return e.flags&f != 0 }

// markDead sets Dead (monotonic, invariant I5) and, if suspend is true,
// Suspend alongside it. Caller must hold the lock.
func (e *Enclave) markDead(suspend bool) {
	e.flags |= Dead
	if suspend {
		e.flags |= Suspend
	}
}

// Get takes a reference on the enclave unless it has already reached
// zero, mirroring biscuit's get_unless_zero discipline (spec.md §5).
func (e *Enclave) Get() bool {
	for {
		cur := atomic.LoadInt32(&e.ref)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&e.ref, cur, cur+1) {
			return true
		}
	}
}

// Put drops a reference, tearing the enclave down when it reaches zero.
func (e *Enclave) Put(prims hw.Primitives) {
	if atomic.AddInt32(&e.ref, -1) == 0 {
		e.release(prims)
	}
}

// ChildCount returns the number of currently-resident enclave pages,
// maintained so that invariant P3 (secs_child_cnt equals the resident
// count at every enclave-mutex release) is checkable by tests.
func (e *Enclave) ChildCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.childCnt
}

// Page looks up the enclave-page descriptor at virtual address va.
func (e *Enclave) Page(va uintptr) (*Page, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pages.get(uint64(va))
}

// ForEachAttachment iterates the enclave's attached address spaces using
// the take-ref-on-next/drop-ref-on-previous protocol from spec.md §9.
func (e *Enclave) ForEachAttachment(f func(*AddressSpaceAttachment)) {
	e.attach.forEach(func(a *Attachment) {
		f(&AddressSpaceAttachment{AS: a.AS})
	})
}

// AddressSpaceAttachment is the read-only view of an Attachment exposed
// to callers outside this package (internal/reclaim, internal/fault).
type AddressSpaceAttachment struct {
	AS AddressSpace
}

// Attach registers a newly-mapped address space, returning a handle the
// caller uses to Detach later.
func (e *Enclave) Attach(as AddressSpace) *Attachment {
	return e.attach.add(as)
}

// Detach releases the mapping's reference on an attachment.
func (e *Enclave) Detach(a *Attachment) {
	e.attach.detach(a)
}

func (e *Enclave) String() string {
	return fmt.Sprintf("enclave(%s base=%#x size=%#x flags=%02x)", e.id, e.base, e.size, e.flags)
}

// IsDead reports whether the enclave has already transitioned to Dead,
// taking the lock for a consistent read. internal/reclaim's age-test
// phase uses it to fast-track a dead enclave's pages past the young-bit
// check (spec.md §4.E phase 2): nothing can still be running inside a
// dead enclave to refresh the bit.
func (e *Enclave) IsDead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags&Dead != 0
}

// VAPages returns the enclave's version-array page list, used by
// internal/reclaim's write-back phase to allocate sealing slots.
func (e *Enclave) VAPages() *vaslot.List { return e.vaPages }

// Backing returns the enclave's backing-file mirror.
func (e *Enclave) Backing() *BackingFile { return e.backing }

// PageSlotIndex maps a virtual address to its backing-file slot index.
func (e *Enclave) PageSlotIndex(va uintptr) int {
	return int((va - e.base) / PageSize)
}

// PageSlotCount returns the number of data-page slots in the backing
// file, needed to compute the trailing metadata region's offset.
func (e *Enclave) PageSlotCount() int { return e.pgCount }

// OwnerID implements page.Owner for secure pages bound to this enclave's
// own version-array pages (as opposed to a user enclave-page).
func (e *Enclave) OwnerID() string { return e.id + ":vaslot" }

// SetReclaimSink wires the global reclaim list release uses to detach a
// page before freeing it. Set once, alongside SetTeardownAllocator, by
// the top-level wiring.
func (e *Enclave) SetReclaimSink(sink ReclaimSink) {
	e.mu.Lock()
	e.reclaimSink = sink
	e.mu.Unlock()
}

var (
	// ErrInvalid maps to defs.EINVAL for callers that want a Go error.
	ErrInvalid = defs.EINVAL
)
