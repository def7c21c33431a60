// Package page defines the secure-page descriptor: the compact record
// identifying one hardware secure page (spec.md §3). It is the "Pa_t /
// Physpg_t" analogue from biscuit's mem package, adapted from general
// physical memory to the small, firmware-described secure-page pool.
package page

import "github.com/lattice-systems/enclavecore/internal/hw"

// Flag is a bitmask of secure-page state.
type Flag uint8

const (
	// Reclaimable is set while a page is a live candidate for eviction
	// (i.e. bound to a user-visible enclave-page, not the SECS page).
	Reclaimable Flag = 1 << iota
	// Reclaimed is defined for a page whose owning enclave-page is being
	// evicted. No code in this core sets or reads it: evicted
	// enclave-pages carry enclave.Reclaimed instead, and there is no
	// deferred free (reclaim.List.TryRemove only reports whether the page
	// was still on the list).
	Reclaimed
)

// Owner is implemented by whatever object currently binds a secure page:
// an enclave-page, or nil when the page is free. It is intentionally
// minimal — the page package must not import the enclave package, which
// would create a cycle.
type Owner interface {
	// OwnerID is a stable, loggable identifier for the owner (enclave
	// id + page index), used only for diagnostics.
	OwnerID() string
}

// list membership, mutually exclusive per invariant I1.
type listKind uint8

const (
	onNoList listKind = iota
	onSectionFree
	onReclaimList
)

// Page is one secure-page descriptor. Section pool and reclaim list code
// hold pointers to Page and mutate it only while holding the lock that
// protects whichever list currently owns it (the section mutex, or the
// reclaim-list spinlock).
type Page struct {
	// Section is the owning section's index, immutable after
	// construction.
	Section int
	// Addr is this page's physical base, as handed to hw.Primitives.
	Addr hw.Addr

	Flags Flag
	Owner Owner

	// list is which intrusive list this page is presently threaded
	// onto; next/prev are valid only while list != onNoList.
	list listKind
	next *Page
	prev *Page
}

// New returns a free page descriptor for the given section/address.
func New(section int, addr hw.Addr) *Page {
	return &Page{Section: section, Addr: addr}
}

// Free reports whether the page is unbound (not on a section free list or
// the reclaim list is irrelevant here — see invariant I1; "free" means no
// owner).
func (p *Page) Free() bool { return p.Owner == nil }

// LinkFree threads p onto the head of a section free list whose previous
// head is given by head (nil for an empty list). Panics if p is already
// on some list, enforcing invariant I1 in debug-style fashion.
func (p *Page) LinkFree(head *Page) {
	if p.list != onNoList {
		panic("page: already on a list")
	}
	p.list = onSectionFree
	p.next = head
	p.prev = nil
}

// NextFree returns the next page in a section free list.
func (p *Page) NextFree() *Page { return p.next }

// UnlinkFree detaches p from whatever section free list it is on.
func (p *Page) UnlinkFree() {
	if p.list != onSectionFree {
		panic("page: not on a section free list")
	}
	p.list = onNoList
	p.next = nil
}

// LinkReclaim threads p onto a reclaim list node, doubly linked so the
// reclaim list can support both FIFO pop and tail re-insertion (age-test
// requeue) and O(1) removal by try_free.
func (p *Page) LinkReclaim(prev, next *Page) {
	if p.list != onNoList {
		panic("page: already on a list")
	}
	p.list = onReclaimList
	p.prev = prev
	p.next = next
}

// UnlinkReclaim detaches p from the reclaim list and returns its former
// neighbors so the list head/tail can be patched.
func (p *Page) UnlinkReclaim() (prev, next *Page) {
	if p.list != onReclaimList {
		panic("page: not on the reclaim list")
	}
	prev, next = p.prev, p.next
	p.list = onNoList
	p.prev, p.next = nil, nil
	return prev, next
}

// OnReclaimList reports whether p is currently threaded onto the global
// reclaim list.
func (p *Page) OnReclaimList() bool { return p.list == onReclaimList }

// ReclaimNext/ReclaimPrev expose the reclaim-list neighbors for list-level
// code (internal/reclaim) that walks or splices the list directly.
func (p *Page) ReclaimNext() *Page { return p.next }
func (p *Page) ReclaimPrev() *Page { return p.prev }
