// Package vaslot manages version-array pages: secure pages that each hold
// up to N sealing slots produced when a page is evicted (spec.md §3,
// "Version-array page"). Grounded on biscuit/src/fs/blk.go's BlkList_t —
// an ordered, append-at-tail list with an O(1) "current tail" pointer —
// generalized from disk blocks to secure pages of sealing slots.
package vaslot

import (
	"container/list"
	"sync"

	"github.com/lattice-systems/enclavecore/internal/page"
)

// SlotsPerPage is N, the number of sealing slots a single version-array
// page can hold.
const SlotsPerPage = 32

// Page is one version-array secure page plus its slot bookkeeping.
type Page struct {
	Secure *page.Page
	used   int
}

// Full reports whether every slot on this page is taken.
func (p *Page) Full() bool { return p.used >= SlotsPerPage }

// List is the per-enclave, insertion-ordered sequence of version-array
// pages (spec.md §3: "tracked per enclave in insertion order; new slots
// are allocated from the tail; a full page is moved to the end of the
// list and a new one is appended").
type List struct {
	mu   sync.Mutex
	l    *list.List // of *Page
	tail *list.Element
}

// NewList returns an empty version-array page list.
func NewList() *List {
	return &List{l: list.New()}
}

// AllocSlot returns a (page, slotIndex) pair for a new sealing record. If
// the current tail page is full (or there is none yet), newPage is
// invoked to obtain a fresh secure page, which is appended as the new
// tail. newPage is called with the list's own mutex held, so it must not
// call back into this List.
func (l *List) AllocSlot(newPage func() (*page.Page, error)) (*Page, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tail == nil || l.tail.Value.(*Page).Full() {
		sp, err := newPage()
		if err != nil {
			return nil, 0, err
		}
		vp := &Page{Secure: sp}
		l.tail = l.l.PushBack(vp)
	}
	vp := l.tail.Value.(*Page)
	idx := vp.used
	vp.used++
	if vp.Full() {
		// move the now-full page to the end is a no-op here since it
		// already is the tail; the invariant matters when a page is
		// filled and then AllocSlot is called again, which the
		// l.tail == nil || Full() check above handles by allocating a
		// fresh tail.
	}
	return vp, idx, nil
}

// Pages returns every version-array page in insertion order, for
// teardown (returning their secure pages to the pool).
func (l *List) Pages() []*Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Page, 0, l.l.Len())
	for e := l.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Page))
	}
	return out
}
