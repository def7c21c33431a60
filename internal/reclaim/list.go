// Package reclaim implements §4.E/§4.F of the core: the global
// reclaimable-page list, the four-phase reclaim_once batch, and the
// watermark-driven reclaimer task. Grounded on biscuit/src/mem/mem.go's
// free-list push/pop primitives (candidate harvest mirrors a free-list
// pop, just against a different list) and on biscuit/src/oommsg/oommsg.go's
// Oommsg_t/OomCh pattern for the wake signal between the allocator and a
// background task that relieves memory pressure.
package reclaim

import (
	"sync"
	"sync/atomic"

	"github.com/lattice-systems/enclavecore/internal/page"
	"github.com/lattice-systems/enclavecore/internal/section"
)

// List is the global ordered set of reclaimable secure pages (spec.md
// §3, "Reclaim list"), guarded by a single short-held mutex per §9's
// "short critical sections only" scheduling note.
type List struct {
	mu   sync.Mutex
	head *page.Page
	tail *page.Page
	n    int32 // atomic, mirrors section.Section's lock-free free-count reader

	pool   *section.Pool
	lowWM  int
	notify func()
}

// NewList returns an empty reclaim list. pool is consulted by AddCandidate
// to decide whether falling below the low watermark warrants an immediate
// wake (spec.md §4.F); notify is called in that case.
func NewList(pool *section.Pool, lowWatermark int, notify func()) *List {
	return &List{pool: pool, lowWM: lowWatermark, notify: notify}
}

// Len reports the current list length, read lock-free like
// section.Section's free-count (both are watermark-policy inputs).
func (l *List) Len() int { return int(atomic.LoadInt32(&l.n)) }

// AddCandidate threads a newly-constructed, user-visible secure page onto
// the tail of the reclaim list (spec.md §4.C's worker, after a successful
// add+measure). It implements enclave.ReclaimSink.
func (l *List) AddCandidate(p *page.Page) {
	l.mu.Lock()
	l.pushTailLocked(p)
	belowLow := l.pool.FreeCountTotal() < l.lowWM
	l.mu.Unlock()

	if belowLow && l.notify != nil {
		l.notify()
	}
}

// pushTailLocked links an unlinked page p onto the tail, and sets
// Reclaimable — the flag tracks list membership (cleared by
// unlinkLocked), matching how internal/enclave's worker sets it the first
// time a page is handed to AddCandidate. Caller holds l.mu.
func (l *List) pushTailLocked(p *page.Page) {
	p.Flags |= page.Reclaimable
	p.LinkReclaim(l.tail, nil)
	if l.tail != nil {
		// LinkReclaim only threads p's own pointers; patch the
		// previous tail's forward pointer to close the chain. The
		// page package exposes no direct setter for this, so reclaim
		// owns the splice the same way biscuit's list code owns
		// patching neighbor pointers on push.
		l.relinkTailNext(l.tail, p)
	} else {
		l.head = p
	}
	l.tail = p
	atomic.AddInt32(&l.n, 1)
}

// TryRemove detaches p from the list if it is still linked there. Used by
// enclave release to keep invariant I1 intact (a page must leave every
// list before being handed back to its section).
func (l *List) TryRemove(p *page.Page) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !p.OnReclaimList() {
		return false
	}
	l.unlinkLocked(p)
	return true
}

// unlinkLocked detaches p, already known to be list-linked, clears
// Reclaimable, and patches its neighbors. Caller holds l.mu.
func (l *List) unlinkLocked(p *page.Page) {
	p.Flags &^= page.Reclaimable
	prev, next := p.UnlinkReclaim()
	if prev == nil {
		l.head = next
	} else {
		l.relinkNext(prev, next)
	}
	if next == nil {
		l.tail = prev
	} else {
		l.relinkPrev(next, prev)
	}
	atomic.AddInt32(&l.n, -1)
}

// relinkTailNext, relinkNext and relinkPrev exist because page.Page keeps
// its link pointers private to its own package (only the reclaim-list
// owner is supposed to splice them) and only exposes them pairwise via
// UnlinkReclaim/LinkReclaim. Re-deriving a node's neighbor in place after
// a splice means re-linking it against its own unchanged other neighbor.
func (l *List) relinkTailNext(oldTail, newTail *page.Page) {
	prev, _ := oldTail.UnlinkReclaim()
	oldTail.LinkReclaim(prev, newTail)
}

func (l *List) relinkNext(n *page.Page, newNext *page.Page) {
	prev, _ := n.UnlinkReclaim()
	n.LinkReclaim(prev, newNext)
}

func (l *List) relinkPrev(n *page.Page, newPrev *page.Page) {
	_, next := n.UnlinkReclaim()
	n.LinkReclaim(newPrev, next)
}

// harvest pops up to n pages from the head of the list for one batch
// (spec.md §4.E phase 1), returning them in FIFO order.
func (l *List) harvest(n int) []*page.Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*page.Page, 0, n)
	for len(out) < n && l.head != nil {
		p := l.head
		l.unlinkLocked(p)
		out = append(out, p)
	}
	return out
}

// requeueTail re-links a candidate the age-test phase chose not to evict
// (spec.md §4.E phase 2: "returned to the tail of the reclaim list").
func (l *List) requeueTail(p *page.Page) {
	l.mu.Lock()
	l.pushTailLocked(p)
	l.mu.Unlock()
}
