package enclave

import (
	"github.com/lattice-systems/enclavecore/internal/hw"
	securepage "github.com/lattice-systems/enclavecore/internal/page"
	"github.com/lattice-systems/enclavecore/internal/vaslot"
)

// SecsAddr exposes the bound SECS page's physical address to
// internal/reclaim, which needs it to re-issue hardware track on a
// NOT_TRACKED write-back response (spec.md §4.E phase 4).
func (e *Enclave) SecsAddr() hw.Addr { return e.secsAddr() }

// FinalizeEvict commits a successful write-back (spec.md §4.E phase 4,
// tail end): the enclave-page loses its resident binding, gains its
// sealing-slot location, and the child count drops by one. It reports the
// now-detached secure page so the caller can return it to its section and
// mirror the eviction to the backing file outside the enclave lock; it
// returns nil if ep was already evicted by a racing call (defensive —
// phase 1's refcount-on-enclave protocol should make that unreachable for
// a single page, since only one reclaim batch at a time holds the ref
// that keeps this enclave alive while touching it).
func (e *Enclave) FinalizeEvict(ep *Page, vaPage *vaslot.Page, slot int) *securepage.Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	pg := ep.Secure
	if pg == nil {
		return nil
	}
	ep.Secure = nil
	ep.Flags |= Reclaimed
	ep.VAPage = vaPage
	ep.VASlot = slot
	e.childCnt--
	return pg
}
