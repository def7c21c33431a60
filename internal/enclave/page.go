package enclave

import (
	"fmt"

	securepage "github.com/lattice-systems/enclavecore/internal/page"
	"github.com/lattice-systems/enclavecore/internal/vaslot"
)

// PageFlag is a bitmask of enclave-page state (spec.md §3).
type PageFlag uint8

const (
	// TCS marks a page as a thread control structure, an execution
	// entry point.
	TCS PageFlag = 1 << iota
	// Reclaimed marks a page whose secure-page binding has been (or is
	// being) evicted.
	Reclaimed
)

// Page is one enclave-page descriptor: a virtual address within an
// enclave's range, plus whichever secure page currently backs it (nil if
// evicted). The Enclave back-pointer is a non-owning back-reference per
// spec.md §9 — code that dereferences it off the enclave's own goroutine
// must hold a refcount on the enclave first.
type Page struct {
	VA    uintptr
	Flags PageFlag

	// Enclave is the owning enclave. Non-owning; see package doc.
	Enclave *Enclave

	// Secure is the currently-bound secure page, or nil if evicted.
	Secure *securepage.Page

	// VASlot identifies, once evicted, the version-array slot holding
	// this page's sealing metadata.
	VAPage *vaslot.Page
	VASlot int
}

// OwnerID implements securepage.Owner for diagnostics.
func (p *Page) OwnerID() string {
	if p.Enclave == nil {
		return "enclave-page(detached)"
	}
	return fmt.Sprintf("%s:%#x", p.Enclave.id, p.VA)
}
