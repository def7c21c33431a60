// Package fault implements §4.G of the core: the page-fault entry point
// invoked by the host OS when a caller touches an enclave range. Grounded
// on biscuit/src/vm/as.go's Vm_t.Pgfault/Sys_pgfault — locate the mapped
// object, install a frame or hand back a fault — narrowed here to the one
// concern spec.md §1 says is actually in scope: the enclave-page lookup
// and frame install, not general VMA classification.
package fault

import (
	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/enclave"
)

// Handler services faults on enclave ranges. It is stateless: every call
// is handed the specific enclave and address space the host's VMA layer
// already resolved the fault to.
type Handler struct{}

// New returns a Handler.
func New() *Handler { return &Handler{} }

// Handle resolves one fault at va, within the address space as, on
// enclave e (spec.md §4.G). A resident page is installed read-write and
// reported Ok — installing triggers the hardware's own protection checks
// on the next access, this core's job ends at "the right frame is
// mapped." A DEAD enclave, an uninitialized enclave, or a non-resident
// page (invariant I6: never install a stale frame) all surface EFAULT.
func (h *Handler) Handle(e *enclave.Enclave, as enclave.AddressSpace, va uintptr) defs.Err_t {
	frame, err := e.FaultLookup(va)
	switch err {
	case defs.OK:
		if ierr := as.InstallFrame(va, frame, true); ierr != nil {
			return defs.EFAULT
		}
		return defs.OK
	case defs.ENOTIMPLEMENTED:
		return reloadStub(e, as, va)
	default:
		return defs.EFAULT
	}
}

// reloadStub is where an on-demand reload would go: allocate a secure
// page, hardware-reload it from the sealed backing-file copy and its
// version-array slot, reinstall the frame — the mirror image of §4.E's
// eviction phases run in reverse. hw.Primitives already exposes Reload
// for exactly this; wiring it is intentionally left undone in this
// version of the core (spec.md §9, O1). Every non-resident fault bus-
// errors instead.
func reloadStub(e *enclave.Enclave, as enclave.AddressSpace, va uintptr) defs.Err_t {
	_ = e
	_ = as
	_ = va
	return defs.EFAULT
}
