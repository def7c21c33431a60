package enclave

import (
	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
)

// FaultLookup implements the enclave side of spec.md §4.G under a single
// lock acquisition: a DEAD or not-yet-INITIALIZED enclave always faults;
// otherwise a resident enclave-page yields its physical frame and a
// non-resident one (evicted, or simply never mapped) yields
// ENOTIMPLEMENTED, the signal internal/fault uses to pick the reload stub
// instead of an install (spec.md §9, O1 — no reload path is wired in this
// version of the core).
func (e *Enclave) FaultLookup(va uintptr) (hw.Addr, defs.Err_t) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flags&Dead != 0 || e.flags&Initialized == 0 {
		return 0, defs.EFAULT
	}
	ep, ok := e.pages.get(uint64(va))
	if !ok {
		return 0, defs.EFAULT
	}
	if ep.Secure == nil {
		return 0, defs.ENOTIMPLEMENTED
	}
	return ep.Secure.Addr, defs.OK
}
