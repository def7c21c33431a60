package enclave

import "github.com/lattice-systems/enclavecore/internal/defs"

// validateSecInfo implements the secinfo shape checks from spec.md
// §4.C's add_page: known page type, W→R implication, reserved bits
// clear, plus the extra TCS-specific checks (SSA/FS/GS offsets and
// 0xFFF-terminated limits). enclaveSize bounds the FS/GS offsets, which
// are linear offsets within the enclave's own address range rather than
// page-aligned addresses.
func validateSecInfo(info SecInfo, enclaveSize uintptr) defs.Err_t {
	if info.PageType != PageTypeReg && info.PageType != PageTypeTCS {
		return defs.EINVAL
	}
	if info.Flags&^uint8(knownSecinfoFlagBits) != 0 {
		return defs.EINVAL
	}
	if info.Flags&secinfoW != 0 && info.Flags&secinfoR == 0 {
		return defs.EINVAL
	}
	if info.PageType == PageTypeTCS {
		if info.SSAFrameOff%PageSize != 0 {
			return defs.EINVAL
		}
		if uintptr(info.FSOffset) >= enclaveSize || uintptr(info.GSOffset) >= enclaveSize {
			return defs.EINVAL
		}
		// The low 12 bits of a segment limit are reserved and must be
		// set ("0xFFF-terminated"); only the high bits carry the actual
		// limit value.
		if info.FSLimit&0xfff != 0xfff || info.GSLimit&0xfff != 0xfff {
			return defs.EINVAL
		}
	}
	return defs.OK
}

// AddPage implements spec.md §4.C's add_page. It validates the request,
// inserts a new enclave-page descriptor into the page map (failing
// Duplicate if one already exists), mirrors data into the backing file,
// and enqueues a pending add-request, kicking the worker if the queue was
// empty.
func (e *Enclave) AddPage(va uintptr, data []byte, info SecInfo, measureMask uint16) defs.Err_t {
	if len(data) != PageSize {
		return defs.EINVAL
	}
	if err := validateSecInfo(info, e.size); err != defs.OK {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasFlag(Dead) {
		return defs.EDEAD
	}
	if e.hasFlag(Initialized) {
		return defs.EINVAL
	}
	if _, exists := e.pages.get(uint64(va)); exists {
		return defs.EDUPLICATE
	}

	ep := &Page{VA: va, Enclave: e}
	if info.PageType == PageTypeTCS {
		ep.Flags |= TCS
	}
	e.pages.insert(uint64(va), ep)

	idx := int((va - e.base) / PageSize)
	var pg [PageSize]byte
	copy(pg[:], data)
	if err := e.backing.WritePage(idx, pg[:]); err != nil {
		e.pages.delete(uint64(va))
		return defs.EINVAL
	}

	req := &PendingAdd{Page: ep, Info: info, MeasureMask: measureMask}
	copy(req.Data[:], data)

	if !e.Get() {
		// Should not happen: the enclave's own caller holds a
		// reference for the duration of this call, so Get() only
		// fails if Dead raced us in after the check above — treat
		// identically to the Dead check.
		e.pages.delete(uint64(va))
		return defs.EDEAD
	}

	wasEmpty := e.addQueue.Len() == 0
	e.addQueue.PushBack(req)
	if wasEmpty && e.kicker != nil {
		e.kicker.Kick()
	}
	return defs.OK
}

// dequeueAdd is called by internal/addworker under the enclave lock to
// pop the head of the queue. It reports whether the queue is now empty.
func (e *Enclave) dequeueAdd() (*PendingAdd, bool) {
	front := e.addQueue.Front()
	if front == nil {
		return nil, true
	}
	e.addQueue.Remove(front)
	return front.Value.(*PendingAdd), e.addQueue.Len() == 0
}

