package enclave

import (
	"context"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
)

// validateSecs implements the shape checks spec.md §4.C's create
// performs before anything is allocated: size a power of two of at least
// two pages, base aligned to size, reserved attribute/xfrm bits clear,
// and an adequate SSA frame size.
func validateSecs(a SecsArgs) defs.Err_t {
	if a.Size < 2*PageSize || a.Size&(a.Size-1) != 0 {
		return defs.EINVAL
	}
	if a.Base%a.Size != 0 {
		return defs.EINVAL
	}
	if a.Attributes&^uint64(knownAttributeBits) != 0 {
		return defs.EINVAL
	}
	if a.Xfrm&^uint64(knownXfrmBits) != 0 || a.Xfrm&uint64(knownXfrmBits) == 0 {
		return defs.EINVAL
	}
	if a.SSAFrameSize == 0 {
		return defs.EINVAL
	}
	return defs.OK
}

// Create implements spec.md §4.C's create: validate, build the backing
// file, allocate and bind the SECS secure page, and issue the hardware
// create primitive. On any failure, no enclave state escapes this
// function — the caller has nothing to release.
func Create(ctx context.Context, id string, args SecsArgs, alloc *pagealloc.Allocator, prims hw.Primitives) (*Enclave, defs.Err_t) {
	if err := validateSecs(args); err != defs.OK {
		return nil, err
	}

	e := New(id)
	e.base = args.Base
	e.size = args.Size
	e.allowedAttr = uint64(knownAttributeBits)
	if args.Attributes&attrDebug != 0 {
		e.flags |= Debug
	}

	e.pgCount = int(args.Size / PageSize)
	backingSize := e.pgCount*PageSize + e.pgCount
	bf, err := NewBackingFile(backingSize)
	if err != nil {
		return nil, defs.EINVAL
	}
	e.backing = bf

	secsPage, aerr := alloc.Allocate(ctx, e, false)
	if aerr != defs.OK {
		bf.Close()
		return nil, aerr
	}
	e.secs = secsPage

	status, herr := prims.CreateContainer(secsPage.Addr)
	if herr != nil || status != hw.OK {
		alloc.Free(prims, secsPage)
		bf.Close()
		return nil, defs.EFAULT
	}
	return e, defs.OK
}

// SetAllowedAttribute raises the ceiling Init validates SigStruct
// attributes against (spec.md §4.C). Calling it twice with the same
// attribute is a no-op beyond the first (R3): OR-ing a bit already set
// changes nothing.
func (e *Enclave) SetAllowedAttribute(attr uint64) {
	e.mu.Lock()
	e.allowedAttr |= attr
	e.mu.Unlock()
}
