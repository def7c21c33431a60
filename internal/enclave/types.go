package enclave

import "github.com/lattice-systems/enclavecore/internal/hw"

// PageSize is the fixed secure-page size used throughout the core.
const PageSize = 4096

// Flag is a bitmask of enclave lifecycle state (spec.md §3).
type Flag uint32

const (
	// Debug marks an enclave built for debugging (relaxed measurement
	// disclosure; not itself enforced by this core — see spec.md §1
	// scope note on attribute/signature validation).
	Debug Flag = 1 << iota
	// Initialized is set at most once, only if Dead is unset at the
	// moment of transition (invariant I5).
	Initialized
	// Dead is monotonic: once set it is never cleared (invariant I5).
	Dead
	// Suspend is the power-loss companion to Dead; markDead sets it when
	// passed suspend=true. This core has no power-event hook, and every
	// markDead call in it passes false, so Suspend is never set.
	Suspend
)

// knownAttributeBits and knownXfrmBits are the reserved-bit masks Create
// and Init validate against; SetAllowedAttribute raises the ceiling used
// by Init, but reserved-bit shape validation in Create/AddPage is fixed.
const (
	attrInit    = 1 << 0
	attrDebug   = 1 << 1
	attrMode64  = 1 << 2
	attrProvKey = 1 << 4

	knownAttributeBits = attrInit | attrDebug | attrMode64 | attrProvKey
	knownXfrmBits      = 0x3 // x87 + SSE, the minimum required state
)

// SecsArgs is the caller-supplied enclave-control-structure shape given
// to Create (spec.md §4.C).
type SecsArgs struct {
	Base         uintptr
	Size         uintptr
	Attributes   uint64
	Xfrm         uint64
	SSAFrameSize uint32
}

// SecInfo mirrors hw.SecInfo; re-exported here so callers of AddPage do
// not need to import internal/hw directly.
type SecInfo = hw.SecInfo

// PageType values recognized by AddPage's secinfo validation.
const (
	PageTypeReg uint8 = iota
	PageTypeTCS
	PageTypeSecs
)

// secinfo flag bits.
const (
	secinfoR = 1 << 0
	secinfoW = 1 << 1
	secinfoX = 1 << 2

	knownSecinfoFlagBits = secinfoR | secinfoW | secinfoX
)

// SigStruct is the caller-supplied signature structure given to Init.
// Only the fields the core's own invariants touch are modeled; full
// signature verification is out of scope per spec.md §1.
type SigStruct struct {
	Modulus    [384]byte
	Attributes uint64
}
