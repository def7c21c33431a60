// Package hw treats each privileged secure-page instruction as an opaque
// operation: a tuple of physical-address pointers in, a Status out. The
// real instructions (create/add/extend/init/block/track/write-back/
// reload/remove) are ring-0 only; this package defines the contract and a
// software-simulated implementation so the rest of the core can be built
// and tested without them.
package hw

import "github.com/pkg/errors"

// Status is the result of one hardware primitive invocation.
type Status int

const (
	// OK is a successful, terminal result.
	OK Status = iota
	// TransientRetry means the primitive was interrupted by an
	// unmasked event and should be retried.
	TransientRetry
	// NotTracked means a write-back was attempted on a page the SECS
	// does not believe is tracked; the caller should issue Track and
	// retry.
	NotTracked
	// Fault means the operation faulted the enclave; it is now dead.
	Fault
	// InternalError is any other fatal status.
	InternalError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case TransientRetry:
		return "transient-retry"
	case NotTracked:
		return "not-tracked"
	case Fault:
		return "fault"
	case InternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

// Addr is a physical-address argument to a primitive. It is an opaque
// uintptr-sized value from the core's perspective.
type Addr uint64

// SecInfo is the 64-byte-aligned page-shape descriptor copied from the
// caller for add-page, and re-validated by internal/enclave before a
// request is queued.
type SecInfo struct {
	PageType    uint8
	Flags       uint8
	SSAFrameOff uint32
	FSOffset    uint64
	GSOffset    uint64
	FSLimit     uint32
	GSLimit     uint32
}

// CPUSet names the set of logical CPUs that ever ran within an attached
// address space, used as the shootdown target for write-back retries.
type CPUSet map[int]struct{}

// Primitives is the hardware primitive layer collaborator from spec.md §6.
// Every method takes physical addresses and returns a Status; fatal Go
// errors (as opposed to Status codes) indicate a collaborator-level
// failure (e.g. the simulated backend refusing to write back a page that
// was never blocked)
// rather than a hardware outcome the core's retry/error policy governs.
type Primitives interface {
	CreateContainer(secs Addr) (Status, error)
	AddPage(secs, dst, src Addr, info SecInfo) (Status, error)
	Extend(secs, dst Addr, chunkOffset uint32) (Status, error)
	Init(secs Addr, sigstruct, token []byte) (Status, error)
	Block(pte Addr) (Status, error)
	Track(secs Addr) (Status, error)
	WriteBack(pte, va, vaSlot Addr, cpus CPUSet) (Status, error)
	Reload(pte, va, vaSlot Addr) (Status, error)
	Remove(pte Addr) (Status, error)
}

// ErrUnknownAddr is the error for an operation on a physical address the
// backend never allocated. Sim keeps no allocation record and never
// returns it.
var ErrUnknownAddr = errors.New("hw: unknown physical address")
