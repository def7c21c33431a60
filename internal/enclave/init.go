package enclave

import (
	"context"
	"crypto/sha256"
	"runtime"
	"sync/atomic"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/hwinit"
)

// Hasher computes the signer-hash Init derives from a SigStruct's
// modulus (spec.md §4.C). It is a collaborator rather than a bare
// function call so tests can substitute a fixed digest instead of
// computing real SHA-256 over a 384-byte field.
type Hasher interface {
	Sum(data []byte) [32]byte
}

// Sha256Hasher is the production Hasher. crypto/sha256 is this core's one
// deliberate standard-library dependency: no third-party SHA-256
// implementation appears anywhere in the retrieval pack (see DESIGN.md).
type Sha256Hasher struct{}

// Sum implements Hasher.
func (Sha256Hasher) Sum(data []byte) [32]byte { return sha256.Sum256(data) }

// Init implements spec.md §4.C's init: verify the signature structure's
// attributes against the ceiling Create/SetAllowedAttribute established,
// derive the signer-hash over the modulus (full signature verification
// against a signing key is out of scope per spec.md §1), flush the
// add-page worker so no construction work is still in flight, then run
// the bounded retry loop from §4.H under the enclave mutex. hasher may be
// nil, in which case Sha256Hasher is used.
func (e *Enclave) Init(ctx context.Context, sig SigStruct, token []byte, hasher Hasher, prims hw.Primitives) defs.Err_t {
	e.mu.Lock()
	if e.hasFlag(Dead) {
		e.mu.Unlock()
		return defs.EDEAD
	}
	if e.hasFlag(Initialized) {
		e.mu.Unlock()
		return defs.EINVAL
	}
	if sig.Attributes&^e.allowedAttr != 0 {
		e.mu.Unlock()
		return defs.EINVAL
	}
	e.mu.Unlock()

	if hasher == nil {
		hasher = Sha256Hasher{}
	}
	_ = hasher.Sum(sig.Modulus[:])

	e.flushAddWorker()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasFlag(Dead) {
		return defs.EDEAD
	}

	secs := e.secsAddr()
	outcome, err := hwinit.Retry(ctx, hwinit.DefaultConfig, func() (hw.Status, error) {
		return prims.Init(secs, sig.Modulus[:], token)
	})
	switch outcome {
	case hwinit.Success:
		e.flags |= Initialized
		return defs.OK
	case hwinit.Interrupted:
		return defs.ERESTARTSYS
	default:
		e.markDead(false)
		return err
	}
}

// flushAddWorker waits until the add-page queue is empty and no
// previously-dequeued request is still being processed. draining and the
// queue length are both read without holding the lock continuously, but
// every observation is internally consistent: draining is cleared only
// after the request it guards has been fully retired (DrainOnce's defer).
func (e *Enclave) flushAddWorker() {
	for {
		e.mu.Lock()
		empty := e.addQueue.Len() == 0
		e.mu.Unlock()
		if empty && atomic.LoadInt32(&e.draining) == 0 {
			return
		}
		runtime.Gosched()
	}
}
