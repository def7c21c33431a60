// Package hwinit implements §4.H: the bounded retry loop around the
// hardware init primitive. Grounded on biscuit/src/limits/limits.go's
// Taken/Given retry-with-rollback shape for the spin/sleep structure, and
// on the interruptible-wait pattern used throughout biscuit/src/vm for the
// sleep step, rendered here as a context-cancellable timer select instead
// of a raw signal check.
package hwinit

import (
	"context"
	"time"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
)

// Config bounds the retry policy: an outer loop of up to SleepCount
// iterations, each spinning up to SpinCount times on the primitive before
// sleeping SleepTime and retrying.
type Config struct {
	SpinCount  int
	SleepCount int
	SleepTime  time.Duration
}

// DefaultConfig matches the nominal constants named (but not fixed) by
// spec.md §4.H.
var DefaultConfig = Config{SpinCount: 16, SleepCount: 4, SleepTime: 20 * time.Millisecond}

// Step is the hardware init primitive, called once per spin/sleep
// iteration.
type Step func() (hw.Status, error)

// Outcome is the non-transient result of Retry.
type Outcome int

const (
	// Success: INITIALIZED should be set.
	Success Outcome = iota
	// Faulted: the enclave should be marked DEAD and EFAULT returned.
	Faulted
	// Interrupted: ctx was canceled during a sleep.
	Interrupted
)

// Retry runs step under the bounded spin/sleep policy described in
// spec.md §4.H and returns the terminal outcome. A transient result
// (hw.TransientRetry) is always absorbed internally and never returned to
// the caller as an error — only Success, Faulted or Interrupted escape.
func Retry(ctx context.Context, cfg Config, step Step) (Outcome, defs.Err_t) {
	for outer := 0; outer < cfg.SleepCount; outer++ {
		for spin := 0; spin < cfg.SpinCount; spin++ {
			status, err := step()
			if err != nil {
				return Faulted, defs.EFAULT
			}
			switch status {
			case hw.OK:
				return Success, defs.OK
			case hw.TransientRetry:
				continue
			case hw.Fault:
				return Faulted, defs.EFAULT
			default:
				return Faulted, defs.EFAULT
			}
		}
		select {
		case <-time.After(cfg.SleepTime):
		case <-ctx.Done():
			return Interrupted, defs.ERESTARTSYS
		}
	}
	// Exhausted every sleep/spin iteration while still transient: the
	// hardware never settled. Treat as a fault rather than spin forever.
	return Faulted, defs.EFAULT
}
