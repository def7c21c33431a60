package hwinit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
)

// TestRetryTransientThenOKWithinSpinCount is property S5: three transient
// results followed by OK resolve within SPIN_COUNT with no sleeps.
func TestRetryTransientThenOKWithinSpinCount(t *testing.T) {
	cfg := Config{SpinCount: 16, SleepCount: 4, SleepTime: time.Hour}
	calls := 0
	step := func() (hw.Status, error) {
		calls++
		if calls <= 3 {
			return hw.TransientRetry, nil
		}
		return hw.OK, nil
	}

	outcome, err := Retry(context.Background(), cfg, step)
	require.Equal(t, Success, outcome)
	require.Equal(t, defs.OK, err)
	require.Equal(t, 4, calls)
}

func TestRetryFaultStatusIsFaulted(t *testing.T) {
	cfg := Config{SpinCount: 4, SleepCount: 2, SleepTime: time.Millisecond}
	step := func() (hw.Status, error) { return hw.Fault, nil }

	outcome, err := Retry(context.Background(), cfg, step)
	require.Equal(t, Faulted, outcome)
	require.Equal(t, defs.EFAULT, err)
}

func TestRetryStepErrorIsFaulted(t *testing.T) {
	cfg := Config{SpinCount: 4, SleepCount: 2, SleepTime: time.Millisecond}
	step := func() (hw.Status, error) { return hw.OK, context.DeadlineExceeded }

	outcome, err := Retry(context.Background(), cfg, step)
	require.Equal(t, Faulted, outcome)
	require.Equal(t, defs.EFAULT, err)
}

// TestRetryInterruptedAfterAtMostOneSleep is property B4: a canceled
// context breaks out after at most one sleep interval rather than
// completing the full SleepCount loop.
func TestRetryInterruptedAfterAtMostOneSleep(t *testing.T) {
	cfg := Config{SpinCount: 1, SleepCount: 10, SleepTime: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	step := func() (hw.Status, error) {
		calls++
		if calls == 1 {
			cancel()
		}
		return hw.TransientRetry, nil
	}

	start := time.Now()
	outcome, err := Retry(ctx, cfg, step)
	elapsed := time.Since(start)

	require.Equal(t, Interrupted, outcome)
	require.Equal(t, defs.ERESTARTSYS, err)
	require.Less(t, elapsed, 5*cfg.SleepTime)
}

func TestRetryExhaustionWithoutSettlingIsFaulted(t *testing.T) {
	cfg := Config{SpinCount: 2, SleepCount: 2, SleepTime: time.Millisecond}
	step := func() (hw.Status, error) { return hw.TransientRetry, nil }

	outcome, err := Retry(context.Background(), cfg, step)
	require.Equal(t, Faulted, outcome)
	require.Equal(t, defs.EFAULT, err)
}
