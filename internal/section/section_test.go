package section

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-systems/enclavecore/internal/hw"
)

// TestFreeCountMatchesFreeListLength is property P1: free_count(s,t)
// equals the length of the free list at every moment checkable between
// operations.
func TestFreeCountMatchesFreeListLength(t *testing.T) {
	s := New(hw.Addr(0), 0, 4, 4096)
	require.Equal(t, 4, s.FreeCount())

	var got []*hw.Addr
	for i := 0; i < 4; i++ {
		p, ok := s.TryAlloc()
		require.True(t, ok)
		got = append(got, &p.Addr)
	}
	require.Equal(t, 0, s.FreeCount())
	_, ok := s.TryAlloc()
	require.False(t, ok)

	p := s.AllPages()[0]
	p.Owner = nil
	p.Flags = 0
	s.Release(p)
	require.Equal(t, 1, s.FreeCount())
}

func TestPoolRoundRobin(t *testing.T) {
	pool := NewPool(hw.Addr(4096), []SectionDesc{
		{PhysBase: 0, VirtBase: 0, PageCount: 1},
		{PhysBase: 0x10000, VirtBase: 0, PageCount: 1},
	})
	require.Equal(t, 2, pool.FreeCountTotal())

	p1, ok := pool.TryAllocRR()
	require.True(t, ok)
	p2, ok := pool.TryAllocRR()
	require.True(t, ok)
	require.NotEqual(t, p1.Section, p2.Section)

	_, ok = pool.TryAllocRR()
	require.False(t, ok)
	require.Equal(t, 0, pool.FreeCountTotal())
}
