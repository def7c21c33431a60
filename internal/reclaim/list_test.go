package reclaim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/page"
	"github.com/lattice-systems/enclavecore/internal/section"
)

func newTestPool(count int) *section.Pool {
	return section.NewPool(4096, []section.SectionDesc{{PhysBase: 0, VirtBase: 0, PageCount: count}})
}

func TestListHarvestIsFIFO(t *testing.T) {
	pool := newTestPool(8)
	l := NewList(pool, 0, nil)

	pages := []*page.Page{
		page.New(0, hw.Addr(1)),
		page.New(0, hw.Addr(2)),
		page.New(0, hw.Addr(3)),
	}
	for _, p := range pages {
		l.AddCandidate(p)
	}
	require.Equal(t, 3, l.Len())

	got := l.harvest(2)
	require.Len(t, got, 2)
	require.Equal(t, pages[0], got[0])
	require.Equal(t, pages[1], got[1])
	require.Equal(t, 1, l.Len())

	rest := l.harvest(10)
	require.Len(t, rest, 1)
	require.Equal(t, pages[2], rest[0])
	require.Equal(t, 0, l.Len())
}

func TestListRequeueTailMovesPageToEnd(t *testing.T) {
	pool := newTestPool(8)
	l := NewList(pool, 0, nil)

	a := page.New(0, hw.Addr(1))
	b := page.New(0, hw.Addr(2))
	l.AddCandidate(a)
	l.AddCandidate(b)

	harvested := l.harvest(1)
	require.Equal(t, []*page.Page{a}, harvested)
	l.requeueTail(a)

	require.Equal(t, 2, l.Len())
	got := l.harvest(2)
	require.Equal(t, []*page.Page{b, a}, got)
}

func TestTryRemoveOnlyUnlinksWhenPresent(t *testing.T) {
	pool := newTestPool(8)
	l := NewList(pool, 0, nil)

	a := page.New(0, hw.Addr(1))
	l.AddCandidate(a)

	require.True(t, l.TryRemove(a))
	require.False(t, l.TryRemove(a))
	require.Equal(t, 0, l.Len())
}

func TestAddCandidateNotifiesBelowLowWatermark(t *testing.T) {
	pool := newTestPool(1)
	notified := make(chan struct{}, 1)
	l := NewList(pool, 10, func() { notified <- struct{}{} })

	l.AddCandidate(page.New(0, hw.Addr(1)))

	select {
	case <-notified:
	default:
		t.Fatal("expected notify when free count is below the low watermark")
	}
}
