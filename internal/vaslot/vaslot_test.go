package vaslot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/page"
)

func TestAllocSlotFillsPageBeforeRollover(t *testing.T) {
	l := NewList()
	var allocs int
	newPage := func() (*page.Page, error) {
		allocs++
		return page.New(0, hw.Addr(uint64(allocs)*0x1000)), nil
	}

	var firstPage *Page
	for i := 0; i < SlotsPerPage; i++ {
		vp, idx, err := l.AllocSlot(newPage)
		require.NoError(t, err)
		require.Equal(t, i, idx)
		if firstPage == nil {
			firstPage = vp
		}
		require.Same(t, firstPage, vp)
	}
	require.True(t, firstPage.Full())
	require.Equal(t, 1, allocs)

	vp, idx, err := l.AllocSlot(newPage)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	require.NotSame(t, firstPage, vp)
	require.Equal(t, 2, allocs)
}

func TestAllocSlotPropagatesNewPageError(t *testing.T) {
	l := NewList()
	wantErr := errors.New("no pages left")
	_, _, err := l.AllocSlot(func() (*page.Page, error) { return nil, wantErr })
	require.ErrorIs(t, err, wantErr)
}

func TestPagesReturnsInsertionOrder(t *testing.T) {
	l := NewList()
	newPage := func() (*page.Page, error) { return page.New(0, hw.Addr(0)), nil }

	var want []*Page
	for i := 0; i < 3; i++ {
		for j := 0; j < SlotsPerPage; j++ {
			vp, _, err := l.AllocSlot(newPage)
			require.NoError(t, err)
			if j == 0 {
				want = append(want, vp)
			}
		}
	}

	got := l.Pages()
	require.Equal(t, want, got)
}
