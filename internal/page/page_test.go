package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-systems/enclavecore/internal/hw"
)

func TestLinkUnlinkFree(t *testing.T) {
	p := New(0, hw.Addr(0x1000))
	require.True(t, p.Free())

	p.LinkFree(nil)
	require.Panics(t, func() { p.LinkFree(nil) })
	require.Nil(t, p.NextFree())
	p.UnlinkFree()
	require.Panics(t, func() { p.UnlinkFree() })
}

func TestLinkUnlinkReclaim(t *testing.T) {
	p := New(0, hw.Addr(0x2000))
	p.LinkReclaim(nil, nil)
	require.True(t, p.OnReclaimList())
	require.Panics(t, func() { p.LinkReclaim(nil, nil) })

	prev, next := p.UnlinkReclaim()
	require.Nil(t, prev)
	require.Nil(t, next)
	require.False(t, p.OnReclaimList())
	require.Panics(t, func() { p.UnlinkReclaim() })
}

func TestOwnerDefaultsNil(t *testing.T) {
	p := New(1, hw.Addr(0x3000))
	require.Nil(t, p.Owner)
	require.True(t, p.Free())
}
