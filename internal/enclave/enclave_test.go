package enclave

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
	"github.com/lattice-systems/enclavecore/internal/section"
)

type stubReclaimer struct{}

func (stubReclaimer) Wake()                      {}
func (stubReclaimer) Progress() <-chan struct{} { return make(chan struct{}) }

func newTestAllocator(pages int) *pagealloc.Allocator {
	pool := section.NewPool(PageSize, []section.SectionDesc{{PhysBase: 0, VirtBase: 0, PageCount: pages}})
	return pagealloc.New(pool, stubReclaimer{})
}

// syncKicker is a minimal stand-in for internal/addworker's Worker: Kick
// starts a goroutine that drains the add-page queue via the exported
// DrainOnce, exactly as Worker.run does. internal/addworker imports this
// package to call SetKicker, so these tests cannot import it back without
// a cycle. Kick cannot call DrainOnce inline — AddPage calls Kick while
// still holding e.mu (deferred unlock), and DrainOnce takes the same lock
// — so this, like the real worker, hands off to a goroutine instead.
type syncKicker struct {
	e     *Enclave
	prims hw.Primitives
	alloc *pagealloc.Allocator
	sink  ReclaimSink
}

func (k *syncKicker) Kick() {
	go func() {
		for k.e.DrainOnce(context.Background(), k.prims, k.alloc, k.sink) {
		}
	}()
}

func validArgs() SecsArgs {
	return SecsArgs{
		Base:         0x10000,
		Size:         0x10000, // 16 pages, power of two
		Attributes:   attrMode64,
		Xfrm:         0x3,
		SSAFrameSize: 1,
	}
}

// TestCreateAddInitHappyPath is property S1: a full create/add/init
// sequence succeeds end to end.
func TestCreateAddInitHappyPath(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	e, err := Create(context.Background(), "e1", validArgs(), alloc, prims)
	require.Equal(t, defs.OK, err)
	require.NotNil(t, e)
	e.SetKicker(&syncKicker{e: e, prims: prims, alloc: alloc})

	data := make([]byte, PageSize)
	addErr := e.AddPage(0x10000, data, hw.SecInfo{PageType: PageTypeReg, Flags: secinfoR}, 0)
	require.Equal(t, defs.OK, addErr)

	initErr := e.Init(context.Background(), SigStruct{Attributes: attrMode64}, nil, nil, prims)
	require.Equal(t, defs.OK, initErr)
	require.NotZero(t, e.Flags()&Initialized)
}

// TestCreateRejectsBadSize is property B1: size/base shape validation.
func TestCreateRejectsBadSize(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	args := validArgs()
	args.Size = 3 * PageSize // not a power of two
	_, err := Create(context.Background(), "bad-size", args, alloc, prims)
	require.Equal(t, defs.EINVAL, err)
}

func TestCreateRejectsMisalignedBase(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	args := validArgs()
	args.Base = args.Size + 1
	_, err := Create(context.Background(), "bad-base", args, alloc, prims)
	require.Equal(t, defs.EINVAL, err)
}

// TestInitRejectsAttributeOutsideAllowedMask is property B2: a SigStruct
// attribute bit outside the ceiling Create/SetAllowedAttribute established
// is rejected even though Create's own reserved-bit shape check would
// have let it through.
func TestInitRejectsAttributeOutsideAllowedMask(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	e, err := Create(context.Background(), "e2", validArgs(), alloc, prims)
	require.Equal(t, defs.OK, err)
	e.allowedAttr = attrMode64 // narrow the ceiling below knownAttributeBits

	initErr := e.Init(context.Background(), SigStruct{Attributes: attrMode64 | attrProvKey}, nil, nil, prims)
	require.Equal(t, defs.EINVAL, initErr)
}

// TestSetAllowedAttributeIdempotent is property R3: OR-ing an
// already-set bit a second time changes nothing observable.
func TestSetAllowedAttributeIdempotent(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	e, err := Create(context.Background(), "e4", validArgs(), alloc, prims)
	require.Equal(t, defs.OK, err)

	e.SetAllowedAttribute(attrProvKey)
	first := e.allowedAttr
	e.SetAllowedAttribute(attrProvKey)
	require.Equal(t, first, e.allowedAttr)
}

// TestAddPageRejectsDuplicateAddress is properties B3/S4.
func TestAddPageRejectsDuplicateAddress(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	e, err := Create(context.Background(), "e5", validArgs(), alloc, prims)
	require.Equal(t, defs.OK, err)

	data := make([]byte, PageSize)
	info := hw.SecInfo{PageType: PageTypeReg, Flags: secinfoR}
	require.Equal(t, defs.OK, e.AddPage(0x10000, data, info, 0))
	require.Equal(t, defs.EDUPLICATE, e.AddPage(0x10000, data, info, 0))
}

func TestAddPageRejectsAfterInitialized(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	e, err := Create(context.Background(), "e6", validArgs(), alloc, prims)
	require.Equal(t, defs.OK, err)
	initErr := e.Init(context.Background(), SigStruct{Attributes: attrMode64}, nil, nil, prims)
	require.Equal(t, defs.OK, initErr)

	data := make([]byte, PageSize)
	info := hw.SecInfo{PageType: PageTypeReg, Flags: secinfoR}
	require.Equal(t, defs.EINVAL, e.AddPage(0x10000, data, info, 0))
}

// TestAddPageAcceptsValidTCSPage is property S1's TCS variant: a
// page-aligned SSA frame offset with FS/GS at 0 and 0xFFF-terminated
// limits is accepted.
func TestAddPageAcceptsValidTCSPage(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	e, err := Create(context.Background(), "e7", validArgs(), alloc, prims)
	require.Equal(t, defs.OK, err)

	data := make([]byte, PageSize)
	info := hw.SecInfo{
		PageType:    PageTypeTCS,
		SSAFrameOff: PageSize,
		FSOffset:    0,
		GSOffset:    0,
		FSLimit:     0xfff,
		GSLimit:     0xfff,
	}
	require.Equal(t, defs.OK, e.AddPage(0x10000, data, info, 0))
}

// TestAddPageRejectsTCSOutOfBoundsOffset is the out-of-bounds half of
// validateSecInfo's FS/GS check: an offset at or past the enclave's own
// size is not a valid linear offset within it.
func TestAddPageRejectsTCSOutOfBoundsOffset(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	e, err := Create(context.Background(), "e8", validArgs(), alloc, prims)
	require.Equal(t, defs.OK, err)

	data := make([]byte, PageSize)
	info := hw.SecInfo{
		PageType:    PageTypeTCS,
		SSAFrameOff: PageSize,
		FSOffset:    uint64(validArgs().Size),
		GSOffset:    0,
		FSLimit:     0xfff,
		GSLimit:     0xfff,
	}
	require.Equal(t, defs.EINVAL, e.AddPage(0x10000, data, info, 0))
}

// TestAddPageRejectsTCSBadLimit is the low-12-bits half of validateSecInfo's
// limit check: a limit whose reserved low bits aren't all set is rejected
// even though it isn't literally 0.
func TestAddPageRejectsTCSBadLimit(t *testing.T) {
	alloc := newTestAllocator(4)
	prims := hw.NewSim()

	e, err := Create(context.Background(), "e9", validArgs(), alloc, prims)
	require.Equal(t, defs.OK, err)

	data := make([]byte, PageSize)
	info := hw.SecInfo{
		PageType:    PageTypeTCS,
		SSAFrameOff: PageSize,
		FSOffset:    0,
		GSOffset:    0,
		FSLimit:     0x1000,
		GSLimit:     0xfff,
	}
	require.Equal(t, defs.EINVAL, e.AddPage(0x10000, data, info, 0))
}
