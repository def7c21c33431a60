package fault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/enclave"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
	"github.com/lattice-systems/enclavecore/internal/section"
)

type fakeAS struct {
	installed map[uintptr]hw.Addr
	installErr error
}

func newFakeAS() *fakeAS { return &fakeAS{installed: make(map[uintptr]hw.Addr)} }

func (f *fakeAS) ID() string                        { return "fake-as" }
func (f *fakeAS) Zap(uintptr, int)                  {}
func (f *fakeAS) TestAndClearYoung(uintptr) bool     { return false }
func (f *fakeAS) CPUsExecuted() hw.CPUSet            { return hw.CPUSet{} }
func (f *fakeAS) InstallFrame(va uintptr, phys hw.Addr, writable bool) error {
	if f.installErr != nil {
		return f.installErr
	}
	f.installed[va] = phys
	return nil
}

type stubReclaimer struct{}

func (stubReclaimer) Wake()                      {}
func (stubReclaimer) Progress() <-chan struct{} { return make(chan struct{}) }

func newCreatedEnclave(t *testing.T, pages int) (*enclave.Enclave, *pagealloc.Allocator, hw.Primitives) {
	t.Helper()
	pool := section.NewPool(enclave.PageSize, []section.SectionDesc{{PhysBase: 0, VirtBase: 0, PageCount: pages}})
	alloc := pagealloc.New(pool, stubReclaimer{})
	prims := hw.NewSim()

	args := enclave.SecsArgs{Base: 0x10000, Size: 0x10000, Attributes: 0x4, Xfrm: 0x3, SSAFrameSize: 1}
	e, err := enclave.Create(context.Background(), "f1", args, alloc, prims)
	require.Equal(t, defs.OK, err)
	return e, alloc, prims
}

// TestHandleResidentPageInstallsFrame covers the success path: a resident
// enclave-page's physical frame is installed read-write.
func TestHandleResidentPageInstallsFrame(t *testing.T) {
	e, alloc, prims := newCreatedEnclave(t, 4)
	e.SetTeardownAllocator(alloc)

	data := make([]byte, enclave.PageSize)
	info := hw.SecInfo{PageType: enclave.PageTypeReg, Flags: 0x1}
	require.Equal(t, defs.OK, e.AddPage(0x10000, data, info, 0))
	e.DrainOnce(context.Background(), prims, alloc, nil)
	require.Eventually(t, func() bool { return e.ChildCount() == 1 }, time.Second, time.Millisecond)

	require.Equal(t, defs.OK, e.Init(context.Background(), enclave.SigStruct{Attributes: 0x4}, nil, nil, prims))

	as := newFakeAS()
	h := New()
	require.Equal(t, defs.OK, h.Handle(e, as, 0x10000))
	require.Contains(t, as.installed, uintptr(0x10000))
}

func TestHandleEvictedPageReturnsEFAULT(t *testing.T) {
	e, alloc, prims := newCreatedEnclave(t, 4)
	e.SetTeardownAllocator(alloc)

	data := make([]byte, enclave.PageSize)
	info := hw.SecInfo{PageType: enclave.PageTypeReg, Flags: 0x1}
	require.Equal(t, defs.OK, e.AddPage(0x10000, data, info, 0))
	e.DrainOnce(context.Background(), prims, alloc, nil)
	require.Eventually(t, func() bool { return e.ChildCount() == 1 }, time.Second, time.Millisecond)

	require.Equal(t, defs.OK, e.Init(context.Background(), enclave.SigStruct{Attributes: 0x4}, nil, nil, prims))

	ep, ok := e.Page(0x10000)
	require.True(t, ok)
	ep.Secure = nil // simulate eviction without wiring the full reclaim pipeline

	as := newFakeAS()
	h := New()
	require.Equal(t, defs.EFAULT, h.Handle(e, as, 0x10000))
	require.Empty(t, as.installed)
}

func TestHandleDeadEnclaveReturnsEFAULT(t *testing.T) {
	e, alloc, prims := newCreatedEnclave(t, 4)
	e.SetTeardownAllocator(alloc)
	e.Put(prims) // drop the only reference, tearing the enclave down

	as := newFakeAS()
	h := New()
	require.Equal(t, defs.EFAULT, h.Handle(e, as, 0x10000))
}

func TestHandleUninitializedEnclaveReturnsEFAULT(t *testing.T) {
	e, alloc, _ := newCreatedEnclave(t, 4)
	e.SetTeardownAllocator(alloc)

	as := newFakeAS()
	h := New()
	require.Equal(t, defs.EFAULT, h.Handle(e, as, 0x10000))
}
