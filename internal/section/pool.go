package section

import (
	"sync/atomic"

	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/page"
)

// Pool is the process-wide (but explicitly-passed, per spec.md §9) set of
// sections discovered at driver load. It is the context object every
// other core component receives rather than reaching for through a
// package-level global.
type Pool struct {
	sections []*Section
	// rr is the round-robin cursor for allocation.
	rr uint32
}

// NewPool builds a pool from a list of (physBase, virtBase, pageCount)
// section descriptions, all using the same page size.
func NewPool(pageSize hw.Addr, descs []SectionDesc) *Pool {
	p := &Pool{sections: make([]*Section, len(descs))}
	for i, d := range descs {
		s := New(d.PhysBase, d.VirtBase, d.PageCount, pageSize)
		s.SetIndex(i)
		p.sections[i] = s
	}
	return p
}

// SectionDesc describes one firmware-reported secure-page range.
type SectionDesc struct {
	PhysBase  hw.Addr
	VirtBase  uintptr
	PageCount int
}

// Sections returns the pool's sections in discovery order.
func (p *Pool) Sections() []*Section { return p.sections }

// TryAllocRR implements the round-robin half of §4.B's allocate: starting
// one section past where the previous call started, take the first
// section with a non-empty free list. Returns (nil, false) if every section is
// currently empty.
func (p *Pool) TryAllocRR() (*page.Page, bool) {
	n := uint32(len(p.sections))
	if n == 0 {
		return nil, false
	}
	start := atomic.AddUint32(&p.rr, 1) % n
	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		if pg, ok := p.sections[idx].TryAlloc(); ok {
			return pg, true
		}
	}
	return nil, false
}

// FreeCountTotal sums FreeCount across all sections. Each section's count
// is itself lock-free; the sum is therefore an approximation under
// concurrent mutation, which is exactly what watermark policy needs.
func (p *Pool) FreeCountTotal() int {
	total := 0
	for _, s := range p.sections {
		total += s.FreeCount()
	}
	return total
}
