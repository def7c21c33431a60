// Package section implements §A of the core: the ordered array of
// firmware-described secure-page sections, each with its own free list and
// mutex. Grounded on biscuit/src/mem/mem.go's Physmem_t: a per-section
// mutex rather than one pool-wide lock (NUMA locality, bounded contention),
// a free-count read lock-free by watermark checks and mutated only under
// the section mutex, and an intrusive singly-linked free list threaded
// through the page descriptors themselves instead of a separate slice.
package section

import (
	"sync"
	"sync/atomic"

	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/page"
)

// Section is one firmware-described contiguous range of secure pages.
type Section struct {
	mu sync.Mutex

	physBase hw.Addr
	virtBase uintptr

	free     *page.Page // head of the intrusive free list
	freeLen  int32
	allPages []*page.Page // every page in the section, for teardown/stats
}

// New builds a section of count pages starting at physBase, all initially
// free. virtBase is carried for parity with biscuit's Dmap-style
// direct-mapped virtual base; this core does not itself map secure pages
// into kernel virtual memory (that is a privileged-instruction-layer
// concern), so it is informational only.
func New(physBase hw.Addr, virtBase uintptr, count int, pageSize hw.Addr) *Section {
	s := &Section{physBase: physBase, virtBase: virtBase}
	s.allPages = make([]*page.Page, count)
	var head *page.Page
	for i := count - 1; i >= 0; i-- {
		p := page.New(-1, physBase+hw.Addr(i)*pageSize)
		p.LinkFree(head)
		head = p
		s.allPages[i] = p
	}
	s.free = head
	s.freeLen = int32(count)
	return s
}

// SetIndex stamps every page in the section with its owning section
// index. Called once by the Pool after all sections are constructed.
func (s *Section) SetIndex(idx int) {
	for _, p := range s.allPages {
		p.Section = idx
	}
}

// FreeCount returns the section's free-page count. Safe to call without
// the mutex, per spec.md §3 ("authoritative availability signal read
// lock-free by watermark checks").
func (s *Section) FreeCount() int {
	return int(atomic.LoadInt32(&s.freeLen))
}

// TryAlloc detaches and returns the head of the free list, or (nil,
// false) if the section is currently empty.
func (s *Section) TryAlloc() (*page.Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free == nil {
		return nil, false
	}
	p := s.free
	s.free = p.NextFree()
	p.UnlinkFree()
	atomic.AddInt32(&s.freeLen, -1)
	return p, true
}

// Release returns p to this section's free list. Callers must have
// already cleared p.Owner and p.Flags and issued any required hardware
// remove; Release only performs the bookkeeping half of §4.A's
// unconditional free.
func (s *Section) Release(p *page.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.LinkFree(s.free)
	s.free = p
	atomic.AddInt32(&s.freeLen, 1)
}

// AllPages returns every page descriptor in the section, for teardown
// and diagnostics only.
func (s *Section) AllPages() []*page.Page { return s.allPages }
