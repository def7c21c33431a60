package hw

import (
	"sync"

	"github.com/pkg/errors"
)

// Sim is a software-simulated Primitives backend used by tests and by
// cmd/enclaved when run without the real instructions wired in. It tracks
// just enough per-address state (tracked/blocked) to let the
// reclaim and add-page pipelines exercise their real control flow.
type Sim struct {
	mu sync.Mutex

	// Transient controls, per address, how many times the next call for
	// that address should return TransientRetry before succeeding.
	Transient map[Addr]int
	// Faulting marks an address whose operations should return Fault.
	Faulting map[Addr]bool
	// NotTrackedOnce marks an address whose next WriteBack should
	// return NotTracked exactly once; the mark is cleared by that call,
	// so the following WriteBack proceeds whether or not Track ran.
	NotTrackedOnce map[Addr]bool

	tracked map[Addr]bool
	blocked map[Addr]bool
}

// NewSim returns a ready-to-use simulated primitive backend.
func NewSim() *Sim {
	return &Sim{
		Transient:      make(map[Addr]int),
		Faulting:       make(map[Addr]bool),
		NotTrackedOnce: make(map[Addr]bool),
		tracked:        make(map[Addr]bool),
		blocked:        make(map[Addr]bool),
	}
}

func (s *Sim) takeTransient(a Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.Transient[a]; n > 0 {
		s.Transient[a] = n - 1
		return true
	}
	return false
}

func (s *Sim) isFaulting(a Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Faulting[a]
}

func (s *Sim) CreateContainer(secs Addr) (Status, error) {
	if s.takeTransient(secs) {
		return TransientRetry, nil
	}
	if s.isFaulting(secs) {
		return Fault, nil
	}
	return OK, nil
}

func (s *Sim) AddPage(secs, dst, src Addr, info SecInfo) (Status, error) {
	if s.isFaulting(secs) {
		return Fault, nil
	}
	if s.takeTransient(dst) {
		return TransientRetry, nil
	}
	return OK, nil
}

func (s *Sim) Extend(secs, dst Addr, chunkOffset uint32) (Status, error) {
	if s.isFaulting(secs) {
		return Fault, nil
	}
	return OK, nil
}

func (s *Sim) Init(secs Addr, sigstruct, token []byte) (Status, error) {
	if s.takeTransient(secs) {
		return TransientRetry, nil
	}
	if s.isFaulting(secs) {
		return Fault, nil
	}
	if len(sigstruct) == 0 {
		return InternalError, errors.New("hw: empty sigstruct")
	}
	return OK, nil
}

func (s *Sim) Block(pte Addr) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[pte] = true
	return OK, nil
}

func (s *Sim) Track(secs Addr) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[secs] = true
	return OK, nil
}

func (s *Sim) WriteBack(pte, va, vaSlot Addr, cpus CPUSet) (Status, error) {
	s.mu.Lock()
	if !s.blocked[pte] {
		s.mu.Unlock()
		return InternalError, errors.New("hw: write-back of unblocked page")
	}
	if s.NotTrackedOnce[pte] {
		delete(s.NotTrackedOnce, pte)
		s.mu.Unlock()
		return NotTracked, nil
	}
	s.mu.Unlock()
	if s.takeTransient(pte) {
		return TransientRetry, nil
	}
	return OK, nil
}

func (s *Sim) Reload(pte, va, vaSlot Addr) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, pte)
	return OK, nil
}

func (s *Sim) Remove(pte Addr) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, pte)
	delete(s.tracked, pte)
	return OK, nil
}

var _ Primitives = (*Sim)(nil)
