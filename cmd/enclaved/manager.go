package main

import (
	"context"
	"sync"

	"github.com/lattice-systems/enclavecore/internal/addworker"
	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/enclave"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/metrics"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
	"github.com/lattice-systems/enclavecore/internal/reclaim"
	"github.com/lattice-systems/enclavecore/internal/section"
)

// manager owns every enclave created by the daemon and the shared
// collaborators (pool, allocator, reclaimer) every enclave is wired
// against. It is the explicit context object spec.md §9 calls for in
// place of package-level globals.
type manager struct {
	pool   *section.Pool
	alloc  *pagealloc.Allocator
	task   *reclaim.Task
	prims  hw.Primitives
	metric *metrics.Collector

	mu       sync.Mutex
	enclaves map[string]*enclave.Enclave
	workers  map[string]*addworker.Worker
}

func newManager(pool *section.Pool, prims hw.Primitives, cfg reclaim.Config, metric *metrics.Collector) *manager {
	m := &manager{
		pool:     pool,
		prims:    prims,
		metric:   metric,
		enclaves: make(map[string]*enclave.Enclave),
		workers:  make(map[string]*addworker.Worker),
	}
	m.task = reclaim.New(pool, nil, cfg, nil)
	m.alloc = pagealloc.New(pool, m.task)
	m.task.SetAllocator(m.alloc)
	m.task.SetMetrics(metric)
	return m
}

// create wires a freshly-Created enclave up with its teardown allocator,
// reclaim sink and lazily-started add-page worker, exactly the sequence
// SPEC_FULL.md's component design calls for, then registers it.
func (m *manager) create(ctx context.Context, id string, args enclave.SecsArgs) (*enclave.Enclave, defs.Err_t) {
	e, err := enclave.Create(ctx, id, args, m.alloc, m.prims)
	if err != defs.OK {
		return nil, err
	}
	e.SetTeardownAllocator(m.alloc)
	e.SetReclaimSink(m.task.List())
	w := addworker.New(e, m.prims, m.alloc, m.task.List())

	m.mu.Lock()
	m.enclaves[id] = e
	m.workers[id] = w
	m.mu.Unlock()
	return e, defs.OK
}

func (m *manager) get(id string) (*enclave.Enclave, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enclaves[id]
	return e, ok
}

// stopWorkers cancels every enclave's add-page worker, called once at
// daemon shutdown so an in-flight Allocate wait returns promptly instead
// of outliving the process.
func (m *manager) stopWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.Stop()
	}
}

// sample snapshots every collaborator's state into the metrics
// collector. Called on a timer from serve's main loop.
func (m *manager) sample() {
	sections := make([]metrics.SectionStat, len(m.pool.Sections()))
	for i, s := range m.pool.Sections() {
		sections[i] = metrics.SectionStat{Index: i, Free: s.FreeCount()}
	}

	m.mu.Lock()
	stats := make([]metrics.EnclaveStat, 0, len(m.enclaves))
	for id, e := range m.enclaves {
		stats = append(stats, metrics.EnclaveStat{
			ID:          id,
			QueueDepth:  e.QueueLen(),
			Dead:        e.Flags()&enclave.Dead != 0,
			Initialized: e.Flags()&enclave.Initialized != 0,
		})
	}
	m.mu.Unlock()

	m.metric.Sample(sections, m.task.List().Len(), stats)
}
