package reclaim

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/enclave"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/metrics"
	"github.com/lattice-systems/enclavecore/internal/page"
	"github.com/lattice-systems/enclavecore/internal/pagealloc"
	"github.com/lattice-systems/enclavecore/internal/section"
)

// Config holds the reclaim pipeline's tunables from spec.md §4.E/§4.F:
// batch size N and the low/high free-page watermarks L/H.
type Config struct {
	BatchSize     int
	LowWatermark  int
	HighWatermark int
}

// DefaultConfig matches spec.md §4.E/§4.F's nominal values.
var DefaultConfig = Config{BatchSize: 16, LowWatermark: 32, HighWatermark: 64}

// Task is the single long-running reclaimer (spec.md §4.F). Grounded on
// biscuit/src/oommsg/oommsg.go's OomCh for the idea of a dedicated
// pressure-relief signal between the allocator and a background worker,
// rendered here with a condition variable since the wake predicate
// (watermark AND non-empty list) needs to be re-tested on every wakeup
// rather than consumed as a single message.
type Task struct {
	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool

	list    *List
	pool    *section.Pool
	alloc   *pagealloc.Allocator
	cfg     Config
	shoot   func(hw.CPUSet)
	progCh  chan struct{}
	metrics *metrics.Collector
}

// New returns a Task watching pool's free-page count and driving alloc's
// exhaustion path. shoot, if non-nil, models the cross-processor barrier
// spec.md §4.E phase 4 uses as a last resort against a persistently
// NOT_TRACKED write-back; a nil shoot just skips straight to the retry.
func New(pool *section.Pool, alloc *pagealloc.Allocator, cfg Config, shoot func(hw.CPUSet)) *Task {
	t := &Task{pool: pool, alloc: alloc, cfg: cfg, shoot: shoot, progCh: make(chan struct{}, 1)}
	t.cond = sync.NewCond(&t.mu)
	t.list = NewList(pool, cfg.LowWatermark, t.Wake)
	return t
}

// SetAllocator wires the allocator write-back uses for version-array
// slot pages. Split from New because pagealloc.New itself requires a
// Reclaimer (this Task) to notify on exhaustion — the two constructors
// are mutually dependent, so callers build the Task first with a nil
// allocator, build the Allocator from it, then call SetAllocator once.
func (t *Task) SetAllocator(alloc *pagealloc.Allocator) {
	t.mu.Lock()
	t.alloc = alloc
	t.mu.Unlock()
}

// SetMetrics wires the collector whose reclaim counters reclaimOnce and
// writeBack increment. Optional: a nil collector (the zero value, same as
// never calling this) leaves every increment below a no-op.
func (t *Task) SetMetrics(m *metrics.Collector) {
	t.mu.Lock()
	t.metrics = m
	t.mu.Unlock()
}

// List returns the global reclaim list, handed to each enclave via
// SetReclaimSink and to the add-page worker via DrainOnce's sink
// parameter.
func (t *Task) List() *List { return t.list }

// Wake implements pagealloc.Reclaimer: ask the task to re-check its sleep
// predicate soon. Safe to call whether or not the task is currently
// asleep, and whether or not the predicate actually holds yet.
func (t *Task) Wake() {
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Progress implements pagealloc.Reclaimer: fires once after every
// completed batch.
func (t *Task) Progress() <-chan struct{} { return t.progCh }

// Stop cooperatively ends Run at the next predicate check, exactly as
// spec.md §9 describes: "setting a stop flag and signalling its
// condition." Safe to call more than once.
func (t *Task) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Task) predicateLocked() bool {
	if t.stopped {
		return true // wake Run so it can observe stopped and return
	}
	return t.pool.FreeCountTotal() < t.cfg.HighWatermark && t.list.Len() > 0
}

// Run is the reclaimer's body: sleep on the watermark predicate, then
// call reclaimOnce repeatedly while it still holds (spec.md §4.F). ctx
// cancellation is wired to Stop so the task can also be retired the
// idiomatic-Go way, alongside the spec's own stop-flag mechanism.
func (t *Task) Run(ctx context.Context, prims hw.Primitives) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-done:
		}
	}()

	for {
		t.mu.Lock()
		for !t.predicateLocked() {
			t.cond.Wait()
		}
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}

		t.reclaimOnce(ctx, prims)
		select {
		case t.progCh <- struct{}{}:
		default:
		}
	}
}

// candidate pairs a harvested secure page with its owning enclave-page,
// resolved once per batch.
type candidate struct {
	pg *page.Page
	ep *enclave.Page
}

// blockRetry absorbs TransientRetry the same way spin-count retries are
// absorbed elsewhere in the core (internal/hwinit does the same for init,
// on a coarser budget): a transient status is not a policy decision, it
// just means try again.
func blockRetry(prims hw.Primitives, pte hw.Addr) (hw.Status, error) {
	const attempts = 4
	var status hw.Status
	var err error
	for i := 0; i < attempts; i++ {
		status, err = prims.Block(pte)
		if err != nil || status != hw.TransientRetry {
			return status, err
		}
	}
	return status, err
}

// reclaimOnce runs one batch of spec.md §4.E's four phases.
func (t *Task) reclaimOnce(ctx context.Context, prims hw.Primitives) {
	harvested := t.list.harvest(t.cfg.BatchSize)
	if len(harvested) == 0 {
		return
	}
	if t.metrics != nil {
		t.metrics.ReclaimBatches.Inc()
		t.metrics.PagesHarvested.Add(float64(len(harvested)))
	}

	// Phase 1 — candidate harvest: take a refcount on each owning
	// enclave, dropping (with no further hardware/section action — that
	// is release's job once its own refcount reaches zero) any whose
	// enclave has already been released.
	alive := make([]candidate, 0, len(harvested))
	for _, pg := range harvested {
		ep, ok := pg.Owner.(*enclave.Page)
		if !ok || ep == nil {
			continue
		}
		if !ep.Enclave.Get() {
			continue
		}
		alive = append(alive, candidate{pg: pg, ep: ep})
	}

	// Phase 2 — age-test.
	survivors := make([]candidate, 0, len(alive))
	for _, c := range alive {
		if c.ep.Enclave.IsDead() {
			survivors = append(survivors, c)
			continue
		}
		young := false
		c.ep.Enclave.ForEachAttachment(func(a *enclave.AddressSpaceAttachment) {
			if a.AS.TestAndClearYoung(c.ep.VA) {
				young = true
			}
		})
		if young {
			t.list.requeueTail(c.pg)
			c.ep.Enclave.Put(prims)
			continue
		}
		survivors = append(survivors, c)
	}

	// Phase 3 — block.
	blocked := make([]candidate, 0, len(survivors))
	for _, c := range survivors {
		c.ep.Enclave.ForEachAttachment(func(a *enclave.AddressSpaceAttachment) {
			a.AS.Zap(c.ep.VA, 1)
		})
		status, err := blockRetry(prims, c.pg.Addr)
		if err != nil || status != hw.OK {
			log.Error().Str("component", "reclaim").Str("enclave", c.ep.Enclave.ID()).
				Err(err).Str("status", status.String()).Msg("block failed, leaking page")
			if t.metrics != nil {
				t.metrics.BlockFailed.Inc()
			}
			c.ep.Enclave.Put(prims)
			continue
		}
		blocked = append(blocked, c)
	}

	// Phase 4 — write-back.
	for _, c := range blocked {
		t.writeBack(ctx, prims, c)
	}
}

// writeBack implements phase 4 for one candidate: allocate a version-array
// slot, issue hardware write-back (retrying through NOT_TRACKED via track,
// then a shootdown, per spec.md §4.E), and on success commit the eviction
// and return the secure page to its section.
func (t *Task) writeBack(ctx context.Context, prims hw.Primitives, c candidate) {
	e := c.ep.Enclave
	cpus := hw.CPUSet{}
	e.ForEachAttachment(func(a *enclave.AddressSpaceAttachment) {
		for cpu := range a.AS.CPUsExecuted() {
			cpus[cpu] = struct{}{}
		}
	})

	vaPage, slot, err := e.VAPages().AllocSlot(func() (*page.Page, error) {
		p, aerr := t.alloc.Allocate(ctx, e, false)
		if aerr != defs.OK {
			return nil, aerr
		}
		return p, nil
	})
	if err != nil {
		log.Error().Str("component", "reclaim").Str("enclave", e.ID()).
			Err(err).Msg("version-array slot allocation failed, leaking page")
		e.Put(prims)
		return
	}

	status, werr := prims.WriteBack(c.pg.Addr, hw.Addr(c.ep.VA), vaPage.Secure.Addr, cpus)
	if werr == nil && status == hw.NotTracked {
		if s, terr := prims.Track(e.SecsAddr()); terr == nil && s == hw.OK {
			status, werr = prims.WriteBack(c.pg.Addr, hw.Addr(c.ep.VA), vaPage.Secure.Addr, cpus)
		}
	}
	if werr == nil && status == hw.NotTracked {
		if t.shoot != nil {
			t.shoot(cpus)
		}
		status, werr = prims.WriteBack(c.pg.Addr, hw.Addr(c.ep.VA), vaPage.Secure.Addr, cpus)
	}
	if werr != nil || status != hw.OK {
		log.Error().Str("component", "reclaim").Str("enclave", e.ID()).
			Err(werr).Str("status", status.String()).Msg("write-back failed, leaking page")
		if t.metrics != nil {
			t.metrics.WritebackFailed.Inc()
		}
		e.Put(prims)
		return
	}

	pg := e.FinalizeEvict(c.ep, vaPage, slot)
	if pg == nil {
		// Already evicted by a racing call — should be unreachable
		// under the refcount protocol (see FinalizeEvict's doc), but
		// tolerate it rather than double-free the secure page.
		e.Put(prims)
		return
	}

	idx := e.PageSlotIndex(c.ep.VA)
	if berr := e.Backing().Sync(); berr != nil {
		log.Warn().Str("component", "reclaim").Str("enclave", e.ID()).Err(berr).Msg("backing sync failed")
	}
	if berr := e.Backing().WriteMetadata(e.PageSlotCount(), idx, byte(slot)); berr != nil {
		log.Warn().Str("component", "reclaim").Str("enclave", e.ID()).Err(berr).Msg("backing metadata write failed")
	}

	t.alloc.Free(prims, pg)
	if t.metrics != nil {
		t.metrics.PagesEvicted.Inc()
	}
	e.Put(prims)
}
