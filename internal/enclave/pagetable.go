package enclave

import "github.com/google/btree"

// pageEntry is the btree element: enclave-page virtual address (idx, as
// passed to AddPage) → enclave-page descriptor. google/btree gives the
// "O(log n) or better lookup and ordered iteration" spec.md §3 requires
// of the enclave's address→page map,
// grounded on the dependency stack surfaced across the example pack's
// manifests (e.g. other_examples/manifests/cuemby-warren).
type pageEntry struct {
	idx  uint64
	page *Page
}

func entryLess(a, b pageEntry) bool { return a.idx < b.idx }

// pageTable wraps a btree.BTreeG[pageEntry] to give enclave.Enclave a
// typed, ordered page index.
type pageTable struct {
	t *btree.BTreeG[pageEntry]
}

func newPageTable() *pageTable {
	return &pageTable{t: btree.NewG(32, entryLess)}
}

func (pt *pageTable) get(idx uint64) (*Page, bool) {
	e, ok := pt.t.Get(pageEntry{idx: idx})
	if !ok {
		return nil, false
	}
	return e.page, true
}

func (pt *pageTable) insert(idx uint64, p *Page) (existed bool) {
	_, existed = pt.t.ReplaceOrInsert(pageEntry{idx: idx, page: p})
	return existed
}

func (pt *pageTable) delete(idx uint64) {
	pt.t.Delete(pageEntry{idx: idx})
}

func (pt *pageTable) len() int { return pt.t.Len() }

// ascend calls f for every (idx, page) pair in ascending index order,
// stopping early if f returns false.
func (pt *pageTable) ascend(f func(idx uint64, p *Page) bool) {
	pt.t.Ascend(func(e pageEntry) bool {
		return f(e.idx, e.page)
	})
}
