package enclave

import (
	"sync"
	"sync/atomic"

	"github.com/lattice-systems/enclavecore/internal/hw"
)

// AddressSpace is the narrow slice of the OS address-space layer the core
// needs (spec.md §6): install/zap mappings, read and clear the hardware
// young bit, and report which CPUs ever ran inside it. A host integration
// implements this against the real VMA layer; internal/fault and
// internal/reclaim's tests use a fake.
type AddressSpace interface {
	ID() string
	Zap(va uintptr, pages int)
	TestAndClearYoung(va uintptr) bool
	InstallFrame(va uintptr, phys hw.Addr, writable bool) error
	CPUsExecuted() hw.CPUSet
}

// Attachment is a small record added when a process maps the enclave
// range (spec.md §3, "Address-space attachment"), kept alive by one
// reference per mapping; iteration takes an additional reference for the
// duration of each step.
type Attachment struct {
	AS  AddressSpace
	ref int32

	next *Attachment
	prev *Attachment
}

// get takes a reference unless the attachment has already reached zero
// (i.e. is being torn down), matching biscuit's Refup/get_unless_zero
// discipline from mem.go.
func (a *Attachment) get() bool {
	for {
		cur := atomic.LoadInt32(&a.ref)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&a.ref, cur, cur+1) {
			return true
		}
	}
}

func (a *Attachment) put() bool {
	return atomic.AddInt32(&a.ref, -1) == 0
}

// attachList is the enclave's list of attached address spaces. Per
// spec.md §4.C it "has its own spinlock (held for brief list edits
// only); iteration drops that lock and takes per-entry refcounts."
type attachList struct {
	mu   sync.Mutex
	head *Attachment
}

func (l *attachList) add(as AddressSpace) *Attachment {
	a := &Attachment{AS: as, ref: 1}
	l.mu.Lock()
	a.next = l.head
	if l.head != nil {
		l.head.prev = a
	}
	l.head = a
	l.mu.Unlock()
	return a
}

// remove unlinks a, which must already have reached a zero refcount.
func (l *attachList) remove(a *Attachment) {
	l.mu.Lock()
	if a.prev != nil {
		a.prev.next = a.next
	} else if l.head == a {
		l.head = a.next
	}
	if a.next != nil {
		a.next.prev = a.prev
	}
	l.mu.Unlock()
}

// detach drops the mapping's own reference on a and unlinks it once no
// other reference (e.g. a concurrent reclaim iteration) remains.
func (l *attachList) detach(a *Attachment) {
	if a.put() {
		l.remove(a)
	}
}

// forEach walks every attachment, invoking f once per live entry with a
// reference held for the duration of the call. It tolerates concurrent
// detachment: if the next element's reference has already dropped to
// zero by the time forEach reaches it, forEach simply skips it (the
// element is being torn down and forEach need not resurrect it) rather
// than restarting the whole walk, which keeps the walk O(n) instead of
// pathological under steady churn.
func (l *attachList) forEach(f func(*Attachment)) {
	l.mu.Lock()
	cur := l.head
	var curRef *Attachment
	if cur != nil && cur.get() {
		curRef = cur
	}
	l.mu.Unlock()

	for curRef != nil {
		f(curRef)

		l.mu.Lock()
		next := curRef.next
		var nextRef *Attachment
		for next != nil {
			if next.get() {
				nextRef = next
				break
			}
			next = next.next
		}
		l.mu.Unlock()

		if curRef.put() {
			l.remove(curRef)
		}
		curRef = nextRef
	}
}
