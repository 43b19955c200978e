package roots

import (
	"sync"

	"github.com/pinheap/pinheap/internal/heap"
)

// Registry is the process-global thread registry: every TCB is registered
// at thread birth and unregistered at thread exit, and the coordinator
// walks it to run the safepoint handshake and collect roots.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	threads map[uint64]*TCB
}

func NewRegistry() *Registry {
	return &Registry{threads: make(map[uint64]*TCB)}
}

// Register creates and records a new TCB backed by the given per-thread
// allocator.
func (r *Registry) Register(alloc *heap.Allocator) *TCB {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	t := newTCB(id, alloc)
	r.threads[id] = t
	r.mu.Unlock()
	return t
}

// Attach reserves the next thread id and hands it to newAlloc before
// building the TCB, so the caller's heap.Allocator can be constructed with
// OwnerThread set to the same id the registry will key this TCB under —
// the invariant the marker's worker-affinity routing and the sweeper's
// allocatorFor lookup both depend on. Register (above) is kept for callers
// (mostly tests) that already have an Allocator built with some other
// owner id and do not need that invariant to hold.
func (r *Registry) Attach(newAlloc func(id uint64) *heap.Allocator) *TCB {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	alloc := newAlloc(id)
	t := newTCB(id, alloc)
	r.threads[id] = t
	return t
}

// Unregister removes a TCB from the registry, e.g. when its owning
// goroutine/thread is done allocating.
func (r *Registry) Unregister(t *TCB) {
	r.mu.Lock()
	delete(r.threads, t.ID)
	r.mu.Unlock()
}

// Snapshot returns every currently registered TCB. Used by the coordinator
// for the safepoint handshake and by the marker for root discovery; both
// happen only once every thread has either parked or otherwise
// acknowledged the request, so the set is stable for the duration of a
// cycle even though this method itself takes a brief lock to copy it out.
func (r *Registry) Snapshot() []*TCB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TCB, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}
