package pinheap

import (
	"github.com/pinheap/pinheap/internal/heap"
	"github.com/pinheap/pinheap/internal/roots"
)

// Mutator is a goroutine's handle onto a Heap: its own allocator (so the
// fast allocation path never takes a lock shared with other goroutines) and
// its own TCB (so root discovery, handle scopes, and the safepoint
// handshake all have somewhere to hang per-thread state). Call Detach when
// the goroutine is done using the heap.
type Mutator struct {
	heap  *Heap
	tcb   *roots.TCB
	alloc *heap.Allocator
}

// Attach registers the calling goroutine with the heap. Each goroutine that
// allocates or touches Gc-managed values needs its own Mutator — sharing
// one across goroutines would race on its Allocator's unsynchronized bump
// pointer.
func (h *Heap) Attach() *Mutator {
	m := &Mutator{heap: h}
	m.tcb = h.registry.Attach(func(id uint64) *heap.Allocator {
		m.alloc = heap.NewAllocator(h.table, h.los, id)
		m.alloc.SetLazySweeper(h.sweeper)
		return m.alloc
	})
	return m
}

// Detach unregisters the mutator. The goroutine must not use it, or any
// Gc/Weak/GcCell value allocated through it, afterward.
func (m *Mutator) Detach() {
	m.heap.registry.Unregister(m.tcb)
}

// Checkpoint is a cooperative safepoint: call it periodically (allocation
// boundaries and loop back edges are the usual call sites) so a pending
// collection can actually stop this goroutine. NewGc calls it
// automatically, so a tight allocation loop is always safe; a long-running
// loop that does not allocate should call it explicitly.
func (m *Mutator) Checkpoint() {
	m.heap.coordinator.Checkpoint(m.tcb)
}

// RegisterRoot declares g's target as an explicit root for as long as it
// stays registered — an escape hatch for references the usual handle-scope
// discipline cannot see (e.g. one stashed in a non-Go data structure via
// unsafe).
func (m *Mutator) RegisterRoot(g GcPointer) {
	if g == nil {
		return
	}
	if a := g.addr(); a != 0 {
		m.tcb.RegisterRoot(a)
	}
}

// RegisterConservativeRegion declares a byte range conservatively scanned on
// every cycle: every word-aligned address inside it that resolves to a live
// object (interior pointers included) is treated as a root. Intended for a
// caller-owned buffer standing in for the kind of native stack a
// conservative collector would otherwise scan directly — false positives
// keep garbage alive one extra cycle, never a use-after-free.
func (m *Mutator) RegisterConservativeRegion(base, length uintptr) {
	m.tcb.RegisterConservativeRegion(base, length)
}

// UnregisterConservativeRegion undoes RegisterConservativeRegion.
func (m *Mutator) UnregisterConservativeRegion(base uintptr) {
	m.tcb.UnregisterConservativeRegion(base)
}

// NewHandleScope opens a precise-root scope on this mutator. Close it (a
// defer is the idiomatic spot) before returning from the function that
// opened it.
func (m *Mutator) NewHandleScope() *HandleScope {
	return &HandleScope{inner: roots.NewHandleScope(m.tcb)}
}
