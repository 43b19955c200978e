// Package barrier implements the two write barriers a precise, generational
// collector needs: a SATB pre-write barrier that preserves the snapshot-at-
// the-beginning invariant during incremental marking, and a generational
// post-write (card-marking) barrier that keeps old->young pointers in the
// remembered set. mbarrier.go's markwb folds both concerns (shading the
// overwritten pointer, recording generational crossings) into a single call
// site the compiler emits on every pointer store; here the same two
// concerns are split into PreWrite/PostWrite so a GcCell write guard can
// call each independently around the store.
package barrier

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/pinheap/pinheap/internal/heap"
	"github.com/pinheap/pinheap/internal/roots"
)

// DefaultLocalSATBCap is the thread-local SATB buffer capacity.
const DefaultLocalSATBCap = 64

// Barrier is the process-wide write-barrier state: whether incremental
// marking is currently active, and the global SATB overflow queue thread
// buffers flush into.
type Barrier struct {
	Table *heap.PageTable
	LOS   *heap.LargeObjectMap

	localCap int

	// SATBEnabled gates the entire pre-write barrier. Checked with one
	// atomic load on every write, the same fast path writeBarrier.enabled
	// gives markwb's callers.
	SATBEnabled atomic.Bool

	globalMu     sync.Mutex
	global       []uintptr
	globalCap    int
	onSaturated  func()
}

// New builds a Barrier. globalCap bounds the global SATB queue; once it
// fills, onSaturated is invoked (expected to request a minor GC).
func New(table *heap.PageTable, los *heap.LargeObjectMap, localCap, globalCap int, onSaturated func()) *Barrier {
	if localCap <= 0 {
		localCap = DefaultLocalSATBCap
	}
	return &Barrier{Table: table, LOS: los, localCap: localCap, globalCap: globalCap, onSaturated: onSaturated}
}

// EnableSATB turns the pre-write barrier on for the duration of an
// incremental mark phase.
func (b *Barrier) EnableSATB() { b.SATBEnabled.Store(true) }

// DisableSATB turns the pre-write barrier back into a no-op once a cycle's
// mark phase has finished.
func (b *Barrier) DisableSATB() { b.SATBEnabled.Store(false) }

// PreWrite is the SATB pre-write barrier: called with the pointer value a
// GcCell write guard is about to overwrite, before the overwrite happens.
// If incremental marking is running and the overwritten reference is
// non-null and not yet marked, it is recorded so the snapshot-at-the-
// beginning invariant holds even though the mutator just made it
// unreachable through this slot.
func (b *Barrier) PreWrite(tcb *roots.TCB, preValue uintptr) {
	if !b.SATBEnabled.Load() || preValue == 0 {
		return
	}
	page, idx, ok := b.Table.ObjectIndexFor(preValue, b.LOS)
	if !ok {
		return
	}
	if page.IsMarked(idx) {
		return
	}
	tcb.SATBBuf = append(tcb.SATBBuf, preValue)
	if len(tcb.SATBBuf) >= b.localCap {
		b.flush(tcb)
	}
}

// flush moves a thread's local SATB buffer into the global queue, and
// requests a minor GC if the global queue is now saturated.
func (b *Barrier) flush(tcb *roots.TCB) {
	b.globalMu.Lock()
	b.global = append(b.global, tcb.SATBBuf...)
	tcb.SATBBuf = tcb.SATBBuf[:0]
	saturated := b.globalCap > 0 && len(b.global) >= b.globalCap
	b.globalMu.Unlock()
	if saturated && b.onSaturated != nil {
		b.onSaturated()
	}
}

// FlushThread force-flushes one thread's local buffer, e.g. when it parks
// for a safepoint mid-cycle.
func (b *Barrier) FlushThread(tcb *roots.TCB) {
	if len(tcb.SATBBuf) == 0 {
		return
	}
	b.flush(tcb)
}

// DrainGlobal empties and returns the global SATB queue. Called repeatedly
// during mark termination until it returns nothing: every buffered
// reference becomes an additional mark root.
func (b *Barrier) DrainGlobal() []uintptr {
	b.globalMu.Lock()
	defer b.globalMu.Unlock()
	out := b.global
	b.global = nil
	return out
}

// PostWrite is the generational post-write barrier: resolves the page
// containing cellAddr (the GcCell being written), and if that page is
// old-generation while the freshly stored pointer targets a young-
// generation object, marks the cell's page dirty and records it in the
// thread's remembered-set buffer.
//
// Correctly handles cells inside the tail pages of a large object because
// ObjectIndexFor already consults the LargeObjectMap on a page-table miss —
// skipping that consultation here would leave a stale old->young edge the
// next minor collection never rescans.
func (b *Barrier) PostWrite(tcb *roots.TCB, cellAddr uintptr, storedValue uintptr) {
	if storedValue == 0 {
		return
	}
	cellPage, _, ok := b.Table.ObjectIndexFor(cellAddr, b.LOS)
	if !ok {
		// The cell itself is not inside a GC-managed allocation: a
		// programmer error. We do not panic on the fast path; optional
		// debug detection belongs in a future diagnostic pass instead.
		return
	}
	if cellPage.GenerationTag() != heap.Old {
		return
	}
	targetPage, _, ok := b.Table.ObjectIndexFor(storedValue, b.LOS)
	if !ok || targetPage.GenerationTag() != heap.Young {
		return
	}
	if cellPage.HasFlag(heap.FlagDirtyCard) {
		return
	}
	cellPage.SetFlag(heap.FlagDirtyCard)
	tcb.RememberedBuf = append(tcb.RememberedBuf, cellPage)
}
