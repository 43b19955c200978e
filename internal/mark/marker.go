// Package mark implements a parallel work-stealing tracer: root discovery,
// generational (Minor) and whole-heap (Major, Incremental) tracing, SATB
// drain to fixpoint, and the approximate termination-detection scheme a
// bounded worker pool needs to know when a cycle's reachability graph has
// been fully explored. mgcmark.go supplies the root-scanning/gcDrain shape;
// lfstack.go's lock-free work list is simplified here per queue.go's doc
// comment.
package mark

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/pinheap/pinheap/internal/barrier"
	"github.com/pinheap/pinheap/internal/heap"
	"github.com/pinheap/pinheap/internal/roots"
)

// Phase is the marker's coarse state, observable by the coordinator and by
// debug assertions (e.g. HandleScope sealing) that must know whether a
// trace is in flight.
type Phase uint32

const (
	Idle Phase = iota
	Marking
	Terminating
	Sweeping
)

// Mode selects how much of the heap a cycle traces.
type Mode uint32

const (
	// Minor traces only young-generation objects reachable from roots or
	// from the remembered set of old->young pointers; old-generation
	// objects encountered as children are not traced further.
	Minor Mode = iota
	// Major is a stop-the-world trace of the whole heap.
	Major
	// Incremental traces the whole heap with the SATB barrier enabled,
	// allowing mutators to keep running concurrently with marking.
	Incremental
)

// Dispatcher bridges the type-erased marker to the generic root package,
// which alone knows how to walk a concrete T's fields. Injected rather than
// imported to avoid a cycle between this package and the generic API it
// supports.
type Dispatcher interface {
	// Trace invokes visit once per outgoing reference held by the object
	// of the given typeTag at objAddr. objAddr is the object's start
	// address (its BoxHeader), matching ResolveObjectStart/ObjectIndexFor.
	Trace(typeTag uint64, objAddr uintptr, visit func(childAddr uintptr))
}

// Stats summarizes one Run.
type Stats struct {
	Marked int64
	Mode   Mode
}

// terminationSettleRounds is how many consecutive empty polls a worker
// requires, once the global remaining-work counter reads zero, before it
// treats the cycle as exhausted. This approximates full distributed
// termination consensus: the remaining-work counter is incremented before
// any corresponding push and decremented only after
// that item's own children have all been pushed in turn, so once every
// worker simultaneously observes it at zero there can be no work still in
// flight — the settle rounds exist only to make that simultaneity likely
// without a hard synchronization barrier on every poll.
const terminationSettleRounds = 64

// Marker owns one collection cycle's worker pool and work-stealing queues.
// A fresh Marker (or a reset one, via Run) is used per cycle.
type Marker struct {
	Table      *heap.PageTable
	LOS        *heap.LargeObjectMap
	Barrier    *barrier.Barrier
	Registry   *roots.Registry
	Dispatcher Dispatcher

	// WorkerCount is how many goroutines drain the queues. Defaulted to 1
	// if left at zero.
	WorkerCount int

	phase atomic.Uint32
	mode  atomic.Uint32

	marked    atomic.Int64
	remaining atomic.Int64

	queues []*Queue
}

// New builds a Marker. Call Run once per collection cycle.
func New(table *heap.PageTable, los *heap.LargeObjectMap, b *barrier.Barrier, registry *roots.Registry, d Dispatcher, workers int) *Marker {
	if workers <= 0 {
		workers = 1
	}
	return &Marker{Table: table, LOS: los, Barrier: b, Registry: registry, Dispatcher: d, WorkerCount: workers}
}

func (m *Marker) CurrentPhase() Phase { return Phase(m.phase.Load()) }

// Run executes one full cycle in the given mode: clears the relevant
// generation's mark bits, seeds roots (plus the remembered set for Minor),
// drains the work-stealing queues to exhaustion, and for Incremental mode
// repeats seeding+draining against the SATB buffers until they run dry.
func (m *Marker) Run(ctx context.Context, mode Mode) Stats {
	m.mode.Store(uint32(mode))
	m.BeginCycle(mode)
	m.DrainConcurrently(ctx)
	return m.FinishCycle(ctx)
}

// BeginCycle clears the relevant generation's mark bits, enables the SATB
// barrier for Incremental mode, and takes the root snapshot (plus the
// remembered set for Minor). Must run with the world stopped: it is the one
// part of a cycle that needs an instantaneous view of every thread's roots.
func (m *Marker) BeginCycle(mode Mode) {
	m.mode.Store(uint32(mode))
	m.phase.Store(uint32(Marking))
	m.marked.Store(0)
	m.remaining.Store(0)
	m.queues = make([]*Queue, m.WorkerCount)
	for i := range m.queues {
		m.queues[i] = newQueue()
	}

	m.clearMarkBits(mode)

	if mode == Incremental {
		m.Barrier.EnableSATB()
	}

	m.collectRoots()
	if mode == Minor {
		m.seedRememberedSet()
	}
}

// DrainConcurrently runs the worker pool until every queue is empty. Safe to
// call with mutators running in Incremental mode: the SATB barrier (enabled
// by BeginCycle) keeps the snapshot-at-the-beginning invariant intact while
// this runs.
func (m *Marker) DrainConcurrently(ctx context.Context) {
	m.drainToFixpoint(ctx)
}

// FinishCycle runs the SATB buffers to fixpoint (for Incremental mode;
// every other mode's call is a no-op beyond bookkeeping), disables the
// barrier, and returns the cycle's stats. For Incremental mode this should
// run with the world stopped again: thread-local SATB buffers must be
// stable while they are flushed and drained.
func (m *Marker) FinishCycle(ctx context.Context) Stats {
	if Mode(m.mode.Load()) == Incremental {
		for {
			refs := m.drainSATB()
			if len(refs) == 0 {
				break
			}
			for _, r := range refs {
				m.seedRoot(r)
			}
			m.drainToFixpoint(ctx)
		}
		m.Barrier.DisableSATB()
	}

	m.phase.Store(uint32(Terminating))
	m.phase.Store(uint32(Sweeping))
	return Stats{Marked: m.marked.Load(), Mode: Mode(m.mode.Load())}
}

func (m *Marker) clearMarkBits(mode Mode) {
	pages := m.Table.AllPages()
	pages = append(pages, m.LOS.All()...)
	for _, p := range pages {
		if mode == Minor && p.GenerationTag() != heap.Young {
			continue
		}
		p.ClearAllMarks()
	}
}

// drainSATB empties the global SATB queue plus every thread's local buffer.
func (m *Marker) drainSATB() []uintptr {
	for _, tcb := range m.Registry.Snapshot() {
		m.Barrier.FlushThread(tcb)
	}
	return m.Barrier.DrainGlobal()
}

func (m *Marker) collectRoots() {
	for _, tcb := range m.Registry.Snapshot() {
		for _, p := range tcb.PreciseRoots() {
			m.seedRoot(p)
		}
		for _, p := range tcb.AllHandleSlots() {
			if p != 0 {
				m.seedRoot(p)
			}
		}
		for _, w := range tcb.ConservativeWords() {
			if w != 0 {
				m.seedRoot(w)
			}
		}
	}
}

// seedRememberedSet treats every dirty old-generation page recorded by a
// thread's post-write barrier as a root-like scan target: every live slot
// on the page is pushed for tracing regardless of the page's own mark bit,
// since an old page's bitmap is not cleared (and therefore not meaningful)
// during a Minor cycle. Each page's dirty flag is cleared once scanned so
// the next minor cycle only rescans cards dirtied again since.
func (m *Marker) seedRememberedSet() {
	for _, tcb := range m.Registry.Snapshot() {
		bufs := tcb.RememberedBuf
		tcb.RememberedBuf = nil
		for _, page := range bufs {
			if !page.HasFlag(heap.FlagDirtyCard) {
				continue // already processed by a concurrent dedupe pass
			}
			page.ClearFlag(heap.FlagDirtyCard)
			capacity := page.Capacity
			if page.HasFlag(heap.FlagLarge) {
				capacity = 1
			}
			for i := 0; i < capacity; i++ {
				if !page.IsAllocated(i) {
					continue
				}
				addr := heap.ResolveObjectStart(page, i)
				hdr := heap.HeaderAt(addr)
				if hdr.GetStatus() != heap.StatusAlive {
					continue
				}
				m.seedRoot(addr)
			}
		}
	}
}

// seedRoot marks and enqueues addr unconditionally: roots are axiomatically
// live, so (unlike enqueue) no generation filtering applies even during a
// Minor cycle.
func (m *Marker) seedRoot(addr uintptr) {
	page, idx, ok := m.Table.ObjectIndexFor(addr, m.LOS)
	if !ok {
		return
	}
	if page.Mark(idx) {
		return
	}
	m.marked.Inc()
	m.remaining.Inc()
	// A root may be an interior pointer (conservative regions); queue the
	// object's start so tracing reads its BoxHeader.
	m.queueFor(page.OwnerThread).pushRemote(heap.ResolveObjectStart(page, idx))
}

// enqueue is called from within a Trace callback, i.e. while tracing some
// other object's children. During a Minor cycle, an old-generation child is
// left untraced: a minor cycle only needs to discover young objects this
// way, old survivors were already proven live by a previous cycle.
func (m *Marker) enqueue(addr uintptr, selfWorker int) {
	page, idx, ok := m.Table.ObjectIndexFor(addr, m.LOS)
	if !ok {
		return
	}
	if Mode(m.mode.Load()) == Minor && page.GenerationTag() != heap.Young {
		return
	}
	if page.Mark(idx) {
		return
	}
	m.marked.Inc()
	m.remaining.Inc()
	target := m.workerIndexFor(page.OwnerThread)
	if target == selfWorker {
		m.queues[target].pushLocal(addr)
	} else {
		m.queues[target].pushRemote(addr)
	}
}

func (m *Marker) workerIndexFor(ownerThread uint64) int {
	if m.WorkerCount <= 1 {
		return 0
	}
	return int(ownerThread % uint64(m.WorkerCount))
}

func (m *Marker) queueFor(ownerThread uint64) *Queue {
	return m.queues[m.workerIndexFor(ownerThread)]
}

// drainToFixpoint runs the worker pool until every queue is empty and the
// global remaining-work counter has settled at zero.
func (m *Marker) drainToFixpoint(ctx context.Context) {
	if m.remaining.Load() == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.WorkerCount; i++ {
		i := i
		g.Go(func() error {
			m.runWorker(gctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Marker) runWorker(ctx context.Context, idx int) {
	q := m.queues[idx]
	idle := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if addr, ok := q.popLocal(); ok {
			idle = 0
			m.traceOne(addr, idx)
			continue
		}
		if q.drainPending() > 0 {
			idle = 0
			continue
		}
		if addr, ok := m.stealFrom(idx); ok {
			idle = 0
			m.traceOne(addr, idx)
			continue
		}
		if m.remaining.Load() == 0 {
			idle++
			if idle >= terminationSettleRounds {
				return
			}
		} else {
			idle = 0
		}
		if idle > terminationSettleRounds/4 {
			time.Sleep(time.Microsecond)
		} else {
			runtime.Gosched()
		}
	}
}

// stealFrom takes one item from a sibling queue, starting just past idx so
// repeated steal attempts fan out across the pool instead of hammering
// worker 0.
func (m *Marker) stealFrom(idx int) (uintptr, bool) {
	n := len(m.queues)
	for off := 1; off < n; off++ {
		victim := m.queues[(idx+off)%n]
		if addr, ok := victim.stealBottom(); ok {
			return addr, true
		}
	}
	return 0, false
}

func (m *Marker) traceOne(addr uintptr, workerIdx int) {
	hdr := heap.HeaderAt(addr)
	if hdr.GetStatus() != heap.StatusAlive {
		m.remaining.Dec()
		return
	}
	typeTag := hdr.TypeTag
	if m.Dispatcher != nil {
		m.Dispatcher.Trace(typeTag, addr, func(child uintptr) {
			if child == 0 {
				return
			}
			m.enqueue(child, workerIdx)
		})
	}
	m.remaining.Dec()
}
