// Package pinheap is a generational, non-moving, precise-root mark-sweep
// garbage collector for Go values that live outside Go's own heap: a Heap
// owns an OS-mmap'd arena, and Gc[T]/Weak[T]/GcCell[T] are the smart
// pointers applications use to allocate, share, and mutate values inside
// it.
//
// T must not embed anything only Go's own garbage collector can trace —
// plain Go pointers, interfaces, slices, maps, strings, or funcs — since
// once copied into arena memory those references become invisible to Go's
// collector and its backing data can be freed out from under them. Fields
// of fixed-size numeric types, arrays of those, and Gc[U]/Weak[U]
// references (stored as plain uintptr and traced by this collector
// instead) are all safe. A type that needs a Go-heap-backed field should
// keep it in an ordinary Go-heap side table keyed by the Gc handle, or
// expose copy-in/copy-out accessors, rather than embedding it directly —
// the same discipline cgo-shared or unsafe-marshaled structs already
// require.
package pinheap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pinheap/pinheap/internal/barrier"
	"github.com/pinheap/pinheap/internal/config"
	"github.com/pinheap/pinheap/internal/coord"
	"github.com/pinheap/pinheap/internal/heap"
	"github.com/pinheap/pinheap/internal/logging"
	"github.com/pinheap/pinheap/internal/mark"
	"github.com/pinheap/pinheap/internal/roots"
	"github.com/pinheap/pinheap/internal/sweep"
)

// Heap is one independent arena plus the background machinery that keeps
// it collected: a page table and large-object map, a thread registry, a
// SATB/card-marking write barrier, a parallel marker, a sweeper with its
// own finalizer queue, and the coordinator that serializes collection
// cycles and decides when to trigger one.
type Heap struct {
	cfg    config.Config
	logger *zap.Logger

	table *heap.PageTable
	los   *heap.LargeObjectMap

	registry    *roots.Registry
	barrier     *barrier.Barrier
	finalizers  *sweep.FinalizerQueue
	marker      *mark.Marker
	sweeper     *sweep.Sweeper
	coordinator *coord.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHeap builds a Heap and starts its background collection loop. Config
// defaults apply first, then opts, then PINHEAP_* environment variables —
// see internal/config.
func NewHeap(opts ...config.Option) (*Heap, error) {
	cfg, err := config.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("pinheap: building config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("pinheap: building logger: %w", err)
	}

	h := &Heap{
		cfg:      cfg,
		logger:   logger,
		table:    heap.NewPageTable(),
		los:      heap.NewLargeObjectMap(),
		registry: roots.NewRegistry(),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.barrier = barrier.New(h.table, h.los, cfg.SATBLocalCap, cfg.SATBGlobalCap, func() {
		h.coordinator.RequestMinor()
	})
	h.finalizers = sweep.NewFinalizerQueue(finalizer{}, cfg.FinalizerQueueCapacity)
	h.sweeper = sweep.New(h.table, h.los, h.registry, h.finalizers)
	h.sweeper.PromotionThreshold = cfg.PromotionThreshold
	h.marker = mark.New(h.table, h.los, h.barrier, h.registry, dispatcher{}, cfg.WorkerCount)

	policy := coord.Policy{
		YoungThresholdBytes: cfg.YoungThresholdBytes,
		OldThresholdBytes:   cfg.OldThresholdBytes,
		MinorsPerMajor:      cfg.MinorsPerMajor,
	}
	h.coordinator = coord.New(h.registry, h.marker, h.sweeper, h.barrier, logger, policy)
	h.coordinator.Start(h.ctx)

	return h, nil
}

// Close stops the background collection loop and the finalizer runner.
// Already-allocated Gc/Weak handles become unusable once the owning Heap is
// closed.
func (h *Heap) Close() {
	h.coordinator.Stop()
	h.cancel()
	h.finalizers.Close()
}

// CollectMinor, CollectMajor, and CollectIncremental request an
// out-of-band collection cycle of the named kind, for callers that want
// more control than the allocation-triggered policy gives them (tests and
// latency-sensitive call sites, mainly). The request is queued, not run
// synchronously.
func (h *Heap) CollectMinor()       { h.coordinator.RequestMinor() }
func (h *Heap) CollectMajor()       { h.coordinator.RequestMajor() }
func (h *Heap) CollectIncremental() { h.coordinator.RequestIncremental() }

// RunCycleMinorSync and RunCycleMajorSync run one collection cycle of the
// named kind synchronously and return its stats, bypassing the request
// queue. Intended for tests and for applications that want a
// deterministic, blocking collection point (e.g. before measuring memory
// use).
func (h *Heap) RunCycleMinorSync(ctx context.Context) CycleReport {
	return h.coordinator.RunMinorSync(ctx)
}

func (h *Heap) RunCycleMajorSync(ctx context.Context) CycleReport {
	return h.coordinator.RunMajorSync(ctx)
}

// CycleReport mirrors coord.CycleReport so callers never need to import an
// internal package to read collection stats back.
type CycleReport = coord.CycleReport

// CollectInfo mirrors coord.CollectInfo, the snapshot passed to a
// SetCollectCondition predicate.
type CollectInfo = coord.CollectInfo

// SetCollectCondition installs a predicate evaluated alongside the fixed
// byte-budget policy on every allocation and Drop: whenever it returns true
// a major collection is requested. Pass nil to remove a previously-set
// predicate.
func (h *Heap) SetCollectCondition(pred func(CollectInfo) bool) {
	h.coordinator.SetCollectCondition(coord.CollectPredicate(pred))
}

func (h *Heap) noteAlloc(n int64) {
	h.coordinator.NoteAllocation(n)
}

func (h *Heap) noteDrop() {
	h.coordinator.NoteDrop()
}

// reclaimAcyclic implements the refcounting fast path of Gc.Drop: once the
// strong count reaches zero the object is known garbage immediately (no
// trace needed), so it is finalized and its slot returned to the
// allocator's free list right away rather than waiting for the next sweep.
func (h *Heap) reclaimAcyclic(typeTag uint64, addr uintptr) {
	head := heap.HeaderAt(addr)
	head.SetStatus(heap.StatusDead)
	finalizer{}.Finalize(typeTag, addr)

	page, index, ok := h.table.ObjectIndexFor(addr, h.los)
	if !ok {
		return
	}
	if page.HasFlag(heap.FlagLarge) {
		if alloc := h.allocatorFor(page.OwnerThread); alloc != nil {
			if numPages, ok := h.los.NumPages(page.Base); ok {
				alloc.ReturnLarge(page, numPages)
			}
		}
		return
	}
	page.ClearAllocated(index)
	heap.ReclaimSlot(page, index)
}

// allocatorFor finds the Allocator owned by the thread with the given id.
// Small registries (one entry per attached goroutine) make the linear scan
// cheap; mirrors the same lookup in internal/sweep.
func (h *Heap) allocatorFor(ownerThread uint64) *heap.Allocator {
	for _, tcb := range h.registry.Snapshot() {
		if tcb.ID == ownerThread {
			return tcb.Alloc
		}
	}
	return nil
}
