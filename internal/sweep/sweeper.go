// Package sweep reclaims everything the marker left unmarked: it rebuilds
// each page's free list object by object, returns fully empty pages to the
// OS, releases dead large objects immediately, and promotes young pages
// that have survived enough minor cycles into the old generation.
// mgc.go's lazy, incremental sweep scheduling and mfinal.go's deferred
// finalizer execution are the shapes this package follows.
package sweep

import (
	"sync"

	"github.com/pinheap/pinheap/internal/heap"
	"github.com/pinheap/pinheap/internal/roots"
)

// DefaultPromotionThreshold is how many consecutive minor cycles a young
// page must exit with at least one survivor before it is promoted to the
// old generation.
const DefaultPromotionThreshold = 2

// Stats summarizes one full sweep pass.
type Stats struct {
	Freed     int64
	Survived  int64
	Promoted  int64
	ReturnedPages int64
}

// Sweeper reclaims dead objects and rebuilds free lists. One Sweeper is
// shared by every allocating thread; it is also installed as each
// Allocator's heap.LazySweeper so an allocation that runs out of free slots
// can reclaim a few more objects inline rather than mapping a fresh page.
type Sweeper struct {
	Table    *heap.PageTable
	LOS      *heap.LargeObjectMap
	Registry *roots.Registry

	Finalizers *FinalizerQueue

	PromotionThreshold int

	mu sync.Mutex
}

// New builds a Sweeper. finalizers may be nil if no destructors are ever
// registered.
func New(table *heap.PageTable, los *heap.LargeObjectMap, registry *roots.Registry, finalizers *FinalizerQueue) *Sweeper {
	return &Sweeper{Table: table, LOS: los, Registry: registry, Finalizers: finalizers, PromotionThreshold: DefaultPromotionThreshold}
}

// SweepPage implements heap.LazySweeper: reclaims up to budget dead slots
// from page without resetting its free list, so it composes with whatever
// partial state a previous lazy-sweep call (or a prior full pass) left
// behind. Unlike SweepCycle this never touches Survivals/promotion — lazy
// sweeps happen off-cycle, mid-allocation, not at a clean cycle boundary.
func (s *Sweeper) SweepPage(page *heap.PageHeader, budget int) int {
	freed := 0
	for i := 0; i < page.Capacity && freed < budget; i++ {
		if !page.IsAllocated(i) || page.IsMarked(i) {
			continue
		}
		s.reclaimSlot(page, i)
		freed++
	}
	if !s.hasMoreGarbage(page) {
		page.ClearFlag(heap.FlagNeedsSweep)
	}
	return freed
}

func (s *Sweeper) hasMoreGarbage(page *heap.PageHeader) bool {
	for i := 0; i < page.Capacity; i++ {
		if page.IsAllocated(i) && !page.IsMarked(i) {
			return true
		}
	}
	return false
}

// SweepCycle performs the full, stop-the-world sweep step of a collection
// cycle: every page of the swept generation(s) is walked in its entirety,
// its free list rebuilt from scratch, empty pages are returned to the OS,
// and, in a Minor cycle, surviving young pages have their promotion counter
// advanced. When
// onlyYoung is true (a Minor cycle), old-generation pages are left
// untouched, matching the marker's own generational scoping.
func (s *Sweeper) SweepCycle(onlyYoung bool) Stats {
	var stats Stats

	for _, page := range s.Table.AllPages() {
		if page.HasFlag(heap.FlagLarge) {
			continue
		}
		if onlyYoung && page.GenerationTag() != heap.Young {
			continue
		}
		freed, survivors := s.sweepSmallPageFull(page)
		stats.Freed += int64(freed)
		stats.Survived += int64(survivors)

		if onlyYoung && page.GenerationTag() == heap.Young {
			if survivors > 0 {
				page.Survivals++
				if page.Survivals >= s.PromotionThreshold {
					page.SetGeneration(heap.Old)
					page.Survivals = 0
					stats.Promoted++
				}
			} else {
				page.Survivals = 0
			}
		}

		if survivors == 0 {
			if alloc := s.allocatorFor(page.OwnerThread); alloc != nil {
				if alloc.ReclaimEmptyPage(page) {
					stats.ReturnedPages++
				}
			}
		}
	}

	for _, head := range s.LOS.All() {
		if onlyYoung && head.GenerationTag() != heap.Young {
			continue
		}
		if !head.IsAllocated(0) {
			continue
		}
		if head.IsMarked(0) {
			if onlyYoung && head.GenerationTag() == heap.Young {
				head.Survivals++
				if head.Survivals >= s.PromotionThreshold {
					head.SetGeneration(heap.Old)
					head.Survivals = 0
					stats.Promoted++
				}
			}
			stats.Survived++
			continue
		}
		s.reclaimLarge(head)
		stats.Freed++
	}

	return stats
}

// sweepSmallPageFull rebuilds page's entire free list from a clean slate,
// reclaiming every unmarked allocated slot and counting survivors.
func (s *Sweeper) sweepSmallPageFull(page *heap.PageHeader) (freed, survivors int) {
	page.FreeListHead = -1
	for i := page.Capacity - 1; i >= 0; i-- {
		if !page.IsAllocated(i) {
			continue
		}
		if page.IsMarked(i) {
			survivors++
			continue
		}
		s.reclaimSlot(page, i)
		freed++
	}
	page.ClearFlag(heap.FlagNeedsSweep)
	return freed, survivors
}

func (s *Sweeper) reclaimSlot(page *heap.PageHeader, index int) {
	addr := heap.ResolveObjectStart(page, index)
	hdr := heap.HeaderAt(addr)
	s.runFinalizer(hdr.TypeTag, addr)
	hdr.SetStatus(heap.StatusDead)
	heap.ReclaimSlot(page, index)
}

func (s *Sweeper) reclaimLarge(head *heap.PageHeader) {
	addr := heap.ResolveObjectStart(head, 0)
	hdr := heap.HeaderAt(addr)
	s.runFinalizer(hdr.TypeTag, addr)
	hdr.SetStatus(heap.StatusDead)
	head.ClearAllocated(0)
	numPages, _ := s.LOS.NumPages(head.Base)
	if alloc := s.allocatorFor(head.OwnerThread); alloc != nil {
		alloc.ReturnLarge(head, numPages)
	}
}

func (s *Sweeper) runFinalizer(typeTag uint64, addr uintptr) {
	if s.Finalizers != nil {
		s.Finalizers.Enqueue(typeTag, addr)
	}
}

func (s *Sweeper) allocatorFor(ownerThread uint64) *heap.Allocator {
	for _, tcb := range s.Registry.Snapshot() {
		if tcb.ID == ownerThread {
			return tcb.Alloc
		}
	}
	return nil
}
