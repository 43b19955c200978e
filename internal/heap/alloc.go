package heap

import (
	"fmt"
)

// LazySweeper is the callback the Allocator invokes when a size class runs
// out of free slots but still has pages flagged needs-sweep: pick a page
// flagged needs-sweep from the class, sweep up to N objects into its free
// list, allocate. Implemented by internal/sweep and injected here to keep
// this package free of the marker/sweeper's generic payload-tracing
// concerns.
type LazySweeper interface {
	SweepPage(page *PageHeader, budget int) (freed int)
}

// LazySweepBudget bounds how many objects a single lazy-sweep invocation
// processes, so a single allocation can never take time proportional to a
// whole page's occupancy.
const LazySweepBudget = 64

// Allocator is the per-thread allocation front end: one Segment per size
// class, bump-allocating within the active page, falling back to the page
// free list, then lazy sweep, then a fresh OS-mapped page. Exactly one
// goroutine/OS thread is expected to call Alloc on a given Allocator at a
// time (one Allocator per TCB, see internal/roots.Registry.Attach), so the
// fast path takes no lock.
type Allocator struct {
	Table *PageTable
	LOS   *LargeObjectMap

	OwnerThread uint64

	segments [NumSizeClasses]*Segment
	sweeper  LazySweeper
}

func NewAllocator(table *PageTable, los *LargeObjectMap, ownerThread uint64) *Allocator {
	a := &Allocator{Table: table, LOS: los, OwnerThread: ownerThread}
	for i := range a.segments {
		a.segments[i] = NewSegment(i)
	}
	return a
}

func (a *Allocator) SetLazySweeper(s LazySweeper) { a.sweeper = s }

// Alloc reserves space for a header+payload of totalSize bytes and returns
// its address together with the page and slot index it lives in. Large
// objects (totalSize > MaxSmallSize) are routed to the Large Object Space.
// Panics with *ErrOutOfMemory if the OS refuses to map more pages.
func (a *Allocator) Alloc(totalSize uintptr) (addr uintptr, page *PageHeader, index int, err error) {
	class, small := ClassForSize(totalSize)
	if !small {
		addr, page, index, err = a.allocLarge(totalSize)
		if err != nil {
			panic(err)
		}
		return addr, page, index, nil
	}
	seg := a.segments[class]

	if addr, ok := seg.bumpAlloc(); ok {
		return addr, seg.current, seg.bump - 1, nil
	}
	if addr, ok := seg.popFree(); ok {
		return addr, seg.current, seg.current.ObjectIndexFor(addr - seg.current.Base), nil
	}
	if a.sweeper != nil {
		if freed := a.lazySweepClass(seg); freed > 0 {
			if addr, ok := seg.popFree(); ok {
				return addr, seg.current, seg.current.ObjectIndexFor(addr - seg.current.Base), nil
			}
		}
	}
	if err := a.growSegment(seg); err != nil {
		panic(err)
	}
	addr, ok := seg.bumpAlloc()
	if !ok {
		return 0, nil, 0, fmt.Errorf("heap: freshly grown segment for class %d has no room", class)
	}
	return addr, seg.current, seg.bump - 1, nil
}

// lazySweepClass looks for a page flagged needs-sweep across the segment
// and asks the sweeper to reclaim up to LazySweepBudget objects from it.
func (a *Allocator) lazySweepClass(seg *Segment) int {
	for _, p := range seg.Pages {
		if p.HasFlag(FlagNeedsSweep) {
			freed := a.sweeper.SweepPage(p, LazySweepBudget)
			if freed > 0 {
				seg.current = p
			}
			return freed
		}
	}
	return 0
}

// growSegment requests one fresh OS page, wires it into the page table, and
// makes it the segment's active page.
func (a *Allocator) growSegment(seg *Segment) error {
	base, _, err := mapPages(1)
	if err != nil {
		return err
	}
	page := NewPageHeader(base, seg.Class, seg.BlockSize, seg.Capacity)
	page.OwnerThread = a.OwnerThread
	a.Table.Register(page)
	seg.Pages = append(seg.Pages, page)
	seg.current = page
	seg.bump = 0
	return nil
}

// allocLarge maps enough contiguous pages to hold totalSize bytes of
// header+payload, registers the head page in the PageTable and the whole
// range in the LargeObjectMap.
func (a *Allocator) allocLarge(totalSize uintptr) (uintptr, *PageHeader, int, error) {
	need := rawHeaderSize + totalSize
	numPages := int((need + PageSize - 1) / PageSize)
	base, _, err := mapPages(numPages)
	if err != nil {
		return 0, nil, 0, err
	}
	head := NewPageHeader(base, -1, uint32(totalSize), 1)
	head.OwnerThread = a.OwnerThread
	head.SetFlag(FlagLarge)
	head.SetAllocated(0)
	a.Table.Register(head)
	a.LOS.Register(head, numPages)
	return base + rawHeaderSize, head, 0, nil
}

// ReturnPage releases an entirely-empty small-object page back to the OS
// once its segment has more pages than the configured low-water mark.
func (a *Allocator) ReturnPage(seg *Segment, page *PageHeader) {
	for i, p := range seg.Pages {
		if p == page {
			seg.Pages = append(seg.Pages[:i], seg.Pages[i+1:]...)
			break
		}
	}
	if seg.current == page {
		seg.current = nil
		seg.bump = seg.Capacity
	}
	a.Table.Unregister(page.Base)
	_ = unmapPages(rawBytes(page.Base, 1))
}

// ReclaimEmptyPage returns a small-object page to the OS if doing so leaves
// its segment with at least one resident page and the page is not the one
// currently being bump-allocated from (the segment's low-water mark).
// Reports whether the page was actually returned.
func (a *Allocator) ReclaimEmptyPage(page *PageHeader) bool {
	if page.SizeClass < 0 || page.SizeClass >= len(a.segments) {
		return false
	}
	seg := a.segments[page.SizeClass]
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if len(seg.Pages) <= 1 || seg.current == page {
		return false
	}
	a.ReturnPage(seg, page)
	return true
}

// ReturnLarge releases a large object's pages back to the OS immediately:
// large objects are swept individually, never batched with a size class.
func (a *Allocator) ReturnLarge(head *PageHeader, numPages int) {
	a.Table.Unregister(head.Base)
	a.LOS.Unregister(head.Base)
	_ = unmapPages(rawBytes(head.Base, numPages))
}
