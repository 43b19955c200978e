package heap

import "sync"

// freeSlot is a node in a page's free list, threaded through the memory of
// the free block itself — the classic gclink/gclinkptr trick: the list is
// opaque to any tracing pass since it lives inside already-dead slots.
type freeSlot struct {
	next int32 // index of the next free slot, or -1
}

// Segment owns every page of one size class and the bump pointer into the
// page currently being carved up. One Segment exists per size class per
// Allocator (i.e. per thread), so no segment is ever touched by more than
// one allocating thread — the allocator's fast path therefore needs no
// lock, the same per-thread-cache design a per-P mcache follows.
type Segment struct {
	mu sync.Mutex // guards Pages/current only against the sweeper/coordinator

	Class     int
	BlockSize uint32
	Capacity  int

	Pages   []*PageHeader
	current *PageHeader
	bump    int // next unused slot index in current, or Capacity if exhausted
}

func NewSegment(class int) *Segment {
	size := ClassSize(class)
	return &Segment{
		Class:     class,
		BlockSize: size,
		Capacity:  ObjectsPerPage(class),
	}
}

// slotAddr returns the address of slot index within page.
func slotAddr(page *PageHeader, index int) uintptr {
	return page.Base + rawHeaderSize + uintptr(index)*uintptr(page.BlockSize)
}

// bumpAlloc tries to hand out the next slot of the segment's current page
// without touching the free list or mapping new memory. Returns (0, false)
// if the current page is exhausted or absent.
func (s *Segment) bumpAlloc() (uintptr, bool) {
	if s.current == nil || s.bump >= s.Capacity {
		return 0, false
	}
	idx := s.bump
	s.bump++
	s.current.SetAllocated(idx)
	return slotAddr(s.current, idx), true
}

// popFree pops a slot from the current page's sweep-populated free list.
func (s *Segment) popFree() (uintptr, bool) {
	if s.current == nil || s.current.FreeListHead < 0 {
		return 0, false
	}
	idx := s.current.FreeListHead
	addr := slotAddr(s.current, idx)
	next := (*freeSlot)(ptrAt(addr))
	s.current.FreeListHead = next.next
	s.current.SetAllocated(idx)
	return addr, true
}

// pushFree is called by the sweeper to rebuild a page's free list.
func pushFree(page *PageHeader, index int) {
	page.ClearAllocated(index)
	addr := slotAddr(page, index)
	node := (*freeSlot)(ptrAt(addr))
	node.next = int32(page.FreeListHead)
	page.FreeListHead = index
}

// ReclaimSlot is pushFree exported for internal/sweep, which reconstructs a
// page's free list object-by-object as it walks every slot during a full
// sweep pass.
func ReclaimSlot(page *PageHeader, index int) {
	pushFree(page, index)
}
