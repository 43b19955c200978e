package heap

import (
	"go.uber.org/atomic"
)

// pageMagic is written at the start of every mapped page and re-checked by
// VerifyMagic as a self-consistency check on pages already found in the
// PageTable. Pointer resolution (PageFor) relies on table membership, not on
// this value.
const pageMagic uint64 = 0x70696e68656170 // "pinheap" truncated to 7 bytes + NUL

// Generation identifies which generation a page (and everything allocated
// from it) currently belongs to.
type Generation uint8

const (
	Young Generation = iota
	Old
)

// Page flags. Stored as a bitmask so barriers can test several conditions
// with one load instead of several separate fields.
type PageFlags uint32

const (
	FlagLarge      PageFlags = 1 << iota // page belongs to the Large Object Space
	FlagNeedsSweep                       // page has unswept garbage from the last cycle
	FlagDirtyCard                        // at least one old->young pointer recorded on this page
)

// PageHeader is the per-page metadata BiBOP resolves any interior pointer
// to. One PageHeader exists per mapped page; for a multi-page large object
// only the head page's PageHeader is "real", tail pages resolve to it via
// the LargeObjectMap (see los.go).
//
// The header itself lives in ordinary Go memory (not inside the mmap'd
// page), because it holds atomics and slices that must stay visible to
// Go's own garbage collector; the mmap'd bytes hold only the raw magic
// number plus GcBox slots, the same split any BiBOP-style allocator draws
// between a Go-heap-resident span descriptor and the raw memory it
// describes.
type PageHeader struct {
	Base     uintptr // page-aligned start address of the mapped region
	SizeClass int    // index into the size-class table; -1 for large objects
	BlockSize uint32
	Capacity  int // number of object slots in this page

	Generation atomic.Uint32 // holds a Generation value
	Flags      atomic.Uint32 // holds a PageFlags bitmask

	// MarkBits is one bit per object slot, atomic 64-bit words, cleared at
	// the start of every cycle and set during marking. Relaxed ops only:
	// the bitmap is idempotent and its visibility is established by the
	// safepoint / cycle-boundary barrier.
	MarkBits []atomic.Uint64

	// AllocBits is one bit per object slot, set when the allocator hands a
	// slot out and cleared when the sweeper reclaims it. Needed because a
	// freshly mapped page's memory reads as all-zero, which coincides with
	// StatusAlive — without this bitmap the sweeper could not tell a
	// genuinely live object from a slot that was never allocated at all.
	AllocBits []atomic.Uint64

	// FreeListHead is the index of the first free slot, or -1. Rebuilt by
	// the sweeper; consumed by the allocator. Protected by the segment's
	// lock, not lock-free, since only one thread owns a page's bump
	// pointer and free list at a time (per-thread segments).
	FreeListHead int

	OwnerThread uint64 // thread id that owns this page's bump pointer

	// LargeHead is non-nil on tail pages of a large object, pointing back
	// to the head page's header. nil on every other page.
	LargeHead *PageHeader

	// Survivals counts how many consecutive minor cycles this page has
	// exited with at least one live object, for the sweeper's promotion
	// policy. Touched only from the single-threaded, stop-the-world sweep
	// pass, never concurrently with mutators.
	Survivals int
}

func bitmapWords(capacity int) int {
	return (capacity + 63) / 64
}

// NewPageHeader builds the metadata for a freshly mapped page belonging to
// the given size class (-1 for large-object head pages).
func NewPageHeader(base uintptr, class int, blockSize uint32, capacity int) *PageHeader {
	h := &PageHeader{
		Base:         base,
		SizeClass:    class,
		BlockSize:    blockSize,
		Capacity:     capacity,
		MarkBits:     make([]atomic.Uint64, bitmapWords(capacity)),
		AllocBits:    make([]atomic.Uint64, bitmapWords(capacity)),
		FreeListHead: -1,
	}
	h.Generation.Store(uint32(Young))
	return h
}

// Mark sets the mark bit for the given object slot index. Idempotent: if
// another worker already marked it, the caller observes no effect and
// should treat the object as already-visited (see internal/mark).
func (h *PageHeader) Mark(index int) (wasSet bool) {
	word := index / 64
	bit := uint64(1) << uint(index%64)
	for {
		old := h.MarkBits[word].Load()
		if old&bit != 0 {
			return true
		}
		if h.MarkBits[word].CAS(old, old|bit) {
			return false
		}
	}
}

// IsMarked reports whether the slot at index is currently marked.
func (h *PageHeader) IsMarked(index int) bool {
	word := index / 64
	bit := uint64(1) << uint(index%64)
	return h.MarkBits[word].Load()&bit != 0
}

// ClearAllMarks resets the bitmap at the start of a collection cycle.
func (h *PageHeader) ClearAllMarks() {
	for i := range h.MarkBits {
		h.MarkBits[i].Store(0)
	}
}

// SetAllocated marks index as holding a live object. Called once, by the
// allocator, when the slot is first handed out.
func (h *PageHeader) SetAllocated(index int) {
	word := index / 64
	bit := uint64(1) << uint(index%64)
	for {
		old := h.AllocBits[word].Load()
		if old&bit != 0 || h.AllocBits[word].CAS(old, old|bit) {
			return
		}
	}
}

// ClearAllocated marks index as free. Called by the sweeper once it
// reclaims a slot.
func (h *PageHeader) ClearAllocated(index int) {
	word := index / 64
	bit := uint64(1) << uint(index%64)
	for {
		old := h.AllocBits[word].Load()
		n := old &^ bit
		if old == n || h.AllocBits[word].CAS(old, n) {
			return
		}
	}
}

// IsAllocated reports whether index currently holds a live object, as
// opposed to memory that was never handed out or was already reclaimed.
func (h *PageHeader) IsAllocated(index int) bool {
	word := index / 64
	bit := uint64(1) << uint(index%64)
	return h.AllocBits[word].Load()&bit != 0
}

func (h *PageHeader) SetFlag(f PageFlags) {
	for {
		old := h.Flags.Load()
		n := old | uint32(f)
		if old == n || h.Flags.CAS(old, n) {
			return
		}
	}
}

func (h *PageHeader) ClearFlag(f PageFlags) {
	for {
		old := h.Flags.Load()
		n := old &^ uint32(f)
		if old == n || h.Flags.CAS(old, n) {
			return
		}
	}
}

func (h *PageHeader) HasFlag(f PageFlags) bool {
	return PageFlags(h.Flags.Load())&f != 0
}

// VerifyMagic re-reads the raw magic number from this page's own mapped
// memory. Only ever called with a PageHeader already obtained from the
// PageTable, i.e. against an address already known to be live — this is a
// debug self-check, not a validity test for unknown pointers.
func (h *PageHeader) VerifyMagic() bool {
	return readRawMagic(h.Base) == pageMagic
}

func (h *PageHeader) GenerationTag() Generation {
	return Generation(h.Generation.Load())
}

func (h *PageHeader) SetGeneration(g Generation) {
	h.Generation.Store(uint32(g))
}

// ObjectIndexFor computes the slot index of ptr within this page's block
// array, given the page resolved to be headerless: the caller passes the
// raw offset into the mapped region (ptr - Base).
func (h *PageHeader) ObjectIndexFor(offsetIntoPage uintptr) int {
	return int((offsetIntoPage - rawHeaderSize) / uintptr(h.BlockSize))
}
