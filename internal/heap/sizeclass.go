// Package heap implements the BiBOP (Big Bag of Pages) layout: size-classed
// segments of fixed-size pages, per-page metadata, and O(1) resolution from
// any interior pointer back to the page that owns it.
//
// The design mirrors the Go runtime's own small-object allocator (size
// classes, per-class segments, a bump pointer into the current page, a
// free-list populated by sweep), with a fixed list of eight classes whose
// size-to-class lookup table is built once at init, and with pages mapped
// directly via golang.org/x/sys/unix instead of the runtime's sysAlloc.
package heap

import "fmt"

// PageSize is the size of a single BiBOP page. Every Segment page and every
// Large Object Space page is a multiple of PageSize and PageSize-aligned.
const PageSize = 4096

// sizeClasses lists the block size, in bytes, of every small-object size
// class, smallest first. A GcBox whose header+payload exceeds the largest
// class is routed to the Large Object Space instead.
var sizeClasses = [...]uint32{16, 32, 64, 128, 256, 512, 1024, 2048}

// MaxSmallSize is the largest allocation request routed through a Segment
// rather than the Large Object Space.
const MaxSmallSize = 2048

// NumSizeClasses is the number of small-object size classes.
const NumSizeClasses = len(sizeClasses)

// ClassSize returns the block size, in bytes, of size class index.
func ClassSize(class int) uint32 {
	return sizeClasses[class]
}

// sizeToClass maps every byte count in [0, MaxSmallSize] to its size class
// index. Built once at init time the way a class_to_size/size_to_class8
// table is built: a direct lookup traded for a branch.
var sizeToClassTable [MaxSmallSize + 1]int8

func init() {
	class := 0
	for size := 0; size <= MaxSmallSize; size++ {
		for uint32(size) > sizeClasses[class] {
			class++
		}
		sizeToClassTable[size] = int8(class)
	}
}

// ClassForSize returns the smallest size class whose block size is >= size,
// or (-1, false) if size exceeds MaxSmallSize and belongs in the Large
// Object Space instead.
func ClassForSize(size uintptr) (int, bool) {
	if size > MaxSmallSize {
		return -1, false
	}
	return int(sizeToClassTable[size]), true
}

// ObjectsPerPage returns how many blocks of the given size class fit in one
// page after the page header.
func ObjectsPerPage(class int) int {
	avail := PageSize - int(rawHeaderSize)
	n := avail / int(ClassSize(class))
	if n < 1 {
		panic(fmt.Sprintf("heap: size class %d (block size %d) does not fit one page", class, ClassSize(class)))
	}
	return n
}
