package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawHeaderSize is the number of bytes reserved at the start of every
// mapped page for the raw magic number used by page resolution. Rounded up
// to keep the first object slot naturally aligned.
const rawHeaderSize = 16

// ErrOutOfMemory is returned (and normally turned into a panic by the
// allocator) when the OS refuses to hand back more pages.
type ErrOutOfMemory struct {
	Bytes int
	Cause error
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("heap: out of memory requesting %d bytes: %v", e.Bytes, e.Cause)
}

func (e *ErrOutOfMemory) Unwrap() error { return e.Cause }

// mapPages requests n page-aligned, zeroed pages directly from the OS via
// an anonymous mmap, the sysAlloc-class operation a runtime's raw-memory
// layer performs through the platform's syscall. Using
// golang.org/x/sys/unix instead of invoking the syscall package directly
// keeps the call portable across Unix variants without a build-tag split
// per OS.
func mapPages(n int) (uintptr, []byte, error) {
	size := n * PageSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, nil, &ErrOutOfMemory{Bytes: size, Cause: err}
	}
	base := uintptr(unsafe.Pointer(&data[0]))
	if base%PageSize != 0 {
		// Anonymous mmap is page-aligned on every platform x/sys/unix
		// supports; this guards against a platform assumption breaking
		// silently rather than corrupting page_for resolution.
		_ = unix.Munmap(data)
		return 0, nil, &ErrOutOfMemory{Bytes: size, Cause: fmt.Errorf("mmap returned unaligned address %#x", base)}
	}
	writeRawMagic(data)
	return base, data, nil
}

// rawBytes reconstructs the []byte view over a previously mapped region
// from its base address and page count, for handing back to Munmap.
func rawBytes(base uintptr, numPages int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), numPages*PageSize)
}

// unmapPages releases pages back to the OS. Called when a Segment shrinks
// below its low-water mark or a Large Object Space allocation is freed.
func unmapPages(data []byte) error {
	return unix.Munmap(data)
}

func writeRawMagic(page []byte) {
	*(*uint64)(unsafe.Pointer(&page[0])) = pageMagic
}

// readRawMagic reads the magic number directly out of the mapped memory at
// addr's page-aligned base, with no Go-side bookkeeping involved. Used only
// by PageHeader.VerifyMagic, against pages already known to be mapped;
// PageFor never calls it.
func readRawMagic(base uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(base))
}
