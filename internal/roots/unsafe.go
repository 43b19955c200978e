package roots

import "unsafe"

// readWord reads one uintptr-sized word from addr. Only ever called against
// addresses inside a region the caller itself registered as live via
// RegisterConservativeRegion, so this never risks faulting on arbitrary
// memory the way a real stack walker's speculative reads would.
func readWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}
