package heap

import "unsafe"

// ptrAt converts a raw address into an unsafe.Pointer. Centralized so every
// place the heap package reaches into raw page memory goes through one
// reviewable conversion site.
func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // intentional address-to-pointer conversion into mmap'd memory
}
