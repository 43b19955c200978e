package pinheap

import "github.com/pinheap/pinheap/internal/roots"

// HandleScope is a stack-discipline lease of precise-root slots: every
// Handle created inside it keeps its target alive until the scope is
// closed, then all of them are released at once. Must be closed in strict
// LIFO order relative to sibling scopes on the same Mutator — a defer
// right after opening it satisfies that automatically.
type HandleScope struct {
	inner *roots.HandleScope
}

func (s *HandleScope) Close() { s.inner.Close() }

// Handle is a precise root for one Gc[T], valid for the lifetime of the
// HandleScope that created it. Use it to keep a reference alive across a
// collection without the caller having to reason about where on the Go
// stack the corresponding Gc[T] variable happens to live — this collector
// never scans that stack, only registered roots.
type Handle[T any] struct {
	slot *roots.Handle
}

// NewHandle creates a root for g, scoped to s.
func NewHandle[T any](s *HandleScope, g Gc[T]) Handle[T] {
	return Handle[T]{slot: s.inner.CreateHandle(g.addr())}
}

// Get recovers the rooted Gc[T]. Valid until the owning HandleScope closes.
func (h Handle[T]) Get() Gc[T] {
	addr := h.slot.Get()
	if addr == 0 {
		return Gc[T]{}
	}
	return Gc[T]{box: boxFromAddr[T](addr)}
}
