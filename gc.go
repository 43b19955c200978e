package pinheap

import (
	"fmt"
	"unsafe"

	"github.com/pinheap/pinheap/internal/heap"
)

// gcBox is the concrete, typed allocation behind every Gc[T] and Weak[T]
// handle to the same object: a BoxHeader (read by the allocator, marker,
// and sweeper without ever knowing T) immediately followed by the payload.
// Allocated directly into the arena (see heap.go), never on the ordinary Go
// heap — see the package doc in heap.go for what that means for T.
type gcBox[T any] struct {
	heap.BoxHeader
	Value T
}

// Gc is a strong, shared, non-moving reference to a T living in a Heap's
// arena. Its zero value is a "dropped"/nil handle: Get panics, IsNil is
// true. Copying a Gc value copies the handle, not the referent — two Gc
// values sharing a box both need Drop called on them, matching Rust's
// Rc<T>/Gc<T> semantics this type mirrors.
type Gc[T any] struct {
	box *gcBox[T]
}

func (g Gc[T]) addr() uintptr {
	if g.box == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(g.box))
}

func boxFromAddr[T any](addr uintptr) *gcBox[T] {
	return (*gcBox[T])(unsafe.Pointer(addr))
}

// NewGc allocates a new T in m's heap and returns a strong handle to it with
// strong count 1, weak count 0. Calls m.Checkpoint first, so a tight
// allocation loop is always a valid safepoint poll site.
func NewGc[T any](m *Mutator, value T) (Gc[T], error) {
	m.Checkpoint()

	size := unsafe.Sizeof(gcBox[T]{})
	addr, _, _, err := m.alloc.Alloc(size)
	if err != nil {
		return Gc[T]{}, fmt.Errorf("pinheap: allocating %T: %w", value, err)
	}

	box := boxFromAddr[T](addr)
	box.Init()
	box.TypeTag = typeTagFor[T]()
	box.Value = value

	m.heap.noteAlloc(int64(size))
	return Gc[T]{box: box}, nil
}

// NewCyclicWeak allocates a box for T before T's value exists, hands builder
// a Weak[T] pointing at that not-yet-owned box, and only gives the box its
// first strong owner once builder returns. Any Upgrade attempted on the
// Weak from inside builder fails — there is no strong owner yet to upgrade
// to — so builder can safely stash that same Weak inside the T it
// constructs (a parent back-pointer, a self-referential node) without ever
// observing a live value that isn't fully initialized. Upgrade succeeds on
// that Weak as soon as NewCyclicWeak returns.
func NewCyclicWeak[T any](m *Mutator, builder func(Weak[T]) T) (Gc[T], error) {
	m.Checkpoint()

	size := unsafe.Sizeof(gcBox[T]{})
	addr, _, _, err := m.alloc.Alloc(size)
	if err != nil {
		var zero T
		return Gc[T]{}, fmt.Errorf("pinheap: allocating %T: %w", zero, err)
	}

	box := boxFromAddr[T](addr)
	box.InitCyclic()
	box.TypeTag = typeTagFor[T]()

	box.Value = builder(Weak[T]{box: box})
	box.FinishCyclic()

	m.heap.noteAlloc(int64(size))
	return Gc[T]{box: box}, nil
}

// IsNil reports whether g is the zero Gc value. It does not reflect whether
// the referent has been collected — a live handle is never silently
// invalidated; Drop makes that explicit instead.
func (g Gc[T]) IsNil() bool { return g.box == nil }

// Get returns a pointer to the referent. Panics if g is nil or the box has
// already been dropped/reclaimed.
func (g Gc[T]) Get() *T {
	if g.box == nil || g.box.GetStatus() != heap.StatusAlive {
		panic("pinheap: dereference of a dropped Gc value")
	}
	return &g.box.Value
}

// Clone returns a new strong handle to the same object, incrementing the
// strong count. The caller now owns one more Drop.
func (g Gc[T]) Clone() Gc[T] {
	if g.box != nil {
		g.box.IncStrong()
	}
	return g
}

// Downgrade returns a Weak handle to the same object without affecting the
// strong count.
func (g Gc[T]) Downgrade() Weak[T] {
	if g.box != nil {
		g.box.IncWeak()
	}
	return Weak[T]{box: g.box}
}

// Drop releases this handle's strong reference. If the strong count reaches
// zero, the referent is reclaimed immediately along the acyclic fast path —
// unless it is part of a reference cycle being kept superficially alive by
// its own members, in which case the tracing collector reclaims it on a
// later sweep instead.
func (g Gc[T]) Drop(m *Mutator) {
	if g.box == nil {
		return
	}
	m.heap.noteDrop()
	if g.box.DecStrong() == 0 {
		m.heap.reclaimAcyclic(g.box.TypeTag, uintptr(unsafe.Pointer(g.box)))
	}
}

func (g Gc[T]) StrongCount() int64 {
	if g.box == nil {
		return 0
	}
	return g.box.StrongCount()
}

func (g Gc[T]) WeakCount() int64 {
	if g.box == nil {
		return 0
	}
	return g.box.WeakCount()
}

// PtrEq reports whether g and other point at the same box — reference
// identity, not a comparison of the referent's value.
func (g Gc[T]) PtrEq(other Gc[T]) bool {
	return g.box == other.box
}

// AsPtr returns the referent's address as a plain integer, for callers that
// need a stable identity key (a map key, a log field) without exposing the
// handle's reference-counting behavior. The returned value is only
// meaningful as an opaque identity; dereferencing it bypasses every safety
// check Get performs.
func (g Gc[T]) AsPtr() uintptr {
	return g.addr()
}

// IsDead reports whether g is nil or its referent has already been
// reclaimed, i.e. whether Get would panic.
func (g Gc[T]) IsDead() bool {
	return g.box == nil || g.box.GetStatus() != heap.StatusAlive
}
