package pinheap

import "github.com/pinheap/pinheap/internal/heap"

// Weak is a non-owning reference: it does not keep its referent alive and is
// never reported to the tracer (it deliberately does not implement
// GcPointer), so cyclic structures can use it to break a strong cycle — the
// parent holds a Gc to the child, the child holds a Weak back to the
// parent.
type Weak[T any] struct {
	box *gcBox[T]
}

// Upgrade attempts to produce a strong Gc handle, succeeding only if the
// referent is still alive.
func (w Weak[T]) Upgrade() (Gc[T], bool) {
	if w.box == nil {
		return Gc[T]{}, false
	}
	if !w.box.TryUpgrade() {
		return Gc[T]{}, false
	}
	return Gc[T]{box: w.box}, true
}

// Clone returns a new weak handle to the same object, incrementing the weak
// count.
func (w Weak[T]) Clone() Weak[T] {
	if w.box != nil {
		w.box.IncWeak()
	}
	return w
}

// Drop releases this handle's weak reference.
func (w Weak[T]) Drop() {
	if w.box != nil {
		w.box.DecWeak()
	}
}

func (w Weak[T]) IsNil() bool { return w.box == nil }

// IsAlive reports whether the referent currently has a strong owner, without
// mutating the strong count the way Upgrade does. A true result can go
// stale the instant another goroutine drops the last strong handle, so
// callers that need to act on liveness should call Upgrade instead of
// IsAlive followed by Upgrade.
func (w Weak[T]) IsAlive() bool {
	if w.box == nil {
		return false
	}
	return w.box.StrongCount() > 0 && w.box.GetStatus() == heap.StatusAlive
}
