package heap

import (
	"math"
	"unsafe"

	"go.uber.org/atomic"
)

// HeaderAt reinterprets the start of an object's memory as its BoxHeader.
// Valid because every GcBox places BoxHeader as its first field, so the
// object's start address and its header's address coincide.
func HeaderAt(objAddr uintptr) *BoxHeader {
	return (*BoxHeader)(unsafe.Pointer(objAddr))
}

// Status is the lifecycle state of a GcBox.
type Status uint32

const (
	StatusAlive Status = iota
	StatusDropping
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusDropping:
		return "dropping"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// BoxHeader is the fixed, type-erased header every GcBox carries ahead of
// its payload. Kept free of the payload type so the allocator, marker, and
// sweeper never need to be generic over T — that split lives entirely
// between this untyped runtime and the user's typed Go values.
type BoxHeader struct {
	Strong atomic.Int64
	Weak   atomic.Int64
	Status atomic.Uint32

	// TypeTag identifies the concrete payload type, written once at
	// allocation before the box is published to any other thread. It is
	// a plain integer, never a Go pointer/func/interface value, because
	// the header lives in memory mmap'd outside Go's own heap (see
	// mmap.go) — storing anything Go's GC must trace in there would hide
	// it from that collector entirely. The root package maintains the
	// TypeTag -> trace-dispatch registry in ordinary Go memory.
	TypeTag uint64
}

// Init sets a freshly allocated box to strong=1, weak=0, status=Alive: every
// new allocation starts with exactly one strong owner.
func (h *BoxHeader) Init() {
	h.Strong.Store(1)
	h.Weak.Store(0)
	h.Status.Store(uint32(StatusAlive))
}

// InitCyclic sets a freshly allocated box to strong=0, weak=1, status=Alive:
// the box exists and its payload is being constructed, but it has no owner
// yet. TryUpgrade's Strong<=0 check already rejects any upgrade attempted
// against a box in this state, which is what keeps a Weak handed to a
// new-cyclic builder from upgrading before the payload is written. The
// pre-seeded weak reference belongs to the Weak the builder receives.
func (h *BoxHeader) InitCyclic() {
	h.Strong.Store(0)
	h.Weak.Store(1)
	h.Status.Store(uint32(StatusAlive))
}

// FinishCyclic publishes a box built via InitCyclic by giving it its first
// strong owner, once the payload has been written.
func (h *BoxHeader) FinishCyclic() {
	h.Strong.Store(1)
}

// IncStrong implements a strong clone's reference-count bump: Relaxed is
// sufficient because the payload was already visible through the source
// handle. Saturates at math.MaxInt64 rather than wrapping.
func (h *BoxHeader) IncStrong() {
	for {
		old := h.Strong.Load()
		if old == math.MaxInt64 {
			return // saturated: documented leak rather than wraparound
		}
		if h.Strong.CAS(old, old+1) {
			return
		}
	}
}

// DecStrong implements a strong drop's reference-count decrement with AcqRel
// ordering, so that observing strong==0 release-synchronizes with whatever
// the destructor needs to see. Returns the post-decrement count.
func (h *BoxHeader) DecStrong() int64 {
	return h.Strong.Dec()
}

func (h *BoxHeader) StrongCount() int64 { return h.Strong.Load() }
func (h *BoxHeader) WeakCount() int64   { return h.Weak.Load() }

func (h *BoxHeader) IncWeak() { h.Weak.Inc() }
func (h *BoxHeader) DecWeak() int64 { return h.Weak.Dec() }

func (h *BoxHeader) GetStatus() Status { return Status(h.Status.Load()) }
func (h *BoxHeader) SetStatus(s Status) { h.Status.Store(uint32(s)) }

// TryUpgrade implements a weak upgrade's CAS loop: increments Strong only if
// it observes Strong > 0 and Status == Alive at the same instant.
func (h *BoxHeader) TryUpgrade() bool {
	for {
		old := h.Strong.Load()
		if old <= 0 {
			return false
		}
		if h.GetStatus() != StatusAlive {
			return false
		}
		if h.Strong.CAS(old, old+1) {
			return true
		}
	}
}
