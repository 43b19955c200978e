// Package roots implements the per-thread control block, the global thread
// registry, precise handle scopes, and the substitute for conservative
// stack scanning root discovery relies on.
//
// Go gives no supported way to walk a live goroutine's call stack for
// pointer-shaped words the way a conservative collector walks an OS
// thread's native stack (goroutine stacks move, and only the runtime
// itself may read them). Conservative scanning is therefore realized here
// as scanning of explicitly registered regions/pointers instead — the
// escape hatch a test harness or FFI boundary would reach for when the
// automatic scan cannot see a root, generalized here to be the only
// mechanism, since on this host every root is effectively reached that
// way. See DESIGN.md for the full writeup of this decision.
package roots

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/pinheap/pinheap/internal/heap"
)

// ThreadState is the TCB's thread-state atomic.
type ThreadState uint32

const (
	Running ThreadState = iota
	Parking
	Parked
)

func (s ThreadState) String() string {
	switch s {
	case Running:
		return "running"
	case Parking:
		return "parking"
	case Parked:
		return "parked"
	default:
		return "unknown"
	}
}

// TCB is the per-thread runtime record: everything the coordinator and
// marker need to know about one goroutine that calls into the allocator.
// Created by Register/Attach, destroyed by Unregister.
type TCB struct {
	ID    uint64
	State atomic.Uint32 // holds a ThreadState

	parkMu   sync.Mutex
	parkCond *sync.Cond

	GCRequested atomic.Bool

	Alloc *heap.Allocator

	rootsMu       sync.Mutex
	registeredRoots map[uintptr]struct{}
	conservative    []conservativeRegion

	scopeMu    sync.Mutex
	topScope   *HandleScope
	curBlock   *handleBlock
	curIndex   int
	allBlocks  []*handleBlock

	// SATBBuf and RememberedBuf are the thread-local buffers write
	// barriers append to (internal/barrier owns the append logic; TCB
	// just owns the backing storage).
	SATBBuf       []uintptr
	RememberedBuf []*heap.PageHeader

	// SealedLevel supports debug-time assertions that forbid handle
	// creation in marked regions (e.g. mid-barrier).
	SealedLevel atomic.Int32
}

type conservativeRegion struct {
	base uintptr
	len  uintptr
}

func newTCB(id uint64, alloc *heap.Allocator) *TCB {
	t := &TCB{
		ID:              id,
		Alloc:           alloc,
		registeredRoots: make(map[uintptr]struct{}),
	}
	t.State.Store(uint32(Running))
	t.parkCond = sync.NewCond(&t.parkMu)
	return t
}

func (t *TCB) GetState() ThreadState { return ThreadState(t.State.Load()) }

// Park transitions Running -> Parked and blocks until Release wakes it.
// Called by mutators at a safepoint once the coordinator has raised
// GCRequested.
func (t *TCB) Park() {
	t.State.Store(uint32(Parking))
	t.parkMu.Lock()
	t.State.Store(uint32(Parked))
	for t.GetState() == Parked {
		t.parkCond.Wait()
	}
	t.parkMu.Unlock()
}

// Release wakes a parked thread, transitioning it back to Running. Called
// by the coordinator once a cycle's STW phase completes.
func (t *TCB) Release() {
	t.parkMu.Lock()
	t.State.Store(uint32(Running))
	t.parkCond.Broadcast()
	t.parkMu.Unlock()
}

// RegisterRoot declares ptr an explicit precise root, for addresses the
// (necessarily limited, on this host) automatic discovery cannot see.
func (t *TCB) RegisterRoot(ptr uintptr) {
	if ptr == 0 {
		return
	}
	t.rootsMu.Lock()
	t.registeredRoots[ptr] = struct{}{}
	t.rootsMu.Unlock()
}

// UnregisterRoot undoes RegisterRoot.
func (t *TCB) UnregisterRoot(ptr uintptr) {
	t.rootsMu.Lock()
	delete(t.registeredRoots, ptr)
	t.rootsMu.Unlock()
}

// RegisterConservativeRegion declares a byte range (e.g. a caller-owned
// buffer standing in for a goroutine's stack) to be scanned conservatively:
// every word-aligned address inside it that resolves to a live GcBox is
// treated as a root, false positives and all, the same tradeoff native
// stack scanning makes.
func (t *TCB) RegisterConservativeRegion(base, length uintptr) {
	t.rootsMu.Lock()
	t.conservative = append(t.conservative, conservativeRegion{base: base, len: length})
	t.rootsMu.Unlock()
}

// UnregisterConservativeRegion removes a previously registered region.
func (t *TCB) UnregisterConservativeRegion(base uintptr) {
	t.rootsMu.Lock()
	for i, r := range t.conservative {
		if r.base == base {
			t.conservative = append(t.conservative[:i], t.conservative[i+1:]...)
			break
		}
	}
	t.rootsMu.Unlock()
}

// PreciseRoots returns a snapshot of every explicitly registered precise
// root pointer.
func (t *TCB) PreciseRoots() []uintptr {
	t.rootsMu.Lock()
	defer t.rootsMu.Unlock()
	out := make([]uintptr, 0, len(t.registeredRoots))
	for p := range t.registeredRoots {
		out = append(out, p)
	}
	return out
}

// ConservativeWords returns every word-aligned address found in every
// registered conservative region, for the marker to test against the page
// table. uintptr-sized words only, matching native pointer-sized stack-scan
// granularity.
func (t *TCB) ConservativeWords() []uintptr {
	t.rootsMu.Lock()
	regions := append([]conservativeRegion(nil), t.conservative...)
	t.rootsMu.Unlock()

	const wordSize = uintptr(8)
	var out []uintptr
	for _, r := range regions {
		for off := uintptr(0); off+wordSize <= r.len; off += wordSize {
			out = append(out, readWord(r.base+off))
		}
	}
	return out
}
