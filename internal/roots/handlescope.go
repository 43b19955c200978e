package roots

import "fmt"

const handleBlockSize = 256

// handleBlock is one 256-slot block in a thread's handle-scope block list.
// Slots are plain uintptr values (the address of the GcBox a Handle
// protects); the generic, type-safe Handle[T] wrapper lives in the root
// package, which knows how to recover a *GcBox[T] from the slot address.
type handleBlock struct {
	slots  [handleBlockSize]uintptr
	filled int // high-water mark, for marking to scan only committed slots
}

// Handle is a precise root: a pointer to a reserved slot, valid for exactly
// the lifetime of the HandleScope that created it.
type Handle struct {
	slot *uintptr
}

func (h *Handle) Get() uintptr  { return *h.slot }
func (h *Handle) Set(v uintptr) { *h.slot = v }

// HandleScope is a stack-scoped lease of handle slots. Must be created and
// closed in strict LIFO order on one TCB — exactly the contract a Go defer
// naturally enforces.
type HandleScope struct {
	tcb        *TCB
	parent     *HandleScope
	savedBlock *handleBlock
	savedIndex int
	savedBlockIdx int
	closed     bool
}

// NewHandleScope opens a scope, snapshotting the thread's current bump
// position so Close can roll back to it.
func NewHandleScope(tcb *TCB) *HandleScope {
	tcb.scopeMu.Lock()
	defer tcb.scopeMu.Unlock()
	hs := &HandleScope{
		tcb:           tcb,
		parent:        tcb.topScope,
		savedBlock:    tcb.curBlock,
		savedIndex:    tcb.curIndex,
		savedBlockIdx: len(tcb.allBlocks),
	}
	tcb.topScope = hs
	return hs
}

// CreateHandle bump-allocates a new slot within the scope and stores value
// (typically the address of a GcBox) into it.
func (hs *HandleScope) CreateHandle(value uintptr) *Handle {
	if hs.closed {
		panic("roots: CreateHandle called on a closed HandleScope")
	}
	if hs.tcb.SealedLevel.Load() > 0 {
		panic("roots: handle creation forbidden while sealed (mid-barrier)")
	}
	return hs.tcb.allocSlot(value)
}

// Close restores the thread's bump position to what it was before the
// scope opened, making every slot allocated inside the scope available for
// reuse by the next sibling scope. Idempotent.
func (hs *HandleScope) Close() {
	if hs.closed {
		return
	}
	hs.tcb.scopeMu.Lock()
	defer hs.tcb.scopeMu.Unlock()
	if hs.tcb.topScope != hs {
		panic(fmt.Sprintf("roots: HandleScope closed out of LIFO order (thread %d)", hs.tcb.ID))
	}
	hs.tcb.curBlock = hs.savedBlock
	hs.tcb.curIndex = hs.savedIndex
	hs.tcb.topScope = hs.parent
	hs.closed = true
}

// EscapeableHandleScope pre-reserves one slot in its parent scope (the
// scope active at construction time) so that exactly one handle created
// inside it may outlive its own Close.
type EscapeableHandleScope struct {
	*HandleScope
	escapeSlot *uintptr
	escaped    bool
}

func NewEscapeableHandleScope(tcb *TCB) *EscapeableHandleScope {
	// Reserve the slot against the *current* (parent) frontier first, so
	// it is part of the state the child scope's Close rolls back to.
	reserved := tcb.allocSlot(0)
	child := NewHandleScope(tcb)
	return &EscapeableHandleScope{HandleScope: child, escapeSlot: reserved.slot}
}

// Escape writes value into the pre-reserved parent slot. May be called at
// most once.
func (e *EscapeableHandleScope) Escape(value uintptr) *Handle {
	if e.escaped {
		panic("roots: Escape called twice on the same EscapeableHandleScope")
	}
	*e.escapeSlot = value
	e.escaped = true
	return &Handle{slot: e.escapeSlot}
}

// allocSlot is the raw bump allocator shared by CreateHandle and the
// escape-slot reservation.
func (t *TCB) allocSlot(value uintptr) *Handle {
	t.scopeMu.Lock()
	defer t.scopeMu.Unlock()
	if t.curBlock == nil || t.curIndex >= handleBlockSize {
		t.curBlock = &handleBlock{}
		t.allBlocks = append(t.allBlocks, t.curBlock)
		t.curIndex = 0
	}
	slot := &t.curBlock.slots[t.curIndex]
	*slot = value
	t.curIndex++
	if t.curIndex > t.curBlock.filled {
		t.curBlock.filled = t.curIndex
	}
	return &Handle{slot: slot}
}

// AllHandleSlots returns every committed handle slot value across every
// block this thread has ever allocated, for precise root marking. Slots
// belonging to already-closed sibling scopes may still appear (their block
// position was rolled back, not zeroed) — scanning them is conservative in
// the same sense root discovery accepts everywhere else: at worst it keeps
// garbage alive one extra cycle, never a UAF.
func (t *TCB) AllHandleSlots() []uintptr {
	t.scopeMu.Lock()
	defer t.scopeMu.Unlock()
	var out []uintptr
	for _, b := range t.allBlocks {
		out = append(out, b.slots[:b.filled]...)
	}
	return out
}
