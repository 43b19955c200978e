package pinheap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinheap/pinheap"
	"github.com/pinheap/pinheap/internal/config"
)

// cycleNode is two of these referencing each other is the classic garbage
// a pure reference-counting collector can never reclaim: each keeps the
// other's strong count above zero forever. Only a tracing collection that
// starts from roots neither node is reachable from can tell they are both
// dead.
type cycleNode struct {
	next      pinheap.Gc[cycleNode]
	finalized *int
}

func (n *cycleNode) TraceGc(visit func(pinheap.GcPointer)) {
	visit(n.next)
}

func (n *cycleNode) Drop() {
	if n.finalized != nil {
		*n.finalized++
	}
}

func TestMajorCycleCollectsUnreachableReferenceCycle(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()

	var aDropped, bDropped int
	a, err := pinheap.NewGc(m, cycleNode{finalized: &aDropped})
	require.NoError(t, err)
	b, err := pinheap.NewGc(m, cycleNode{finalized: &bDropped})
	require.NoError(t, err)

	a.Get().next = b.Clone()
	b.Get().next = a.Clone()

	// Drop both local handles. Refcounting alone cannot reclaim either —
	// each is still held by the other's next field — so if the collector
	// stopped at refcounting, nothing here would ever be freed.
	a.Drop(m)
	b.Drop(m)
	m.Detach()

	report := h.RunCycleMajorSync(context.Background())
	require.Equal(t, "major", report.Kind)
	require.EqualValues(t, 2, report.SweepStats.Freed)
	require.Equal(t, 1, aDropped)
	require.Equal(t, 1, bDropped)
}

func TestMajorCycleKeepsReachableCycleAlive(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	scope := m.NewHandleScope()
	defer scope.Close()

	var aDropped, bDropped int
	a, err := pinheap.NewGc(m, cycleNode{finalized: &aDropped})
	require.NoError(t, err)
	b, err := pinheap.NewGc(m, cycleNode{finalized: &bDropped})
	require.NoError(t, err)

	a.Get().next = b.Clone()
	b.Get().next = a.Clone()

	rootHandle := pinheap.NewHandle(scope, a)
	a.Drop(m)
	b.Drop(m)

	h.RunCycleMajorSync(context.Background())

	require.Equal(t, 0, aDropped)
	require.Equal(t, 0, bDropped)
	require.NotPanics(t, func() {
		rooted := rootHandle.Get()
		rooted.Get().next.Get()
	})
}

// holder is an "old generation" object that reaches a young object only
// through a GcCell, so the generational write barrier is what is actually
// under test: without it, a minor collection would have no way to know the
// old object points into the young generation and would reclaim the young
// object out from under it.
type holder struct {
	cell pinheap.GcCell[pinheap.Gc[cycleNode]]
}

func (h *holder) TraceGc(visit func(pinheap.GcPointer)) {
	h.cell.Get(func(v pinheap.Gc[cycleNode]) { visit(v) })
}

func TestGenerationalBarrierKeepsYoungObjectAliveAcrossMinorCycle(t *testing.T) {
	h := newTestHeap(t, config.WithPromotionThreshold(1))
	m := h.Attach()
	defer m.Detach()

	scope := m.NewHandleScope()
	defer scope.Close()

	holderGc, err := pinheap.NewGc(m, holder{})
	require.NoError(t, err)
	holderHandle := pinheap.NewHandle(scope, holderGc)

	// One survived minor cycle promotes holderGc's page to the old
	// generation (PromotionThreshold set to 1 above).
	h.RunCycleMinorSync(context.Background())

	var dropped int
	young, err := pinheap.NewGc(m, cycleNode{finalized: &dropped})
	require.NoError(t, err)
	holderHandle.Get().Get().cell.Set(m, young)

	h.RunCycleMinorSync(context.Background())

	require.NotPanics(t, func() { young.Get() })
	require.Equal(t, 0, dropped)
}

func TestCheckpointDoesNotDeadlockAStopTheWorldCycle(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				m.Checkpoint()
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		h.RunCycleMajorSync(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("major collection did not complete, safepoint handshake likely deadlocked")
	}
	close(stop)
}
