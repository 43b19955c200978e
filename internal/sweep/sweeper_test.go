package sweep

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinheap/pinheap/internal/heap"
	"github.com/pinheap/pinheap/internal/roots"
)

type recordingFinalizer struct {
	calls []uint64
}

func (f *recordingFinalizer) Finalize(typeTag uint64, objAddr uintptr) {
	f.calls = append(f.calls, typeTag)
}

func newHarness(t *testing.T, finalizer Finalizer) (*heap.PageTable, *heap.LargeObjectMap, *roots.Registry, *heap.Allocator, *roots.TCB, *Sweeper) {
	t.Helper()
	table := heap.NewPageTable()
	los := heap.NewLargeObjectMap()
	registry := roots.NewRegistry()
	alloc := heap.NewAllocator(table, los, 1)
	tcb := registry.Register(alloc)

	var fq *FinalizerQueue
	if finalizer != nil {
		fq = NewFinalizerQueue(finalizer, 0)
		t.Cleanup(fq.Close)
	}
	s := New(table, los, registry, fq)
	alloc.SetLazySweeper(s)
	return table, los, registry, alloc, tcb, s
}

func TestSweepCycleReclaimsUnmarkedAndKeepsMarked(t *testing.T) {
	table, los, _, alloc, _, s := newHarness(t, nil)

	live, page, idx, err := alloc.Alloc(32)
	require.NoError(t, err)
	heap.HeaderAt(live).Init()
	page.Mark(idx)

	dead, page2, idx2, err := alloc.Alloc(32)
	require.NoError(t, err)
	heap.HeaderAt(dead).Init()
	require.Equal(t, page, page2)

	stats := s.SweepCycle(false)
	require.Equal(t, int64(1), stats.Freed)
	require.Equal(t, int64(1), stats.Survived)

	require.True(t, page.IsAllocated(idx))
	require.False(t, page2.IsAllocated(idx2))
	require.Equal(t, heap.StatusDead, heap.HeaderAt(dead).GetStatus())

	_ = table
	_ = los
}

func TestSweepCycleRunsFinalizerOnReclaim(t *testing.T) {
	fin := &recordingFinalizer{}
	_, _, _, alloc, _, s := newHarness(t, fin)

	addr, _, _, err := alloc.Alloc(32)
	require.NoError(t, err)
	hdr := heap.HeaderAt(addr)
	hdr.Init()
	hdr.TypeTag = 42

	s.SweepCycle(false)
	s.Finalizers.Close()

	require.Equal(t, []uint64{42}, fin.calls)
}

func TestPromotionAfterThresholdSurvivedCycles(t *testing.T) {
	_, _, _, alloc, _, s := newHarness(t, nil)
	s.PromotionThreshold = 2

	addr, page, idx, err := alloc.Alloc(32)
	require.NoError(t, err)
	heap.HeaderAt(addr).Init()

	page.Mark(idx)
	s.SweepCycle(true)
	require.Equal(t, heap.Young, page.GenerationTag())

	page.Mark(idx)
	s.SweepCycle(true)
	require.Equal(t, heap.Old, page.GenerationTag())
}

func TestLazySweepReclaimsWithoutResettingFreeList(t *testing.T) {
	_, _, _, alloc, _, s := newHarness(t, nil)

	a, page, idxA, err := alloc.Alloc(32)
	require.NoError(t, err)
	heap.HeaderAt(a).Init()

	b, _, idxB, err := alloc.Alloc(32)
	require.NoError(t, err)
	heap.HeaderAt(b).Init()
	_ = idxB

	page.SetFlag(heap.FlagNeedsSweep)
	freed := s.SweepPage(page, 64)
	require.Equal(t, 2, freed)
	require.False(t, page.IsAllocated(idxA))
	require.False(t, page.HasFlag(heap.FlagNeedsSweep))
}
