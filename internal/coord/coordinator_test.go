package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinheap/pinheap/internal/barrier"
	"github.com/pinheap/pinheap/internal/heap"
	"github.com/pinheap/pinheap/internal/mark"
	"github.com/pinheap/pinheap/internal/roots"
	"github.com/pinheap/pinheap/internal/sweep"
)

type nopDispatcher struct{}

func (nopDispatcher) Trace(uint64, uintptr, func(uintptr)) {}

type nopSweeper struct{ calls int }

func (s *nopSweeper) SweepCycle(onlyYoung bool) sweep.Stats {
	s.calls++
	return sweep.Stats{}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *roots.Registry) {
	t.Helper()
	table := heap.NewPageTable()
	los := heap.NewLargeObjectMap()
	registry := roots.NewRegistry()
	b := barrier.New(table, los, 0, 0, nil)
	m := mark.New(table, los, b, registry, nopDispatcher{}, 2)
	c := New(registry, m, &nopSweeper{}, b, nil, DefaultPolicy)
	return c, registry
}

func TestRunCycleWithNoThreadsCompletesImmediately(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	report := c.RunCycle(ctx, reqMajor)
	require.Equal(t, "major", report.Kind)
}

func TestCheckpointParksAndResumesAroundACycle(t *testing.T) {
	c, registry := newTestCoordinator(t)
	alloc := heap.NewAllocator(heap.NewPageTable(), heap.NewLargeObjectMap(), 7)
	tcb := registry.Register(alloc)

	mutatorDone := make(chan struct{})
	stopMutator := make(chan struct{})
	go func() {
		defer close(mutatorDone)
		for {
			select {
			case <-stopMutator:
				return
			default:
				c.Checkpoint(tcb)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := c.RunCycle(ctx, reqMinor)
	require.Equal(t, "minor", report.Kind)
	require.Equal(t, roots.Running, tcb.GetState())

	close(stopMutator)
	<-mutatorDone
}

func TestRequestQueueDropsWhenSaturated(t *testing.T) {
	c, _ := newTestCoordinator(t)
	for i := 0; i < requestQueueCapacity; i++ {
		c.RequestMinor()
	}
	// One more over capacity must not block.
	done := make(chan struct{})
	go func() {
		c.RequestMinor()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestMinor blocked instead of dropping")
	}
}
