package pinheap_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinheap/pinheap"
	"github.com/pinheap/pinheap/internal/config"
)

// counter is a plain fixed-size payload: safe to embed directly in a
// Gc-managed value since it holds no Go-GC-traced pointer.
type counter struct {
	n int64
}

func newTestHeap(t *testing.T, opts ...config.Option) *pinheap.Heap {
	t.Helper()
	h, err := pinheap.NewHeap(append([]config.Option{config.WithLogLevel("error")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestNewGcAllocatesAndGetReadsTheValue(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	g, err := pinheap.NewGc(m, counter{n: 7})
	require.NoError(t, err)
	require.False(t, g.IsNil())
	require.Equal(t, int64(7), g.Get().n)
	require.EqualValues(t, 1, g.StrongCount())
}

func TestCloneIncrementsStrongDropDecrements(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	g, err := pinheap.NewGc(m, counter{n: 1})
	require.NoError(t, err)

	clone := g.Clone()
	require.EqualValues(t, 2, g.StrongCount())

	clone.Drop(m)
	require.EqualValues(t, 1, g.StrongCount())

	g.Drop(m)
}

// dropNode is a leaf payload used to observe finalization: it holds a
// pointer into ordinary Go memory kept alive by the test itself, not by
// anything inside the arena, so this does not violate the no-native-Go-
// pointers-inside-T rule — the counter would be live regardless of what
// the collector does to the arena object.
type dropNode struct {
	finalized *int32
}

func (n *dropNode) Drop() {
	if n.finalized != nil {
		atomic.AddInt32(n.finalized, 1)
	}
}

func TestDropToZeroStrongReclaimsAcyclicAndRunsFinalizer(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	var finalized int32
	g, err := pinheap.NewGc(m, dropNode{finalized: &finalized})
	require.NoError(t, err)

	g.Drop(m)

	require.EqualValues(t, 1, atomic.LoadInt32(&finalized),
		"finalizer should run synchronously on the acyclic drop path")
}

func TestGetAfterDropPanics(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	g, err := pinheap.NewGc(m, counter{n: 1})
	require.NoError(t, err)
	g.Drop(m)

	require.Panics(t, func() { g.Get() })
}

func TestNilGcGetPanics(t *testing.T) {
	var g pinheap.Gc[counter]
	require.True(t, g.IsNil())
	require.Panics(t, func() { g.Get() })
}
