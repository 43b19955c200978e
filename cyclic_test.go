package pinheap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinheap/pinheap"
)

// selfRef stores a Weak handle back to its own Gc box, the textbook use
// case new_cyclic_weak exists for: a node that needs to hand its own
// address to something it constructs as part of itself.
type selfRef struct {
	self pinheap.Weak[selfRef]
	n    int64
}

func TestNewCyclicWeakUpgradeFailsDuringBuilderSucceedsAfter(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	var upgradedDuringBuild bool

	g, err := pinheap.NewCyclicWeak(m, func(w pinheap.Weak[selfRef]) selfRef {
		_, ok := w.Upgrade()
		upgradedDuringBuild = ok
		require.False(t, w.IsAlive())
		return selfRef{self: w, n: 9}
	})
	require.NoError(t, err)
	require.False(t, upgradedDuringBuild,
		"upgrading the builder's Weak before construction finishes must fail")

	require.Equal(t, int64(9), g.Get().n)
	require.EqualValues(t, 1, g.StrongCount())

	self, ok := g.Get().self.Upgrade()
	require.True(t, ok, "upgrade must succeed once new_cyclic_weak has returned")
	require.True(t, g.PtrEq(self))
	require.EqualValues(t, 2, g.StrongCount())

	self.Drop(m)
	g.Get().self.Drop()
	g.Drop(m)
}

func TestGcPtrEqAsPtrAndIsDead(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	g, err := pinheap.NewGc(m, counter{n: 1})
	require.NoError(t, err)
	other, err := pinheap.NewGc(m, counter{n: 1})
	require.NoError(t, err)

	require.True(t, g.PtrEq(g.Clone()))
	require.False(t, g.PtrEq(other))
	require.NotZero(t, g.AsPtr())
	require.False(t, g.IsDead())

	g.Drop(m)
	g.Drop(m) // undo the Clone above
	require.True(t, g.IsDead())

	other.Drop(m)

	var nilGc pinheap.Gc[counter]
	require.True(t, nilGc.IsDead())
}

func TestWeakIsAliveTracksStrongOwnership(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	g, err := pinheap.NewGc(m, counter{n: 1})
	require.NoError(t, err)

	w := g.Downgrade()
	require.True(t, w.IsAlive())

	g.Drop(m)
	require.False(t, w.IsAlive())
	w.Drop()

	var nilWeak pinheap.Weak[counter]
	require.False(t, nilWeak.IsAlive())
}
