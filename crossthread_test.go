package pinheap_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinheap/pinheap"
)

// TestGcMutexSharesAGcManagedValueAcrossThreads attaches two Mutators on two
// separate goroutines to the same Heap and has both mutate a GcMutex-guarded
// Gc value concurrently. GcMutex's own sync.Mutex serializes the writes, but
// the write barrier it fires on Set still has to be safe to call from
// either goroutine's TCB — the thing under test here is that sharing one
// Gc-managed object across threads this way neither races nor loses a
// write, not that goroutines can share a single Mutator (they cannot: each
// needs its own, see Mutator's doc comment).
func TestGcMutexSharesAGcManagedValueAcrossThreads(t *testing.T) {
	h := newTestHeap(t)

	root := h.Attach()
	defer root.Detach()

	first, err := pinheap.NewGc(root, counter{n: 0})
	require.NoError(t, err)

	shared := pinheap.NewGcMutex(first)

	const writersPerGoroutine = 200
	var wg sync.WaitGroup
	wg.Add(2)

	worker := func() {
		defer wg.Done()
		m := h.Attach()
		defer m.Detach()
		for i := 0; i < writersPerGoroutine; i++ {
			shared.Lock()
			cur := shared.Get()
			next, err := pinheap.NewGc(m, counter{n: cur.Get().n + 1})
			if err == nil {
				shared.Set(m, next)
			}
			shared.Unlock()
			m.Checkpoint()
		}
	}

	go worker()
	go worker()
	wg.Wait()

	shared.Lock()
	final := shared.Get().Get().n
	shared.Unlock()
	require.EqualValues(t, 2*writersPerGoroutine, final)

	// A major cycle must still find the live chain through the GcMutex even
	// though nothing holds a precise handle scope open on it — GcMutex's
	// own storage is ordinary Go memory, not a heap-resident root, so this
	// also exercises the registered-root path rather than handle scoping.
	root.RegisterRoot(*shared.Get())
	report := h.RunCycleMajorSync(context.Background())
	require.Equal(t, "major", report.Kind)
	require.NotPanics(t, func() { shared.Get().Get() })
}
