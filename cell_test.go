package pinheap_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinheap/pinheap"
)

func TestGcCellGetAndSet(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	cell := pinheap.NewGcCell(counter{n: 1})

	var got counter
	cell.Get(func(v counter) { got = v })
	require.Equal(t, int64(1), got.n)

	cell.Set(m, counter{n: 2})
	cell.Get(func(v counter) { got = v })
	require.Equal(t, int64(2), got.n)
}

func TestGcCellMutate(t *testing.T) {
	cell := pinheap.NewGcCell(counter{n: 10})
	cell.Mutate(func(v *counter) { v.n += 5 })

	var got counter
	cell.Get(func(v counter) { got = v })
	require.Equal(t, int64(15), got.n)
}

func TestGcCellExclusiveBorrowConflictPanics(t *testing.T) {
	h := newTestHeap(t)
	m := h.Attach()
	defer m.Detach()

	cell := pinheap.NewGcCell(counter{})

	require.Panics(t, func() {
		cell.Mutate(func(*counter) {
			cell.Set(m, counter{n: 99})
		})
	})
}

func TestGcCellConcurrentSharedBorrowsDoNotPanic(t *testing.T) {
	cell := pinheap.NewGcCell(counter{n: 3})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cell.Get(func(counter) {})
		}()
	}
	wg.Wait()
}
