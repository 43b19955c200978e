package coord

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pinheap/pinheap/internal/roots"
)

// safepointPollInterval is how often stopTheWorld re-checks whether every
// thread has parked.
const safepointPollInterval = 200 * time.Microsecond

// stallWarnAfter is how long a thread may sit un-parked before the
// coordinator logs a warning and keeps waiting rather than giving up, since
// proceeding without every root visible would be unsound.
const stallWarnAfter = 500 * time.Millisecond

// stopTheWorld raises GCRequested on every registered thread and blocks
// until each either parks or unregisters. Cooperative: a thread only
// actually stops once it calls Checkpoint at a safepoint of its own
// choosing, so this can take arbitrarily long if a thread is off doing
// something else — hence the periodic warning rather than a hard
// timeout/error.
func (c *Coordinator) stopTheWorld(ctx context.Context) error {
	threads := c.Registry.Snapshot()
	for _, t := range threads {
		t.GCRequested.Store(true)
	}

	start := time.Now()
	warned := false
	ticker := time.NewTicker(safepointPollInterval)
	defer ticker.Stop()

	for {
		if allParked(threads) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !warned && time.Since(start) > stallWarnAfter {
				warned = true
				c.logger().Warn("gc: waiting on thread(s) that have not reached a safepoint",
					zap.Duration("elapsed", time.Since(start)))
			}
		}
	}
}

func allParked(threads []*roots.TCB) bool {
	for _, t := range threads {
		if t.GetState() != roots.Parked {
			return false
		}
	}
	return true
}

// resumeTheWorld clears GCRequested and wakes every parked thread.
func (c *Coordinator) resumeTheWorld() {
	for _, t := range c.Registry.Snapshot() {
		t.GCRequested.Store(false)
		t.Release()
	}
}

// Checkpoint is the cooperative safepoint every mutator thread must call
// periodically (allocation boundaries and loop back edges are the usual
// call sites). If a collection has been requested, the calling thread
// parks until the coordinator resumes it.
func (c *Coordinator) Checkpoint(tcb *roots.TCB) {
	if tcb.GCRequested.Load() {
		c.Barrier.FlushThread(tcb)
		tcb.Park()
	}
}
