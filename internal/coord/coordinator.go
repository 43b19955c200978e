// Package coord implements the process-wide GC coordinator: the cooperative
// stop-the-world safepoint handshake, the queue that serializes collection
// requests, and the byte-budget policy that decides when an allocation
// should trigger one. mgc.go plays the same role for the real runtime's
// background sweeper and mark-assist machinery.
package coord

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pinheap/pinheap/internal/barrier"
	"github.com/pinheap/pinheap/internal/heap"
	"github.com/pinheap/pinheap/internal/mark"
	"github.com/pinheap/pinheap/internal/roots"
	"github.com/pinheap/pinheap/internal/sweep"
)

// Sweeper is the subset of *sweep.Sweeper the coordinator drives, named so
// tests can substitute a stub.
type Sweeper interface {
	SweepCycle(onlyYoung bool) sweep.Stats
}

// Coordinator owns exactly one collection cycle at a time: it serializes
// requests, runs the safepoint handshake, drives the marker and sweeper,
// and applies the allocation-triggered policy.
type Coordinator struct {
	Registry *roots.Registry
	Marker   *mark.Marker
	Sweeper  Sweeper
	Barrier  *barrier.Barrier
	Log      *zap.Logger

	Policy Policy

	requests chan requestKind

	youngAllocated atomic.Int64
	oldAllocated   atomic.Int64
	minorsSinceMajor atomic.Int64

	gcsDroppedSinceLastGC atomic.Int64
	gcsExisting           atomic.Int64
	predicate             atomic.Value // holds predicateBox

	cycleRunning atomic.Bool
	lastStats    atomic.Value // holds CycleReport

	wg   sync.WaitGroup
	stop chan struct{}
}

// predicateBox wraps a CollectPredicate so predicate's atomic.Value always
// holds a consistent, non-nil concrete type even before SetCollectCondition
// is ever called.
type predicateBox struct {
	fn CollectPredicate
}

// CycleReport summarizes the most recently completed collection, exposed
// for tests and diagnostics.
type CycleReport struct {
	Kind        string
	MarkStats   mark.Stats
	SweepStats  sweep.Stats
}

// New builds a Coordinator. Policy defaults to DefaultPolicy if the zero
// value is passed.
func New(registry *roots.Registry, marker *mark.Marker, sweeper Sweeper, b *barrier.Barrier, logger *zap.Logger, policy Policy) *Coordinator {
	if policy == (Policy{}) {
		policy = DefaultPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		Registry: registry,
		Marker:   marker,
		Sweeper:  sweeper,
		Barrier:  b,
		Log:      logger,
		Policy:   policy,
		requests: make(chan requestKind, requestQueueCapacity),
		stop:     make(chan struct{}),
	}
}

func (c *Coordinator) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// Start launches the background goroutine that drains the request queue
// and runs collections one at a time. Call Stop to shut it down.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLoop(ctx)
	}()
}

// Stop signals the background loop to exit and waits for it.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case kind := <-c.requests:
			// Fold every request already queued into this one cycle, keeping
			// the most inclusive kind: any full collection covers a minor.
			for more := true; more; {
				select {
				case next := <-c.requests:
					if kind == reqMinor {
						kind = next
					}
				default:
					more = false
				}
			}
			c.RunCycle(ctx, kind)
		}
	}
}

// NoteAllocation is called by mutator code after every allocation so the
// coordinator can apply its byte-budget policy. n is the number of bytes
// just allocated into the young generation (every allocation starts
// there).
func (c *Coordinator) NoteAllocation(n int64) {
	c.gcsExisting.Inc()
	total := c.youngAllocated.Add(n)
	if total >= c.Policy.YoungThresholdBytes {
		c.RequestMinor()
	}
	c.checkPredicate(total)
}

// NoteDrop is called by Gc.Drop before it touches the box's strong count, so
// the collection-condition predicate sees an accurate dropped/existing
// count regardless of whether the drop ends up reclaiming anything.
func (c *Coordinator) NoteDrop() {
	c.gcsDroppedSinceLastGC.Inc()
	c.gcsExisting.Dec()
	c.checkPredicate(c.youngAllocated.Load())
}

// SetCollectCondition installs a predicate evaluated on every allocation and
// drop, in addition to Policy's fixed byte thresholds: whenever it returns
// true a major collection is requested. Pass nil to remove it.
func (c *Coordinator) SetCollectCondition(pred CollectPredicate) {
	c.predicate.Store(predicateBox{fn: pred})
}

func (c *Coordinator) collectPredicate() CollectPredicate {
	v := c.predicate.Load()
	if v == nil {
		return nil
	}
	return v.(predicateBox).fn
}

func (c *Coordinator) checkPredicate(heapBytes int64) {
	pred := c.collectPredicate()
	if pred == nil {
		return
	}
	info := CollectInfo{
		GcsDroppedSinceLastGC: c.gcsDroppedSinceLastGC.Load(),
		GcsExisting:           c.gcsExisting.Load(),
		HeapBytes:             heapBytes,
	}
	if pred(info) {
		c.RequestMajor()
	}
}

// NotePromotion is called by the sweeper after a cycle promotes bytes into
// the old generation.
func (c *Coordinator) NotePromotion(n int64) {
	if total := c.oldAllocated.Add(n); total >= c.Policy.OldThresholdBytes {
		c.RequestMajor()
	}
}

// RunMinorSync, RunMajorSync, and RunIncrementalSync run one collection
// cycle of the named kind synchronously, bypassing the request queue, and
// return its stats. Intended for tests and for callers that want a
// deterministic, blocking collection point.
func (c *Coordinator) RunMinorSync(ctx context.Context) CycleReport {
	return c.RunCycle(ctx, reqMinor)
}

func (c *Coordinator) RunMajorSync(ctx context.Context) CycleReport {
	return c.RunCycle(ctx, reqMajor)
}

func (c *Coordinator) RunIncrementalSync(ctx context.Context) CycleReport {
	return c.RunCycle(ctx, reqIncremental)
}

// RunCycle runs one collection of the given kind synchronously, regardless
// of the request queue. The background loop and the Run*Sync wrappers above
// all drive cycles through it.
func (c *Coordinator) RunCycle(ctx context.Context, kind requestKind) CycleReport {
	c.cycleRunning.Store(true)
	defer c.cycleRunning.Store(false)

	mode := modeFor(kind)

	if err := c.stopTheWorld(ctx); err != nil {
		c.logger().Warn("gc: cycle aborted before stop-the-world completed", zap.Error(err))
		return CycleReport{Kind: kind.String()}
	}

	var report CycleReport
	report.Kind = kind.String()

	if mode == mark.Incremental {
		c.Marker.BeginCycle(mode)
		c.resumeTheWorld()
		c.Marker.DrainConcurrently(ctx)
		if err := c.stopTheWorld(ctx); err != nil {
			c.logger().Warn("gc: incremental termination stall", zap.Error(err))
		}
		report.MarkStats = c.Marker.FinishCycle(ctx)
	} else {
		c.Marker.BeginCycle(mode)
		c.Marker.DrainConcurrently(ctx)
		report.MarkStats = c.Marker.FinishCycle(ctx)
	}

	report.SweepStats = c.Sweeper.SweepCycle(mode == mark.Minor)
	c.resumeTheWorld()

	c.afterCycle(mode, report)
	c.lastStats.Store(report)
	c.logger().Info("gc cycle complete",
		zap.String("mode", kind.String()),
		zap.Int64("marked", report.MarkStats.Marked),
		zap.Int64("freed", report.SweepStats.Freed),
		zap.Int64("promoted", report.SweepStats.Promoted),
	)
	return report
}

func (c *Coordinator) afterCycle(mode mark.Mode, report CycleReport) {
	c.gcsDroppedSinceLastGC.Store(0)
	switch mode {
	case mark.Minor:
		c.youngAllocated.Store(0)
		if c.minorsSinceMajor.Inc() >= int64(c.Policy.MinorsPerMajor) {
			c.minorsSinceMajor.Store(0)
			c.RequestMajor()
		}
		if report.SweepStats.Promoted > 0 {
			// Promoted counts pages; convert to bytes for the byte threshold.
			c.NotePromotion(report.SweepStats.Promoted * heap.PageSize)
		}
	case mark.Major, mark.Incremental:
		c.youngAllocated.Store(0)
		c.oldAllocated.Store(0)
		c.minorsSinceMajor.Store(0)
	}
}

// LastCycle returns the most recently completed cycle's report, or the zero
// value if none has run yet.
func (c *Coordinator) LastCycle() (CycleReport, bool) {
	v := c.lastStats.Load()
	if v == nil {
		return CycleReport{}, false
	}
	return v.(CycleReport), true
}

func modeFor(kind requestKind) mark.Mode {
	switch kind {
	case reqMinor:
		return mark.Minor
	case reqIncremental:
		return mark.Incremental
	default:
		return mark.Major
	}
}
