package coord

// Policy holds the thresholds that decide when an allocation should trigger
// a collection. Simplified from mgc.go's feedback-controlled heap_live/
// next_gc pacer down to fixed byte-budget thresholds per generation.
type Policy struct {
	// YoungThresholdBytes: once this many bytes have been allocated into
	// the young generation since the last collection cycle of any kind, a
	// minor GC is requested.
	YoungThresholdBytes int64
	// OldThresholdBytes: once this many bytes have been promoted into the
	// old generation since the last major cycle, a major GC is requested.
	OldThresholdBytes int64
	// MinorsPerMajor requests a major cycle after this many minor cycles
	// have run, regardless of OldThresholdBytes, so old-generation garbage
	// too small to cross the byte threshold is still eventually collected.
	MinorsPerMajor int
}

// DefaultPolicy picks order-of-magnitude thresholds scaled for an
// in-process library arena rather than a whole-process runtime heap.
var DefaultPolicy = Policy{
	YoungThresholdBytes: 4 << 20,
	OldThresholdBytes:   32 << 20,
	MinorsPerMajor:      8,
}

// CollectInfo is the snapshot a CollectPredicate is evaluated against, taken
// at the moment of an allocation or a Drop.
type CollectInfo struct {
	// GcsDroppedSinceLastGC counts Gc.Drop calls since the last completed
	// cycle of any kind.
	GcsDroppedSinceLastGC int64
	// GcsExisting counts live Gc allocations: incremented by NewGc/
	// NewCyclicWeak, decremented by Drop.
	GcsExisting int64
	// HeapBytes is the young generation's running allocation total since
	// the last collection cycle of any kind.
	HeapBytes int64
}

// CollectPredicate is a user-supplied rule for when an allocation or drop
// should trigger a collection, evaluated in addition to Policy's fixed
// byte thresholds. Returning true requests a major cycle.
type CollectPredicate func(CollectInfo) bool
