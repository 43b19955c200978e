package pinheap

// Tracer is implemented by payload types that hold outgoing Gc references
// the collector must be able to discover. A type that never stores a Gc or
// Weak field needs no Tracer implementation: the marker simply has nothing
// to walk for it, the same as a leaf node in any tracing collector.
//
// Implementations must report every Gc field, including ones nested inside
// slices, maps, or other structs — visit once per reference, nil references
// may be skipped or passed through (GcPointer.addr returns 0 for those and
// the marker ignores zero addresses either way).
type Tracer interface {
	TraceGc(visit func(GcPointer))
}

// GcPointer is the sealed interface Gc[T] implements so Tracer
// implementations can report a reference without the tracer package (or
// this one) needing to be generic over every possible T a graph might mix
// together. The unexported method keeps it sealed to this package's own
// handle types.
type GcPointer interface {
	addr() uintptr
}

// Dropper is implemented by payload types with cleanup to run exactly once,
// when the collector determines the object is unreachable — either
// immediately, when Gc.Drop takes the strong count to zero, or later,
// during a sweep, for an object that was only kept "alive" by a reference
// cycle. Mirrors Rust's Drop trait.
type Dropper interface {
	Drop()
}
