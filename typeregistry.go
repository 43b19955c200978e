package pinheap

import (
	"reflect"
	"sync"
	"unsafe"
)

// typeEntry holds the type-erased operations the marker and sweeper need
// for one concrete instantiation of gcBox[T], recovered from a TypeTag
// without either of those packages ever importing this one (avoiding the
// import cycle a generic trace dispatch would otherwise require).
type typeEntry struct {
	trace    func(objAddr uintptr, visit func(uintptr))
	finalize func(objAddr uintptr)
}

var (
	typeRegistryMu sync.Mutex
	typeTags       = map[reflect.Type]uint64{}
	typeEntries    = map[uint64]typeEntry{}
	nextTypeTag    uint64 = 1
)

// typeTagFor returns the stable TypeTag for T, registering its trace and
// finalize closures the first time T is seen. Safe to call concurrently and
// from any number of distinct T instantiations: reflect.TypeOf is used only
// to key a cache, never on the hot tracing path, matching the pattern
// sync.OnceValue popularized for generic per-type singletons.
func typeTagFor[T any]() uint64 {
	rt := reflect.TypeOf((*T)(nil)).Elem()

	typeRegistryMu.Lock()
	defer typeRegistryMu.Unlock()

	if tag, ok := typeTags[rt]; ok {
		return tag
	}

	tag := nextTypeTag
	nextTypeTag++
	typeTags[rt] = tag
	typeEntries[tag] = typeEntry{
		trace:    traceClosureFor[T](),
		finalize: finalizeClosureFor[T](),
	}
	return tag
}

func traceClosureFor[T any]() func(uintptr, func(uintptr)) {
	return func(objAddr uintptr, visit func(uintptr)) {
		box := (*gcBox[T])(unsafe.Pointer(objAddr))
		tracer, ok := any(&box.Value).(Tracer)
		if !ok {
			return
		}
		tracer.TraceGc(func(p GcPointer) {
			if p == nil {
				return
			}
			if a := p.addr(); a != 0 {
				visit(a)
			}
		})
	}
}

func finalizeClosureFor[T any]() func(uintptr) {
	return func(objAddr uintptr) {
		box := (*gcBox[T])(unsafe.Pointer(objAddr))
		if d, ok := any(&box.Value).(Dropper); ok {
			d.Drop()
		}
	}
}

// dispatcher implements mark.Dispatcher by looking up the registered
// typeEntry for a TypeTag.
type dispatcher struct{}

func (dispatcher) Trace(typeTag uint64, objAddr uintptr, visit func(uintptr)) {
	typeRegistryMu.Lock()
	e, ok := typeEntries[typeTag]
	typeRegistryMu.Unlock()
	if !ok {
		return
	}
	e.trace(objAddr, visit)
}

// finalizer implements sweep.Finalizer the same way.
type finalizer struct{}

func (finalizer) Finalize(typeTag uint64, objAddr uintptr) {
	typeRegistryMu.Lock()
	e, ok := typeEntries[typeTag]
	typeRegistryMu.Unlock()
	if !ok || e.finalize == nil {
		return
	}
	e.finalize(objAddr)
}
