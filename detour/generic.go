package detour

import (
	"reflect"
	"unsafe"
)

// Typed is a compile-time-checked projection over a Detour for a specific
// function signature T. The core never inspects argument layout — the
// handle API is calling-convention-agnostic — so Typed is a thin wrapper
// that reinterprets TrampolineAddress() as T and nothing more; all state
// lives in the embedded *Detour.
type Typed[T any] struct {
	*Detour
}

// Hook constructs a Detour from fn to replacement, both ordinary Go
// function values of the same signature, and returns a Typed wrapper
// whose Trampoline() already has fn's call signature — the caller never
// touches a raw address. T appearing as the constraint on both arguments
// is what makes a signature mismatch a compile error instead of a
// runtime one; this function never inspects fn's calling convention.
func Hook[T any](fn T, replacement T, opts Options) (*Typed[T], error) {
	targetAddr := reflect.ValueOf(fn).Pointer()
	replacementAddr := reflect.ValueOf(replacement).Pointer()

	d, err := NewWithOptions(targetAddr, replacementAddr, opts)
	if err != nil {
		return nil, err
	}
	return &Typed[T]{Detour: d}, nil
}

// Trampoline reinterprets the underlying trampoline's raw address as a
// callable value of type T.
//
// A Go func value is, at the representation level, a pointer to a
// funcval struct whose first word is the code's entry PC; makeFuncValue
// below builds exactly that shape around a bare address so the result
// can be called with ordinary Go syntax.
func (t *Typed[T]) Trampoline() T {
	addr := t.Detour.TrampolineAddress()
	var zero T
	return makeFuncValue(addr, reflect.TypeOf(zero)).Interface().(T)
}

func makeFuncValue(addr uintptr, t reflect.Type) reflect.Value {
	code := addr
	funcval := &code
	return reflect.NewAt(t, unsafe.Pointer(&funcval)).Elem()
}
