package replica

import (
	"fmt"
	"math"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the native type of a property value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindVector:
		return "vector"
	default:
		return "invalid"
	}
}

// Arithmetic kinds support delta thresholds, quantization, interpolation and
// convergence.
func (k Kind) Arithmetic() bool {
	return k == KindInt || k == KindFloat || k == KindVector
}

// Native lists the value types a property can be bound to.
type Native interface {
	bool | int64 | float64 | string | []float64
}

// Accessor reads and writes the embedder's storage for a property.
type Accessor interface {
	Get() any
	Set(v any)
}

type pointerAccessor[T Native] struct {
	ptr *T
}

func (a pointerAccessor[T]) Get() any {
	return cloneValue(any(*a.ptr))
}

func (a pointerAccessor[T]) Set(v any) {
	if typed, ok := cloneValue(v).(T); ok {
		*a.ptr = typed
	}
}

// Bind exposes *ptr as a property accessor.
func Bind[T Native](ptr *T) Accessor {
	return pointerAccessor[T]{ptr: ptr}
}

type funcAccessor struct {
	get func() any
	set func(any)
}

func (a funcAccessor) Get() any  { return a.get() }
func (a funcAccessor) Set(v any) { a.set(v) }

// Func adapts a getter and setter pair into an Accessor.
func Func(get func() any, set func(any)) Accessor {
	return funcAccessor{get: get, set: set}
}

func kindOf(v any) Kind {
	switch v.(type) {
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindString
	case []float64:
		return KindVector
	default:
		return KindInvalid
	}
}

func cloneValue(v any) any {
	if vec, ok := v.([]float64); ok {
		return slices.Clone(vec)
	}
	return v
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	av, aok := a.([]float64)
	bv, bok := b.([]float64)
	if aok || bok {
		return aok && bok && slices.Equal(av, bv)
	}
	return a == b
}

// components flattens an arithmetic value.
func components(v any) []float64 {
	switch x := v.(type) {
	case int64:
		return []float64{float64(x)}
	case float64:
		return []float64{x}
	case []float64:
		return x
	default:
		return nil
	}
}

func fromComponents(kind Kind, c []float64) any {
	switch kind {
	case KindInt:
		return int64(math.Round(c[0]))
	case KindFloat:
		return c[0]
	case KindVector:
		return slices.Clone(c)
	default:
		return nil
	}
}

// convergeComponent averages current toward target. Integers that would not
// move jump to the target instead of stalling one unit short.
func convergeComponent(kind Kind, current, target, weight float64) float64 {
	converged := current + (target-current)*weight
	if kind == KindInt {
		converged = math.Round(converged)
		if converged == current {
			return target
		}
	}
	return converged
}

func inverseLerpClamped(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return min(1, max(0, (v-lo)/(hi-lo)))
}

func encodeValue(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

func decodeValue(kind Kind, data []byte) (any, error) {
	var err error
	switch kind {
	case KindBool:
		var v bool
		err = msgpack.Unmarshal(data, &v)
		return v, err
	case KindInt:
		var v int64
		err = msgpack.Unmarshal(data, &v)
		return v, err
	case KindFloat:
		var v float64
		err = msgpack.Unmarshal(data, &v)
		return v, err
	case KindString:
		var v string
		err = msgpack.Unmarshal(data, &v)
		return v, err
	case KindVector:
		var v []float64
		err = msgpack.Unmarshal(data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("decode value: unsupported kind %s", kind)
	}
}
