package peer

// Key names a typed extension slot. Keys compare by identity, so two keys
// created with the same name are still distinct.
type Key[T any] struct {
	tag *keyTag
}

type keyTag struct {
	name string
}

// NewKey creates an extension key. Keys are normally package-level vars.
func NewKey[T any](name string) Key[T] {
	return Key[T]{tag: &keyTag{name: name}}
}

func (k Key[T]) String() string {
	if k.tag == nil {
		return "<nil key>"
	}
	return k.tag.name
}

// Registry stores one value per key.
type Registry struct {
	values map[*keyTag]any
}

// Attach stores value under key. It reports false when the slot is taken.
func Attach[T any](r *Registry, key Key[T], value T) bool {
	if r == nil || key.tag == nil {
		return false
	}
	if r.values == nil {
		r.values = make(map[*keyTag]any)
	}
	if _, exists := r.values[key.tag]; exists {
		return false
	}
	r.values[key.tag] = value
	return true
}

// Lookup returns the value stored under key.
func Lookup[T any](r *Registry, key Key[T]) (T, bool) {
	var zero T
	if r == nil || key.tag == nil {
		return zero, false
	}
	value, ok := r.values[key.tag]
	if !ok {
		return zero, false
	}
	return value.(T), true
}

// Detach removes and returns the value stored under key.
func Detach[T any](r *Registry, key Key[T]) (T, bool) {
	value, ok := Lookup(r, key)
	if ok {
		delete(r.values, key.tag)
	}
	return value, ok
}

// Len reports the number of occupied slots.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.values)
}
