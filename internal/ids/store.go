// Package ids allocates small dense integer identifiers that are recycled
// once released.
package ids

import "golang.org/x/exp/constraints"

// Store hands out identifiers in the range [1, Max]. Zero is never issued and
// is returned by AcquireID when the store is exhausted.
type Store[T constraints.Unsigned] struct {
	max      T
	next     T
	free     []T
	acquired map[T]struct{}
}

// NewStore constructs a store whose ids fit in the given number of bits.
func NewStore[T constraints.Unsigned](bits uint) *Store[T] {
	var zero T
	limit := ^zero
	if bits > 0 && bits < 64 {
		if wide := uint64(1)<<bits - 1; wide < uint64(limit) {
			limit = T(wide)
		}
	}
	return NewStoreWithMax[T](limit)
}

// NewStoreWithMax constructs a store with an explicit inclusive upper bound.
func NewStoreWithMax[T constraints.Unsigned](max T) *Store[T] {
	return &Store[T]{
		max:      max,
		next:     1,
		acquired: make(map[T]struct{}),
	}
}

// Max reports the largest id the store can issue.
func (s *Store[T]) Max() T {
	if s == nil {
		return 0
	}
	return s.max
}

// AcquireID returns an unused id, or zero when every id is held.
func (s *Store[T]) AcquireID() T {
	if s == nil {
		return 0
	}
	if len(s.free) > 0 {
		id := s.free[0]
		s.free = s.free[1:]
		s.acquired[id] = struct{}{}
		return id
	}
	if s.next == 0 || s.next > s.max {
		return 0
	}
	id := s.next
	s.next++
	s.acquired[id] = struct{}{}
	return id
}

// FreeID releases a previously acquired id. It reports false when the id was
// not held.
func (s *Store[T]) FreeID(id T) bool {
	if s == nil || id == 0 {
		return false
	}
	if _, ok := s.acquired[id]; !ok {
		return false
	}
	delete(s.acquired, id)
	s.free = append(s.free, id)
	return true
}

// IsAcquired reports whether id is currently held.
func (s *Store[T]) IsAcquired(id T) bool {
	if s == nil {
		return false
	}
	_, ok := s.acquired[id]
	return ok
}

// HasAcquiredIDs reports whether any id is currently held.
func (s *Store[T]) HasAcquiredIDs() bool {
	return s != nil && len(s.acquired) > 0
}

// Count reports the number of held ids.
func (s *Store[T]) Count() int {
	if s == nil {
		return 0
	}
	return len(s.acquired)
}

// Reset releases every id and restarts issuing from 1.
func (s *Store[T]) Reset() {
	if s == nil {
		return
	}
	s.next = 1
	s.free = s.free[:0]
	clear(s.acquired)
}
