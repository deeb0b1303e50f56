package replica

import "slices"

type slot[T any] struct {
	bucket *bucket[T]
	pos    int
}

type bucket[T any] struct {
	items []T
}

type schedulable[T any] interface {
	comparable
	scheduleSlot() *slot[T]
}

// schedule spreads items over a fixed number of buckets. Only one bucket is
// observed per frame, so an item is visited every len(buckets) frames.
type schedule[T schedulable[T]] struct {
	buckets []*bucket[T]
	count   int
}

func newSchedule[T schedulable[T]](buckets int) schedule[T] {
	s := schedule[T]{buckets: make([]*bucket[T], max(1, buckets))}
	for i := range s.buckets {
		s.buckets[i] = &bucket[T]{}
	}
	return s
}

func (s *schedule[T]) len() int {
	return s.count
}

// insert places item into the smallest bucket.
func (s *schedule[T]) insert(item T) bool {
	sl := item.scheduleSlot()
	if sl.bucket != nil || len(s.buckets) == 0 {
		return false
	}
	smallest := s.buckets[0]
	for _, b := range s.buckets[1:] {
		if len(b.items) < len(smallest.items) {
			smallest = b
		}
	}
	smallest.items = append(smallest.items, item)
	sl.bucket = smallest
	sl.pos = len(smallest.items) - 1
	s.count++
	return true
}

func (s *schedule[T]) remove(item T) bool {
	sl := item.scheduleSlot()
	b := sl.bucket
	if b == nil {
		return false
	}
	last := len(b.items) - 1
	moved := b.items[last]
	b.items[sl.pos] = moved
	moved.scheduleSlot().pos = sl.pos
	var zero T
	b.items[last] = zero
	b.items = b.items[:last]
	sl.bucket = nil
	sl.pos = 0
	s.count--
	return true
}

// due returns a copy of the bucket observed on frame.
func (s *schedule[T]) due(frame uint64) []T {
	if len(s.buckets) == 0 {
		return nil
	}
	return slices.Clone(s.buckets[frame%uint64(len(s.buckets))].items)
}
