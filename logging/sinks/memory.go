package sinks

import (
	"context"
	"sync"

	"replicanet/server/logging"
)

// DefaultMemoryCapacity bounds the memory sink built from configuration.
const DefaultMemoryCapacity = 4096

// MemorySink retains the most recent events for tests and diagnostics. Once
// full it overwrites the oldest event. A capacity of zero keeps everything.
type MemorySink struct {
	mu       sync.RWMutex
	capacity int
	events   []logging.Event
	next     int
	dropped  uint64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func NewBoundedMemorySink(capacity int) *MemorySink {
	if capacity < 0 {
		capacity = 0
	}
	return &MemorySink{capacity: capacity}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity == 0 || len(s.events) < s.capacity {
		s.events = append(s.events, event)
		return nil
	}
	s.events[s.next] = event
	s.next = (s.next + 1) % s.capacity
	s.dropped++
	return nil
}

// Events returns the retained events, oldest first.
func (s *MemorySink) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logging.Event, 0, len(s.events))
	out = append(out, s.events[s.next:]...)
	return append(out, s.events[:s.next]...)
}

// EventsOfType filters retained events by type.
func (s *MemorySink) EventsOfType(eventType logging.EventType) []logging.Event {
	var out []logging.Event
	for _, event := range s.Events() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// Overwritten reports how many events were evicted to make room.
func (s *MemorySink) Overwritten() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
	s.next = 0
	s.dropped = 0
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}
