// Package cache maps out-of-band context values to compact numeric keys that
// are defined once per connection and referenced by later commands.
package cache

import (
	"sort"

	"replicanet/server/internal/ids"
)

// Item pairs a mapped value with its key.
type Item[T ~string] struct {
	ID    uint16 `msgpack:"i"`
	Value T      `msgpack:"v"`
}

// Cacher assigns keys on the server and resolves them on the client. A
// single instance is used by one side only, but both halves are kept so a
// session can switch roles after a reset.
type Cacher[T ~string] struct {
	bits    uint
	store   *ids.Store[uint16]
	byValue map[T]uint16
	byID    map[uint16]T
}

// New constructs a cacher whose keys fit in bits.
func New[T ~string](bits uint) *Cacher[T] {
	return &Cacher[T]{
		bits:    bits,
		store:   ids.NewStore[uint16](bits),
		byValue: make(map[T]uint16),
		byID:    make(map[uint16]T),
	}
}

// Bits reports the key width.
func (c *Cacher[T]) Bits() uint {
	return c.bits
}

// IsItemMapped reports whether value already has a key.
func (c *Cacher[T]) IsItemMapped(value T) bool {
	_, ok := c.byValue[value]
	return ok
}

// MapItem assigns a key to value. isNew is true when the key was created by
// this call, in which case the definition has to reach peers before any
// command references it. ok is false when the key space is exhausted or the
// value is empty.
func (c *Cacher[T]) MapItem(value T) (id uint16, isNew bool, ok bool) {
	if value == "" {
		return 0, false, false
	}
	if existing, found := c.byValue[value]; found {
		return existing, false, true
	}
	id = c.store.AcquireID()
	if id == 0 {
		return 0, false, false
	}
	c.byValue[value] = id
	c.byID[id] = value
	return id, true, true
}

// UnmapItem removes a mapping created by MapItem. It is used to roll back a
// mapping whose definition was never sent.
func (c *Cacher[T]) UnmapItem(value T) bool {
	id, ok := c.byValue[value]
	if !ok {
		return false
	}
	delete(c.byValue, value)
	delete(c.byID, id)
	c.store.FreeID(id)
	return true
}

// MappedItemID returns the key previously assigned to value.
func (c *Cacher[T]) MappedItemID(value T) (uint16, bool) {
	id, ok := c.byValue[value]
	return id, ok
}

// MapID records a key definition received from the server.
func (c *Cacher[T]) MapID(id uint16, value T) bool {
	if id == 0 || value == "" {
		return false
	}
	if previous, ok := c.byID[id]; ok {
		delete(c.byValue, previous)
	}
	c.byID[id] = value
	c.byValue[value] = id
	return true
}

// IsIDMapped reports whether a key definition has been received.
func (c *Cacher[T]) IsIDMapped(id uint16) bool {
	_, ok := c.byID[id]
	return ok
}

// MappedIDItem resolves a received key.
func (c *Cacher[T]) MappedIDItem(id uint16) (T, bool) {
	value, ok := c.byID[id]
	return value, ok
}

// Items returns every mapping ordered by key.
func (c *Cacher[T]) Items() []Item[T] {
	items := make([]Item[T], 0, len(c.byID))
	for id, value := range c.byID {
		items = append(items, Item[T]{ID: id, Value: value})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// Len reports the number of mappings.
func (c *Cacher[T]) Len() int {
	return len(c.byID)
}

// Reset clears every mapping.
func (c *Cacher[T]) Reset() {
	c.store.Reset()
	clear(c.byValue)
	clear(c.byID)
}
