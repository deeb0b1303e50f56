package replicator

import (
	"fmt"
	"maps"
	"slices"

	"replicanet/server/internal/replica"
)

// txn collects compensating actions for a multi-step batch mutation. A
// batch either commits every step or rolls them all back in reverse order.
type txn struct {
	undo []func()
}

func (t *txn) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *txn) commit() {
	t.undo = nil
}

type replicaSet map[*replica.Replica]struct{}

// index holds the live replica set and the secondary maps keyed by context.
// A context key is present only while its set is non-empty.
type index struct {
	live     map[replica.ID]*replica.Replica
	byCreate map[replica.CreateContext]replicaSet
	byType   map[replica.ReplicaType]replicaSet
	emplaced map[replica.EmplaceContext]map[replica.EmplaceID]*replica.Replica
}

func newIndex() *index {
	return &index{
		live:     make(map[replica.ID]*replica.Replica),
		byCreate: make(map[replica.CreateContext]replicaSet),
		byType:   make(map[replica.ReplicaType]replicaSet),
		emplaced: make(map[replica.EmplaceContext]map[replica.EmplaceID]*replica.Replica),
	}
}

func (ix *index) isLive(r *replica.Replica) bool {
	return r.ID() != 0 && ix.live[r.ID()] == r
}

func (ix *index) addLive(tx *txn, r *replica.Replica) error {
	id := r.ID()
	if id == 0 {
		return fmt.Errorf("%w: replica %s has no id", ErrMalformedCommand, r.DisplayName())
	}
	if existing, ok := ix.live[id]; ok && existing != r {
		return fmt.Errorf("%w: replica id %d already live", ErrMalformedCommand, id)
	}
	ix.live[id] = r
	addToSet(ix.byCreate, r.CreateContext(), r)
	addToSet(ix.byType, r.ReplicaType(), r)
	tx.onRollback(func() { ix.removeLive(r) })
	return nil
}

func (ix *index) removeLive(r *replica.Replica) bool {
	if !ix.isLive(r) {
		return false
	}
	delete(ix.live, r.ID())
	removeFromSet(ix.byCreate, r.CreateContext(), r)
	removeFromSet(ix.byType, r.ReplicaType(), r)
	return true
}

func (ix *index) addEmplaced(tx *txn, r *replica.Replica) {
	ctx := r.EmplaceContext()
	byID, ok := ix.emplaced[ctx]
	if !ok {
		byID = make(map[replica.EmplaceID]*replica.Replica)
		ix.emplaced[ctx] = byID
	}
	byID[r.EmplaceID()] = r
	tx.onRollback(func() { ix.removeEmplaced(r) })
}

func (ix *index) removeEmplaced(r *replica.Replica) bool {
	ctx := r.EmplaceContext()
	byID, ok := ix.emplaced[ctx]
	if !ok || byID[r.EmplaceID()] != r {
		return false
	}
	delete(byID, r.EmplaceID())
	if len(byID) == 0 {
		delete(ix.emplaced, ctx)
	}
	return true
}

func (ix *index) emplacedReplica(ctx replica.EmplaceContext, id replica.EmplaceID) *replica.Replica {
	return ix.emplaced[ctx][id]
}

func (ix *index) reset() {
	clear(ix.live)
	clear(ix.byCreate)
	clear(ix.byType)
	clear(ix.emplaced)
}

func addToSet[K comparable](m map[K]replicaSet, key K, r *replica.Replica) {
	set, ok := m[key]
	if !ok {
		set = make(replicaSet)
		m[key] = set
	}
	set[r] = struct{}{}
}

func removeFromSet[K comparable](m map[K]replicaSet, key K, r *replica.Replica) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, r)
	if len(set) == 0 {
		delete(m, key)
	}
}

// sortedByID returns replicas ordered by replica id, then emplace id.
func sortedByID(set replicaSet) []*replica.Replica {
	out := slices.Collect(maps.Keys(set))
	sortReplicas(out)
	return out
}

func sortReplicas(rs []*replica.Replica) {
	slices.SortFunc(rs, func(a, b *replica.Replica) int {
		if a.ID() != b.ID() {
			return int(a.ID()) - int(b.ID())
		}
		return int(a.EmplaceID()) - int(b.EmplaceID())
	})
}
