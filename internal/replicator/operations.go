package replicator

import (
	"context"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
	"replicanet/server/logging"
	"replicanet/server/logging/replication"
)

// present filters the absent entries out of a borrowed batch.
func present(rs []*replica.Replica) []*replica.Replica {
	out := make([]*replica.Replica, 0, len(rs))
	for _, rep := range rs {
		if rep != nil {
			out = append(out, rep)
		}
	}
	return out
}

func (r *Replicator) validateBatch(op string, rs []*replica.Replica, check func(*replica.Replica) string) []*replica.Replica {
	if r.role == replica.RoleUnspecified {
		precondition(op, "replicator has no role")
	}
	batch := present(rs)
	seen := make(map[*replica.Replica]struct{}, len(batch))
	for _, rep := range batch {
		if _, dup := seen[rep]; dup {
			precondition(op, "%s appears twice in the batch", rep.DisplayName())
		}
		seen[rep] = struct{}{}
		if reason := check(rep); reason != "" {
			precondition(op, "%s %s", rep.DisplayName(), reason)
		}
	}
	return batch
}

func (r *Replicator) requireServer(op string) {
	if r.role != replica.RoleServer {
		precondition(op, "only a server may %s", op)
	}
}

func (r *Replicator) mustBeInvalid(op string) func(*replica.Replica) string {
	return func(rep *replica.Replica) string {
		if !rep.IsInvalid() {
			return "is " + rep.State().String()
		}
		r.checkAttached(op, rep)
		return ""
	}
}

func mustBeLive(rep *replica.Replica) string {
	if !rep.IsLive() {
		return "is " + rep.State().String()
	}
	return ""
}

func mustBeValid(rep *replica.Replica) string {
	if rep.IsInvalid() {
		return "is invalid"
	}
	return ""
}

// EmplaceReplicas binds replicas that both sides construct on their own to
// an emplace context. The server makes them live immediately; a client
// keeps them valid until the server's clone arrives.
func (r *Replicator) EmplaceReplicas(rs []*replica.Replica, ctx replica.EmplaceContext) bool {
	if ctx == "" {
		precondition("emplace", "emplace context is empty")
	}
	batch := r.validateBatch("emplace", rs, r.mustBeInvalid("emplace"))
	if len(batch) == 0 {
		return true
	}
	if err := r.handleEmplace(batch, ctx); err != nil {
		r.logger.Printf("replicator: emplace %d replicas in %q: %v", len(batch), ctx, err)
		return false
	}
	replication.ReplicasEmplaced(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), replication.BatchPayload{Count: len(batch), Direction: replica.Outgoing.String(), Context: string(ctx)}, nil)
	return true
}

func (r *Replicator) EmplaceReplica(rep *replica.Replica, ctx replica.EmplaceContext) bool {
	return r.EmplaceReplicas([]*replica.Replica{rep}, ctx)
}

// SpawnReplicas makes server-created replicas live and sends them along
// route.
func (r *Replicator) SpawnReplicas(rs []*replica.Replica, route Route) bool {
	r.requireServer("spawn")
	batch := r.validateBatch("spawn", rs, r.mustBeInvalid("spawn"))
	if len(batch) == 0 {
		return true
	}
	now := r.LocalTime()
	if err := r.handleSpawn(batch, replica.Outgoing, now); err != nil {
		r.logger.Printf("replicator: spawn %d replicas: %v", len(batch), err)
		return false
	}
	replication.ReplicasSpawned(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), replication.BatchPayload{Count: len(batch), Direction: replica.Outgoing.String()}, nil)
	return r.routeSpawn(batch, route, now).Succeeded()
}

func (r *Replicator) SpawnReplica(rep *replica.Replica, route Route) bool {
	return r.SpawnReplicas([]*replica.Replica{rep}, route)
}

// CloneReplicas sends live replicas to links that do not know them yet,
// typically a client that connected after the spawn.
func (r *Replicator) CloneReplicas(rs []*replica.Replica, route Route) bool {
	r.requireServer("clone")
	batch := r.validateBatch("clone", rs, mustBeLive)
	if len(batch) == 0 {
		return true
	}
	replication.ReplicasCloned(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), replication.BatchPayload{Count: len(batch), Direction: replica.Outgoing.String()}, nil)
	return r.routeClone(batch, route).Succeeded()
}

func (r *Replicator) CloneReplica(rep *replica.Replica, route Route) bool {
	return r.CloneReplicas([]*replica.Replica{rep}, route)
}

func (r *Replicator) CloneAllReplicas(route Route) bool {
	return r.CloneReplicas(r.Replicas(), route)
}

// ForgetReplicas drops replicas from this replicator without destroying
// them. A server tells the links on route to forget them too.
func (r *Replicator) ForgetReplicas(rs []*replica.Replica, route Route) bool {
	batch := r.validateBatch("forget", rs, mustBeValid)
	if len(batch) == 0 {
		return true
	}
	ok := true
	now := r.LocalTime()
	if r.IsServer() {
		ok = r.routeForget(liveOnly(batch), route, now).Succeeded()
	}
	r.handleForget(batch, replica.Outgoing, now, true)
	replication.ReplicasForgotten(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), replication.BatchPayload{Count: len(batch), Direction: replica.Outgoing.String()}, nil)
	return ok
}

func (r *Replicator) ForgetReplica(rep *replica.Replica, route Route) bool {
	return r.ForgetReplicas([]*replica.Replica{rep}, route)
}

// ForgetAllReplicas forgets every live and emplaced replica.
func (r *Replicator) ForgetAllReplicas(route Route) bool {
	return r.ForgetReplicas(r.knownReplicas(), route)
}

// DestroyReplicas ends live replicas on the server and on the links on
// route.
func (r *Replicator) DestroyReplicas(rs []*replica.Replica, route Route) bool {
	r.requireServer("destroy")
	batch := r.validateBatch("destroy", rs, mustBeLive)
	if len(batch) == 0 {
		return true
	}
	now := r.LocalTime()
	ok := r.routeDestroy(batch, route, now).Succeeded()
	r.handleForget(batch, replica.Outgoing, now, false)
	replication.ReplicasDestroyed(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), replication.BatchPayload{Count: len(batch), Direction: replica.Outgoing.String()}, nil)
	return ok
}

func (r *Replicator) DestroyReplica(rep *replica.Replica, route Route) bool {
	return r.DestroyReplicas([]*replica.Replica{rep}, route)
}

func (r *Replicator) DestroyAllReplicas(route Route) bool {
	return r.DestroyReplicas(r.Replicas(), route)
}

// InterruptReplicas tells the links on route to forget every replica they
// hold.
func (r *Replicator) InterruptReplicas(route Route) bool {
	r.requireServer("interrupt")
	st := r.routeInterrupt(route)
	replication.Interrupted(context.Background(), r.publisher, r.FrameID(), replication.RoutePayload{Command: commandName(msgInterrupt), Targeted: st.Targeted(), Succeeded: st.Delivered()}, nil)
	return st.Succeeded()
}

func (r *Replicator) knownReplicas() []*replica.Replica {
	seen := make(replicaSet, len(r.index.live))
	for _, rep := range r.index.live {
		seen[rep] = struct{}{}
	}
	for _, byID := range r.index.emplaced {
		for _, rep := range byID {
			seen[rep] = struct{}{}
		}
	}
	return sortedByID(seen)
}

func liveOnly(rs []*replica.Replica) []*replica.Replica {
	out := make([]*replica.Replica, 0, len(rs))
	for _, rep := range rs {
		if rep.IsLive() {
			out = append(out, rep)
		}
	}
	return out
}

func replicaRefs(rs []*replica.Replica) []logging.EntityRef {
	refs := make([]logging.EntityRef, 0, len(rs))
	for _, rep := range rs {
		refs = append(refs, logging.ReplicaRef(uint16(rep.ID()), rep.DisplayName()))
	}
	return refs
}

// handleEmplace assigns emplace identities and, on the server, replica ids.
// Every identifier is acquired before any callback fires so that exhaustion
// leaves nothing behind.
func (r *Replicator) handleEmplace(batch []*replica.Replica, ctx replica.EmplaceContext) error {
	server := r.IsServer()
	tx := &txn{}
	var pending pendingItems
	for _, rep := range batch {
		if err := r.acquireEmplaceID(tx, rep, ctx); err != nil {
			tx.rollback()
			return err
		}
		if server {
			if err := r.mapCaches(tx, rep, &pending); err != nil {
				tx.rollback()
				return err
			}
			if err := r.acquireReplicaID(tx, rep); err != nil {
				tx.rollback()
				return err
			}
			if err := r.index.addLive(tx, rep); err != nil {
				tx.rollback()
				return err
			}
		}
		r.index.addEmplaced(tx, rep)
	}
	tx.commit()
	r.routeItems(pending)

	now := r.LocalTime()
	for _, rep := range batch {
		rep.Attach(r)
		r.validReplica(rep)
		if server {
			rep.SetInitializationTime(now)
		}
		rep.ReactToChannelPropertyChanges(now, replica.PhaseInitialization, replica.Outgoing, server)
	}
	if server {
		for _, rep := range batch {
			r.liveReplica(rep)
		}
	}
	r.storeLiveCount()
	return nil
}

// handleSpawn makes spawned replicas live. Outgoing replicas receive ids
// here; incoming ones carry the ids the server assigned.
func (r *Replicator) handleSpawn(batch []*replica.Replica, direction replica.Direction, ts peer.Timestamp) error {
	tx := &txn{}
	var pending pendingItems
	for _, rep := range batch {
		if direction == replica.Outgoing {
			if err := r.mapCaches(tx, rep, &pending); err != nil {
				tx.rollback()
				return err
			}
			if err := r.acquireReplicaID(tx, rep); err != nil {
				tx.rollback()
				return err
			}
		}
		if err := r.index.addLive(tx, rep); err != nil {
			tx.rollback()
			return err
		}
	}
	tx.commit()
	r.routeItems(pending)

	for _, rep := range batch {
		rep.Attach(r)
		rep.SetInitializationTime(ts)
		r.validReplica(rep)
		rep.ReactToChannelPropertyChanges(ts, replica.PhaseInitialization, direction, true)
	}
	for _, rep := range batch {
		r.liveReplica(rep)
	}
	r.storeLiveCount()
	return nil
}

// handleClone applies a received clone. Emplaced replicas were already
// valid and only become live.
func (r *Replicator) handleClone(batch []*replica.Replica, ts peer.Timestamp) error {
	tx := &txn{}
	for _, rep := range batch {
		if err := r.index.addLive(tx, rep); err != nil {
			tx.rollback()
			return err
		}
	}
	tx.commit()

	for _, rep := range batch {
		rep.Attach(r)
		rep.SetInitializationTime(ts)
		if rep.IsSpawned() {
			r.validReplica(rep)
		}
		rep.ReactToChannelPropertyChanges(ts, replica.PhaseInitialization, replica.Incoming, true)
	}
	for _, rep := range batch {
		r.liveReplica(rep)
	}
	r.storeLiveCount()
	return nil
}

// handleForget invalidates replicas. isForget distinguishes a forget from a
// destroy for the embedder.
func (r *Replicator) handleForget(batch []*replica.Replica, direction replica.Direction, ts peer.Timestamp, isForget bool) {
	for _, rep := range batch {
		rep.SetUninitializationTime(ts)
		rep.ReactToChannelPropertyChanges(ts, replica.PhaseUninitialization, direction, true)
	}
	links := r.allLinks()
	for _, rep := range batch {
		r.invalidReplica(rep, isForget)
		for _, l := range links {
			l.dropReplica(rep)
		}
		r.index.removeLive(rep)
		if rep.IsEmplaced() {
			r.index.removeEmplaced(rep)
			r.releaseEmplaceID(rep.EmplaceContext(), rep.EmplaceID())
			rep.SetEmplaceID(0)
			rep.SetEmplaceContext("")
		}
		if r.IsServer() && rep.ID() != 0 {
			r.replicaIDs.FreeID(rep.ID())
		}
		rep.SetID(0)
		rep.SetCloned(false)
		rep.SetState(replica.StateInvalid)
		rep.Attach(nil)
	}
	r.storeLiveCount()
}

// handleInterrupt drops everything the server told this client. Spawned
// replicas are forgotten. Live emplaced replicas go back to Valid and keep
// their emplace identity, so a later clone resolves them again.
func (r *Replicator) handleInterrupt(ts peer.Timestamp) (forgotten, reverted []*replica.Replica) {
	for _, rep := range r.Replicas() {
		if rep.IsEmplaced() {
			reverted = append(reverted, rep)
		} else {
			forgotten = append(forgotten, rep)
		}
	}
	if len(forgotten) > 0 {
		r.handleForget(forgotten, replica.Incoming, ts, true)
	}
	links := r.allLinks()
	for _, rep := range reverted {
		for _, l := range links {
			l.dropReplica(rep)
		}
		r.index.removeLive(rep)
		rep.UnscheduleChannels()
		rep.SetID(0)
		rep.SetCloned(false)
		r.validReplica(rep)
	}
	r.storeLiveCount()
	return forgotten, reverted
}

func (r *Replicator) validReplica(rep *replica.Replica) {
	rep.SetState(replica.StateValid)
	r.embedder.OnValidReplica(rep)
}

func (r *Replicator) liveReplica(rep *replica.Replica) {
	rep.SetState(replica.StateLive)
	rep.ScheduleChannels()
	r.embedder.OnLiveReplica(rep)
}

func (r *Replicator) invalidReplica(rep *replica.Replica, isForget bool) {
	r.embedder.OnInvalidReplica(rep, isForget)
	rep.Invalidate()
}
