package replicator

import (
	"context"
	"errors"
	"slices"

	"replicanet/server/internal/cache"
	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
	"replicanet/server/logging/replication"
)

// GetLinks returns the connected links on route ordered by their remote
// ReplicatorID.
func (r *Replicator) GetLinks(route Route) []*Link {
	if r.peer == nil || route.IsNone() {
		return nil
	}
	var out []*Link
	for _, pl := range r.peer.Links() {
		if pl.Status() != peer.StatusConnected {
			continue
		}
		l, ok := peer.Lookup(pl.Extensions(), linkKey)
		if !ok || !route.Matches(l.ReplicatorID()) {
			continue
		}
		out = append(out, l)
	}
	slices.SortStableFunc(out, func(a, b *Link) int { return int(a.ReplicatorID()) - int(b.ReplicatorID()) })
	return out
}

// allLinks returns every replicator link regardless of its status.
func (r *Replicator) allLinks() []*Link {
	if r.peer == nil {
		return nil
	}
	var out []*Link
	for _, pl := range r.peer.Links() {
		if l, ok := peer.Lookup(pl.Extensions(), linkKey); ok {
			out = append(out, l)
		}
	}
	return out
}

// LinkFor returns the replicator link attached to pl.
func LinkFor(pl *peer.Link) *Link {
	l, _ := peer.Lookup(pl.Extensions(), linkKey)
	return l
}

func (r *Replicator) routeSpawn(batch []*replica.Replica, route Route, ts peer.Timestamp) Status {
	var st Status
	for _, l := range r.GetLinks(route) {
		st.record(l.ReplicatorID(), l.SendSpawn(batch, ts))
	}
	r.reportRoute(msgSpawn, st)
	return st
}

// routeClone sends one clone per group of replicas sharing an
// initialization time so each group keeps its original timestamp.
func (r *Replicator) routeClone(batch []*replica.Replica, route Route) Status {
	var st Status
	links := r.GetLinks(route)
	for _, group := range groupByInitialization(batch) {
		for _, l := range links {
			st.record(l.ReplicatorID(), l.SendClone(group, group[0].InitializationTime()))
		}
	}
	r.reportRoute(msgClone, st)
	return st
}

func groupByInitialization(batch []*replica.Replica) [][]*replica.Replica {
	var groups [][]*replica.Replica
	for _, rep := range batch {
		n := len(groups)
		if n > 0 && groups[n-1][0].InitializationTime() == rep.InitializationTime() {
			groups[n-1] = append(groups[n-1], rep)
			continue
		}
		groups = append(groups, []*replica.Replica{rep})
	}
	return groups
}

func (r *Replicator) routeForget(batch []*replica.Replica, route Route, ts peer.Timestamp) Status {
	var st Status
	for _, l := range r.GetLinks(route) {
		st.record(l.ReplicatorID(), l.SendForget(batch, ts))
	}
	r.reportRoute(msgForget, st)
	return st
}

func (r *Replicator) routeDestroy(batch []*replica.Replica, route Route, ts peer.Timestamp) Status {
	var st Status
	for _, l := range r.GetLinks(route) {
		st.record(l.ReplicatorID(), l.SendDestroy(batch, ts))
	}
	r.reportRoute(msgDestroy, st)
	return st
}

func (r *Replicator) routeInterrupt(route Route) Status {
	var st Status
	for _, l := range r.GetLinks(route) {
		st.record(l.ReplicatorID(), l.SendInterrupt())
	}
	r.reportRoute(msgInterrupt, st)
	return st
}

// RouteChange implements replica.Host. The change is serialised once and
// sent to every link that knows the channel's replica. Relayed changes skip
// the replica's authority client.
func (r *Replicator) RouteChange(ch *replica.Channel, relay bool, now peer.Timestamp) bool {
	rep := ch.Replica()
	route := RouteAll
	if relay {
		route = Exclude(rep.Options().AuthorityClient)
	}
	links := r.GetLinks(route)
	if len(links) == 0 {
		return true
	}
	data, err := ch.Serialize(replica.PhaseChange)
	if err != nil {
		r.logger.Printf("replicator: serialize change of %s/%s: %v", rep.DisplayName(), ch.Name(), err)
		return false
	}
	cfg := ch.Type().Config()
	msg := peer.Message{
		Type:     msgChange,
		Reliable: cfg.ReliabilityMode == replica.Reliable,
		Data:     data,
	}
	if cfg.AccurateTimestampOnChange || rep.Options().AccurateTimestampOnChange {
		msg.SetTimestamp(now)
	}
	var st Status
	for _, l := range links {
		if l.ShouldSkipChangeReplication() || !l.HasReplica(rep) {
			continue
		}
		st.record(l.ReplicatorID(), l.SendChange(ch, msg))
	}
	r.reportRoute(msgChange, st)
	return st.Succeeded()
}

// RouteAllItems sends every cached context definition to route. A server
// calls it when a client connects.
func (r *Replicator) RouteAllItems(route Route) Status {
	return r.sendItems(route, pendingItems{
		createContexts:  r.createContexts.Items(),
		replicaTypes:    r.replicaTypes.Items(),
		emplaceContexts: r.emplaceContexts.Items(),
	})
}

func (r *Replicator) routeItems(pending pendingItems) {
	if pending.empty() {
		return
	}
	r.sendItems(RouteAll, pending)
}

func (r *Replicator) sendItems(route Route, items pendingItems) Status {
	var st Status
	for _, l := range r.GetLinks(route) {
		st.record(l.ReplicatorID(), errors.Join(
			sendItemList(l, msgCreateContextItems, items.createContexts),
			sendItemList(l, msgReplicaTypeItems, items.replicaTypes),
			sendItemList(l, msgEmplaceContextItems, items.emplaceContexts),
		))
	}
	r.reportRoute(msgCreateContextItems, st)
	return st
}

func sendItemList[T ~string](l *Link, t peer.MessageType, items []cache.Item[T]) error {
	if len(items) == 0 {
		return nil
	}
	data, err := encode(items)
	if err != nil {
		return err
	}
	return l.send(peer.NewMessage(t, data))
}

func (r *Replicator) reportRoute(t peer.MessageType, st Status) {
	if st.Failed() == 0 {
		return
	}
	r.logger.Printf("replicator: %s failed on %d of %d links: %v", commandName(t), st.Failed(), st.Targeted(), st.Err())
	r.addMetric(metricRouteFailures, uint64(st.Failed()))
	if st.Succeeded() {
		return
	}
	replication.RouteFailed(context.Background(), r.publisher, r.FrameID(), replication.RoutePayload{
		Command:   commandName(t),
		Targeted:  st.Targeted(),
		Succeeded: st.Delivered(),
		Error:     st.Err().Error(),
	}, nil)
}
