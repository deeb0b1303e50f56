// Package replicator keeps a population of replicas consistent between one
// authoritative server and its clients. It runs as a peer plugin: every
// lifecycle command is applied locally through the same transition code that
// applies received commands, then routed to the links that should see it.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"replicanet/server/internal/cache"
	"replicanet/server/internal/ids"
	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
	"replicanet/server/internal/telemetry"
	"replicanet/server/logging"
	"replicanet/server/logging/replication"
)

const (
	metricReplicasLive      = "replicator_replicas_live"
	metricRouteFailures     = "replicator_route_failures_total"
	metricIDExhausted       = "replicator_id_exhausted_total"
	metricIncomingRejected  = "replicator_incoming_rejected_total"
	metricFrameFillWarnings = "replicator_frame_fill_warnings_total"
)

// ErrIDExhausted is returned internally when an identifier store ran dry.
// Public operations report it as a false result.
var ErrIDExhausted = errors.New("replicator: identifiers exhausted")

type Config struct {
	// FrameFillWarning is the link frame fill above which a warning is
	// published, at most once per second per link.
	FrameFillWarning float64
	// FrameFillSkip is the link frame fill above which change replication
	// to that link is skipped for the frame.
	FrameFillSkip float64

	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

func DefaultConfig() Config {
	return Config{
		FrameFillWarning: 0.8,
		FrameFillSkip:    0.9,
	}
}

// Replicator owns every identifier and index of one replication session.
// It is not safe for concurrent use; all calls happen on the goroutine that
// drives the peer.
type Replicator struct {
	cfg      Config
	embedder Embedder

	role         replica.Role
	replicatorID replica.ReplicatorID
	peer         *peer.Peer

	index         *index
	replicaIDs    *ids.Store[replica.ID]
	replicatorIDs *ids.Store[replica.ReplicatorID]
	emplaceIDs    map[replica.EmplaceContext]*ids.Store[replica.EmplaceID]

	createContexts  *cache.Cacher[replica.CreateContext]
	replicaTypes    *cache.Cacher[replica.ReplicaType]
	emplaceContexts *cache.Cacher[replica.EmplaceContext]

	channelTypes  []*replica.ChannelType
	propertyTypes []*replica.PropertyType

	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
}

var (
	_ replica.Host                = (*Replicator)(nil)
	_ replica.ConvergenceObserver = (*Replicator)(nil)
	_ peer.Plugin                 = (*Replicator)(nil)
)

// New constructs a replicator without a role. A nil embedder is replaced by
// BaseEmbedder.
func New(cfg Config, embedder Embedder) *Replicator {
	defaults := DefaultConfig()
	if cfg.FrameFillWarning <= 0 {
		cfg.FrameFillWarning = defaults.FrameFillWarning
	}
	if cfg.FrameFillSkip <= 0 {
		cfg.FrameFillSkip = defaults.FrameFillSkip
	}
	if embedder == nil {
		embedder = BaseEmbedder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Replicator{
		cfg:             cfg,
		embedder:        embedder,
		index:           newIndex(),
		replicaIDs:      ids.NewStore[replica.ID](16),
		replicatorIDs:   ids.NewStore[replica.ReplicatorID](8),
		emplaceIDs:      make(map[replica.EmplaceContext]*ids.Store[replica.EmplaceID]),
		createContexts:  cache.New[replica.CreateContext](replica.CreateContextBits),
		replicaTypes:    cache.New[replica.ReplicaType](replica.ReplicaTypeBits),
		emplaceContexts: cache.New[replica.EmplaceContext](replica.EmplaceContextBits),
		logger:          logger,
		publisher:       publisher,
		metrics:         cfg.Metrics,
	}
}

// SetRole chooses client or server behaviour. The role cannot change while
// the replicator is attached to a peer.
func (r *Replicator) SetRole(role replica.Role) error {
	if r.peer != nil {
		return errors.New("replicator: cannot change role while attached to a peer")
	}
	r.role = role
	return nil
}

func (r *Replicator) Role() replica.Role                 { return r.role }
func (r *Replicator) ReplicatorID() replica.ReplicatorID { return r.replicatorID }
func (r *Replicator) Embedder() Embedder                 { return r.embedder }
func (r *Replicator) Peer() *peer.Peer                   { return r.peer }

func (r *Replicator) IsServer() bool { return r.role == replica.RoleServer }
func (r *Replicator) IsClient() bool { return r.role == replica.RoleClient }

// LocalTime is the peer's clock, or zero while detached.
func (r *Replicator) LocalTime() peer.Timestamp {
	if r.peer == nil {
		return 0
	}
	return r.peer.LocalTime()
}

func (r *Replicator) FrameID() uint64 {
	if r.peer == nil {
		return 0
	}
	return r.peer.FrameID()
}

// AddChannelType registers t with this replicator. It returns nil when a
// type with the same name is registered or t belongs to another replicator.
func (r *Replicator) AddChannelType(t *replica.ChannelType) *replica.ChannelType {
	if t == nil || r.ChannelType(t.Name()) != nil {
		return nil
	}
	if err := t.Attach(r); err != nil {
		r.logger.Printf("replicator: add channel type %q: %v", t.Name(), err)
		return nil
	}
	r.channelTypes = append(r.channelTypes, t)
	return t
}

// AddPropertyType registers t with this replicator. It returns nil when a
// type with the same name is registered or t belongs to another replicator.
func (r *Replicator) AddPropertyType(t *replica.PropertyType) *replica.PropertyType {
	if t == nil || r.PropertyType(t.Name()) != nil {
		return nil
	}
	if err := t.Attach(r); err != nil {
		r.logger.Printf("replicator: add property type %q: %v", t.Name(), err)
		return nil
	}
	r.propertyTypes = append(r.propertyTypes, t)
	return t
}

func (r *Replicator) ChannelType(name string) *replica.ChannelType {
	for _, t := range r.channelTypes {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func (r *Replicator) PropertyType(name string) *replica.PropertyType {
	for _, t := range r.propertyTypes {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Replica returns the live replica with id.
func (r *Replicator) Replica(id replica.ID) *replica.Replica {
	return r.index.live[id]
}

// HasReplica reports whether rep is live in this replicator.
func (r *Replicator) HasReplica(rep *replica.Replica) bool {
	return rep != nil && r.index.isLive(rep)
}

// Replicas returns every live replica ordered by id.
func (r *Replicator) Replicas() []*replica.Replica {
	out := make([]*replica.Replica, 0, len(r.index.live))
	for _, rep := range r.index.live {
		out = append(out, rep)
	}
	sortReplicas(out)
	return out
}

func (r *Replicator) ReplicaCount() int {
	return len(r.index.live)
}

func (r *Replicator) ReplicasByCreateContext(c replica.CreateContext) []*replica.Replica {
	return sortedByID(r.index.byCreate[c])
}

func (r *Replicator) ReplicaCountByCreateContext(c replica.CreateContext) int {
	return len(r.index.byCreate[c])
}

func (r *Replicator) ReplicasByReplicaType(t replica.ReplicaType) []*replica.Replica {
	return sortedByID(r.index.byType[t])
}

func (r *Replicator) ReplicaCountByReplicaType(t replica.ReplicaType) int {
	return len(r.index.byType[t])
}

// ReplicasByEmplaceContext returns the emplaced replicas of c ordered by
// emplace id. They may be valid or live.
func (r *Replicator) ReplicasByEmplaceContext(c replica.EmplaceContext) []*replica.Replica {
	byID := r.index.emplaced[c]
	out := make([]*replica.Replica, 0, len(byID))
	for _, rep := range byID {
		out = append(out, rep)
	}
	slices.SortFunc(out, func(a, b *replica.Replica) int { return int(a.EmplaceID()) - int(b.EmplaceID()) })
	return out
}

func (r *Replicator) ReplicaCountByEmplaceContext(c replica.EmplaceContext) int {
	return len(r.index.emplaced[c])
}

func (r *Replicator) EmplacedReplica(c replica.EmplaceContext, id replica.EmplaceID) *replica.Replica {
	return r.index.emplacedReplica(c, id)
}

// ResetSession drops every identifier, index and cache mapping. Replicas
// are not notified; callers forget them first.
func (r *Replicator) ResetSession() {
	r.index.reset()
	r.replicaIDs.Reset()
	r.replicatorIDs.Reset()
	clear(r.emplaceIDs)
	r.createContexts.Reset()
	r.replicaTypes.Reset()
	r.emplaceContexts.Reset()
	r.replicatorID = 0
	r.storeLiveCount()
}

// OnInitialize implements peer.Plugin.
func (r *Replicator) OnInitialize(p *peer.Peer) error {
	switch r.role {
	case replica.RoleServer:
		p.SetConnectResponseMode(peer.ConnectResponseCustom)
	case replica.RoleClient:
		p.SetConnectResponseMode(peer.ConnectResponseDeny)
	default:
		return ErrUnknownRole
	}
	r.peer = p
	return nil
}

// OnUninitialize implements peer.Plugin.
func (r *Replicator) OnUninitialize() {
	r.ForgetAllReplicas(RouteNone)
	r.ResetSession()
	r.peer = nil
}

// OnUpdate observes outgoing changes and converges incoming ones.
func (r *Replicator) OnUpdate(now peer.Timestamp) {
	links := r.allLinks()
	for _, l := range links {
		l.updateStart(now)
	}
	for _, t := range r.channelTypes {
		t.ObserveAndReplicateChanges()
	}
	for _, t := range r.propertyTypes {
		t.ConvergeNow()
	}
	for _, l := range links {
		l.updateEnd(now)
	}
}

// AddingLink implements peer.Plugin.
func (r *Replicator) AddingLink(pl *peer.Link) {
	l := newLink(r, pl)
	if !peer.Attach(pl.Extensions(), linkKey, l) {
		r.logger.Printf("replicator: link %s already has a replicator link", pl.ID())
		return
	}
	pl.AddPlugin(l)
	r.embedder.AddingLink(l)
}

// RemovingLink implements peer.Plugin.
func (r *Replicator) RemovingLink(pl *peer.Link) {
	l, ok := peer.Detach(pl.Extensions(), linkKey)
	if !ok {
		return
	}
	r.embedder.RemovingLink(l)
	l.close()
	pl.RemovePlugin(l)
}

// PropertyChanged implements replica.Host.
func (r *Replicator) PropertyChanged(now peer.Timestamp, phase replica.Phase, direction replica.Direction, p *replica.Property) {
	r.embedder.OnReplicaChannelPropertyChange(now, phase, direction, p)
}

// ConvergenceStateChanged implements replica.ConvergenceObserver.
func (r *Replicator) ConvergenceStateChanged(p *replica.Property, from, to replica.ConvergenceState) {
	r.embedder.OnConvergenceStateChange(p, from, to)
}

func (r *Replicator) checkAttached(op string, rep *replica.Replica) {
	for _, ch := range rep.Channels() {
		if ch.Type().Host() != replica.Host(r) {
			precondition(op, "channel type %q of %s is not registered with this replicator", ch.Type().Name(), rep.DisplayName())
		}
		for _, p := range ch.Properties() {
			if p.Type().Host() != replica.Host(r) {
				precondition(op, "property type %q of %s is not registered with this replicator", p.Type().Name(), rep.DisplayName())
			}
		}
	}
}

func (r *Replicator) acquireReplicaID(tx *txn, rep *replica.Replica) error {
	id := r.replicaIDs.AcquireID()
	if id == 0 {
		return r.exhausted("replica_id", uint64(r.replicaIDs.Max()))
	}
	rep.SetID(id)
	tx.onRollback(func() {
		r.replicaIDs.FreeID(id)
		rep.SetID(0)
	})
	return nil
}

func (r *Replicator) acquireEmplaceID(tx *txn, rep *replica.Replica, ctx replica.EmplaceContext) error {
	store, ok := r.emplaceIDs[ctx]
	if !ok {
		store = ids.NewStore[replica.EmplaceID](16)
		r.emplaceIDs[ctx] = store
	}
	id := store.AcquireID()
	if id == 0 {
		return r.exhausted("emplace_id", uint64(store.Max()))
	}
	rep.SetEmplaceContext(ctx)
	rep.SetEmplaceID(id)
	tx.onRollback(func() {
		r.releaseEmplaceID(ctx, id)
		rep.SetEmplaceID(0)
		rep.SetEmplaceContext("")
	})
	return nil
}

func (r *Replicator) releaseEmplaceID(ctx replica.EmplaceContext, id replica.EmplaceID) {
	store, ok := r.emplaceIDs[ctx]
	if !ok {
		return
	}
	store.FreeID(id)
	if !store.HasAcquiredIDs() {
		delete(r.emplaceIDs, ctx)
	}
}

// pendingItems collects cache mappings created during a batch. They are
// routed to every link before the batch's command.
type pendingItems struct {
	createContexts  []cache.Item[replica.CreateContext]
	replicaTypes    []cache.Item[replica.ReplicaType]
	emplaceContexts []cache.Item[replica.EmplaceContext]
}

func (p *pendingItems) empty() bool {
	return len(p.createContexts) == 0 && len(p.replicaTypes) == 0 && len(p.emplaceContexts) == 0
}

func mapItem[T ~string](r *Replicator, tx *txn, c *cache.Cacher[T], value T, store string, pending *[]cache.Item[T]) error {
	id, isNew, ok := c.MapItem(value)
	if !ok {
		return r.exhausted(store, uint64(1)<<c.Bits()-1)
	}
	if isNew {
		*pending = append(*pending, cache.Item[T]{ID: id, Value: value})
		tx.onRollback(func() { c.UnmapItem(value) })
	}
	return nil
}

func (r *Replicator) mapCaches(tx *txn, rep *replica.Replica, pending *pendingItems) error {
	if err := mapItem(r, tx, r.createContexts, rep.CreateContext(), "create_context", &pending.createContexts); err != nil {
		return err
	}
	if err := mapItem(r, tx, r.replicaTypes, rep.ReplicaType(), "replica_type", &pending.replicaTypes); err != nil {
		return err
	}
	if rep.EmplaceContext() != "" {
		return mapItem(r, tx, r.emplaceContexts, rep.EmplaceContext(), "emplace_context", &pending.emplaceContexts)
	}
	return nil
}

func (r *Replicator) exhausted(store string, limit uint64) error {
	replication.IDExhausted(context.Background(), r.publisher, r.FrameID(), replication.ExhaustionPayload{Store: store, Limit: limit}, nil)
	r.addMetric(metricIDExhausted, 1)
	return fmt.Errorf("%w: %s", ErrIDExhausted, store)
}

func (r *Replicator) addMetric(key string, delta uint64) {
	if r.metrics != nil {
		r.metrics.Add(key, delta)
	}
}

func (r *Replicator) storeLiveCount() {
	if r.metrics != nil {
		r.metrics.Store(metricReplicasLive, uint64(len(r.index.live)))
	}
}
