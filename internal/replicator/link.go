package replicator

import (
	"context"
	"errors"
	"fmt"

	"replicanet/server/internal/cache"
	"replicanet/server/internal/ids"
	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
	"replicanet/server/logging"
	"replicanet/server/logging/network"
	"replicanet/server/logging/replication"
)

var linkKey = peer.NewKey[*Link]("replicator")

var errChannelNotOpen = errors.New("replicator: channel has no outgoing id on this link")

// fillWarningInterval is the minimum time between frame fill warnings on
// one link.
const fillWarningInterval peer.Timestamp = 1000

// Link is the replicator's state for one peer link: which replicas the
// remote side knows and the message channel ids used for their changes.
type Link struct {
	replicator   *Replicator
	link         *peer.Link
	replicatorID replica.ReplicatorID
	ownsID       bool
	theirRole    replica.Role

	replicas     replicaSet
	createCounts map[replica.CreateContext]int
	typeCounts   map[replica.ReplicaType]int

	channelIDs  *ids.Store[uint16]
	outgoing    map[*replica.Channel]uint16
	incoming    map[uint16]*replica.Channel
	incomingIDs map[*replica.Channel]uint16

	skipChanges     bool
	lastFillWarning peer.Timestamp
}

var _ peer.LinkPlugin = (*Link)(nil)

func newLink(r *Replicator, pl *peer.Link) *Link {
	return &Link{
		replicator:      r,
		link:            pl,
		replicas:        make(replicaSet),
		createCounts:    make(map[replica.CreateContext]int),
		typeCounts:      make(map[replica.ReplicaType]int),
		channelIDs:      ids.NewStore[uint16](16),
		outgoing:        make(map[*replica.Channel]uint16),
		incoming:        make(map[uint16]*replica.Channel),
		incomingIDs:     make(map[*replica.Channel]uint16),
		lastFillWarning: peer.InvalidTimestamp,
	}
}

func (l *Link) PeerLink() *peer.Link { return l.link }

// ReplicatorID is the remote replicator's id. Links to the server report
// zero.
func (l *Link) ReplicatorID() replica.ReplicatorID { return l.replicatorID }
func (l *Link) TheirRole() replica.Role            { return l.theirRole }

// HasReplica reports whether rep was sent to or received from this link.
func (l *Link) HasReplica(rep *replica.Replica) bool {
	_, ok := l.replicas[rep]
	return ok
}

func (l *Link) ReplicaCount() int { return len(l.replicas) }

func (l *Link) ReplicaCountByCreateContext(c replica.CreateContext) int { return l.createCounts[c] }
func (l *Link) ReplicaCountByReplicaType(t replica.ReplicaType) int     { return l.typeCounts[t] }

// ShouldSkipChangeReplication reports whether the link is saturated this
// frame.
func (l *Link) ShouldSkipChangeReplication() bool {
	return l.skipChanges
}

func (l *Link) ref() logging.EntityRef {
	return logging.LinkRef(l.link.ID())
}

func (l *Link) updateStart(peer.Timestamp) {
	l.skipChanges = l.link.FrameFill() >= l.replicator.cfg.FrameFillSkip
}

func (l *Link) updateEnd(now peer.Timestamp) {
	fill := l.link.FrameFill()
	threshold := l.replicator.cfg.FrameFillWarning
	if fill < threshold {
		return
	}
	if l.lastFillWarning.IsValid() && now-l.lastFillWarning < fillWarningInterval {
		return
	}
	l.lastFillWarning = now
	r := l.replicator
	r.logger.Printf("replicator: link %s frame fill %.2f above %.2f", l.link.ID(), fill, threshold)
	r.addMetric(metricFrameFillWarnings, 1)
	network.FrameFillHigh(context.Background(), r.publisher, r.FrameID(), l.ref(), network.FrameFillPayload{Fill: fill, Threshold: threshold}, nil)
}

func (l *Link) send(msg peer.Message) error {
	if l.link.Status() != peer.StatusConnected {
		return ErrLinkNotConnected
	}
	return l.link.Send(msg)
}

func (l *Link) addReplica(rep *replica.Replica) {
	if _, ok := l.replicas[rep]; ok {
		return
	}
	l.replicas[rep] = struct{}{}
	l.createCounts[rep.CreateContext()]++
	l.typeCounts[rep.ReplicaType()]++
}

// dropReplica forgets rep and closes its channel ids.
func (l *Link) dropReplica(rep *replica.Replica) {
	for _, ch := range rep.Channels() {
		if id, ok := l.outgoing[ch]; ok {
			delete(l.outgoing, ch)
			l.channelIDs.FreeID(id)
		}
		if id, ok := l.incomingIDs[ch]; ok {
			delete(l.incomingIDs, ch)
			delete(l.incoming, id)
		}
	}
	if _, ok := l.replicas[rep]; !ok {
		return
	}
	delete(l.replicas, rep)
	decrement(l.createCounts, rep.CreateContext())
	decrement(l.typeCounts, rep.ReplicaType())
}

func decrement[K comparable](m map[K]int, key K) {
	if m[key] <= 1 {
		delete(m, key)
		return
	}
	m[key]--
}

func (l *Link) dropAll() {
	for rep := range l.replicas {
		l.dropReplica(rep)
	}
}

func (l *Link) close() {
	l.dropAll()
	l.releaseReplicatorID()
}

func (l *Link) releaseReplicatorID() {
	if l.ownsID {
		l.replicator.replicatorIDs.FreeID(l.replicatorID)
		l.ownsID = false
	}
}

func (l *Link) openChannel(tx *txn, ch *replica.Channel) (uint16, error) {
	if id, ok := l.outgoing[ch]; ok {
		return id, nil
	}
	id := l.channelIDs.AcquireID()
	if id == 0 {
		return 0, l.replicator.exhausted("channel_id", uint64(l.channelIDs.Max()))
	}
	l.outgoing[ch] = id
	tx.onRollback(func() {
		delete(l.outgoing, ch)
		l.channelIDs.FreeID(id)
	})
	return id, nil
}

func (l *Link) mapIncoming(id uint16, ch *replica.Channel) {
	if id == 0 {
		return
	}
	if previous, ok := l.incomingIDs[ch]; ok {
		delete(l.incoming, previous)
	}
	if stale, ok := l.incoming[id]; ok {
		delete(l.incomingIDs, stale)
	}
	l.incoming[id] = ch
	l.incomingIDs[ch] = id
}

// Name implements peer.LinkPlugin.
func (l *Link) Name() string { return "replicator" }

// OnConnectRequestSend implements peer.LinkPlugin.
func (l *Link) OnConnectRequestSend() []byte {
	return l.replicator.embedder.ClientConnectRequest(l)
}

// OnConnectRequestReceive assigns the connecting client a ReplicatorID and
// lets the embedder decide.
func (l *Link) OnConnectRequestReceive(data []byte) (bool, []byte) {
	r := l.replicator
	if !r.IsServer() {
		return false, nil
	}
	id := r.replicatorIDs.AcquireID()
	if id == 0 {
		r.exhausted("replicator_id", uint64(r.replicatorIDs.Max()))
		return false, nil
	}
	l.replicatorID = id
	l.ownsID = true
	accept, response := r.embedder.ServerOnConnectRequest(l, data)
	if !accept {
		l.releaseReplicatorID()
		id = 0
	}
	payload, err := encode(&connectResponseData{ReplicatorID: id, Data: response})
	if err != nil {
		r.logger.Printf("replicator: link %s: %v", l.link.ID(), err)
		l.releaseReplicatorID()
		return false, nil
	}
	return accept, payload
}

// OnConnectResponseSend sends the cached context definitions to an
// accepted client.
func (l *Link) OnConnectResponseSend(accepted bool) {
	if !accepted {
		l.releaseReplicatorID()
		return
	}
	l.theirRole = replica.RoleClient
	l.replicator.RouteAllItems(Include(l.replicatorID))
}

// OnConnectResponseReceive adopts the ReplicatorID the server assigned and
// answers with a confirmation.
func (l *Link) OnConnectResponseReceive(accepted bool, data []byte) {
	r := l.replicator
	var response connectResponseData
	if len(data) > 0 {
		if err := decode(data, &response); err != nil {
			r.logger.Printf("replicator: link %s: %v", l.link.ID(), err)
		}
	}
	if accepted {
		r.replicatorID = response.ReplicatorID
		l.theirRole = replica.RoleServer
	}
	confirmation := r.embedder.ClientOnConnectResponse(l, accepted, response.Data)
	if !accepted {
		return
	}
	payload, err := encode(&confirmationData{Data: confirmation})
	if err == nil {
		err = l.send(peer.NewMessage(msgConnectConfirmation, payload))
	}
	if err != nil {
		r.logger.Printf("replicator: link %s: send connect confirmation: %v", l.link.ID(), err)
	}
}

// OnDisconnect implements peer.LinkPlugin.
func (l *Link) OnDisconnect() {
	l.releaseReplicatorID()
}

func accurate(batch []*replica.Replica, phase replica.Phase) bool {
	for _, rep := range batch {
		opts := rep.Options()
		switch phase {
		case replica.PhaseInitialization:
			if opts.AccurateTimestampOnInitialization {
				return true
			}
		case replica.PhaseUninitialization:
			if opts.AccurateTimestampOnUninitialization {
				return true
			}
		}
	}
	return false
}

func (l *Link) sendBatch(t peer.MessageType, batch []*replica.Replica, ts peer.Timestamp, phase replica.Phase, build func(*txn, *replica.Replica) (replicaRecord, error), after func(*replica.Replica)) error {
	if l.link.Status() != peer.StatusConnected {
		return ErrLinkNotConnected
	}
	if len(batch) == 0 {
		return nil
	}
	tx := &txn{}
	payload := batchPayload{Replicas: make([]replicaRecord, 0, len(batch))}
	for _, rep := range batch {
		rec, err := build(tx, rep)
		if err != nil {
			tx.rollback()
			return err
		}
		payload.Replicas = append(payload.Replicas, rec)
	}
	data, err := encode(&payload)
	if err != nil {
		tx.rollback()
		return err
	}
	msg := peer.NewMessage(t, data)
	if accurate(batch, phase) {
		msg.SetTimestamp(ts)
	}
	if err := l.link.Send(msg); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	for _, rep := range batch {
		after(rep)
	}
	return nil
}

// initRecord describes rep for a spawn or clone and opens an outgoing
// channel id for each of its channels.
func (l *Link) initRecord(tx *txn, rep *replica.Replica, flag replica.SerializationFlags) (replicaRecord, error) {
	r := l.replicator
	rec := replicaRecord{ID: rep.ID(), AuthorityClient: rep.Options().AuthorityClient}
	rec.CreateContextID, _ = r.createContexts.MappedItemID(rep.CreateContext())
	rec.ReplicaTypeID, _ = r.replicaTypes.MappedItemID(rep.ReplicaType())
	if rep.IsEmplaced() {
		rec.EmplaceContextID, _ = r.emplaceContexts.MappedItemID(rep.EmplaceContext())
		rec.EmplaceID = rep.EmplaceID()
	}
	for _, ch := range rep.Channels() {
		id, err := l.openChannel(tx, ch)
		if err != nil {
			return replicaRecord{}, err
		}
		cr := channelRecord{ID: id, Authority: ch.Authority()}
		if ch.Type().Config().SerializationFlags&flag != 0 {
			data, err := ch.Serialize(replica.PhaseInitialization)
			if err != nil {
				return replicaRecord{}, fmt.Errorf("serialize %s: %w", rep.DisplayName(), err)
			}
			cr.Data = data
		}
		rec.Channels = append(rec.Channels, cr)
	}
	return rec, nil
}

// uninitRecord carries final channel values for channel types that ask for
// them on forget or destroy.
func uninitRecord(rep *replica.Replica, flag replica.SerializationFlags) (replicaRecord, error) {
	rec := replicaRecord{ID: rep.ID()}
	channels := rep.Channels()
	records := make([]channelRecord, len(channels))
	carried := false
	for i, ch := range channels {
		if ch.Type().Config().SerializationFlags&flag == 0 {
			continue
		}
		data, err := ch.Serialize(replica.PhaseInitialization)
		if err != nil {
			return replicaRecord{}, fmt.Errorf("serialize %s: %w", rep.DisplayName(), err)
		}
		records[i].Data = data
		carried = true
	}
	if carried {
		rec.Channels = records
	}
	return rec, nil
}

func (l *Link) SendSpawn(batch []*replica.Replica, ts peer.Timestamp) error {
	return l.sendBatch(msgSpawn, batch, ts, replica.PhaseInitialization, func(tx *txn, rep *replica.Replica) (replicaRecord, error) {
		return l.initRecord(tx, rep, replica.OnSpawn)
	}, l.addReplica)
}

// SendClone sends the replicas this link does not know yet.
func (l *Link) SendClone(batch []*replica.Replica, ts peer.Timestamp) error {
	var unknown []*replica.Replica
	for _, rep := range batch {
		if !l.HasReplica(rep) {
			unknown = append(unknown, rep)
		}
	}
	return l.sendBatch(msgClone, unknown, ts, replica.PhaseInitialization, func(tx *txn, rep *replica.Replica) (replicaRecord, error) {
		flag := replica.OnCloneSpawn
		if rep.IsEmplaced() {
			flag = replica.OnCloneEmplace
		}
		return l.initRecord(tx, rep, flag)
	}, l.addReplica)
}

func (l *Link) SendForget(batch []*replica.Replica, ts peer.Timestamp) error {
	return l.sendUninit(msgForget, batch, ts, replica.OnForget)
}

func (l *Link) SendDestroy(batch []*replica.Replica, ts peer.Timestamp) error {
	return l.sendUninit(msgDestroy, batch, ts, replica.OnDestroy)
}

func (l *Link) sendUninit(t peer.MessageType, batch []*replica.Replica, ts peer.Timestamp, flag replica.SerializationFlags) error {
	var known []*replica.Replica
	for _, rep := range batch {
		if l.HasReplica(rep) {
			known = append(known, rep)
		}
	}
	return l.sendBatch(t, known, ts, replica.PhaseUninitialization, func(_ *txn, rep *replica.Replica) (replicaRecord, error) {
		return uninitRecord(rep, flag)
	}, l.dropReplica)
}

// SendChange sends a serialised change of ch on its outgoing channel id.
func (l *Link) SendChange(ch *replica.Channel, msg peer.Message) error {
	id, ok := l.outgoing[ch]
	if !ok {
		return fmt.Errorf("%w: %s/%s", errChannelNotOpen, ch.Replica().DisplayName(), ch.Name())
	}
	msg.ChannelID = id
	return l.send(msg)
}

// SendInterrupt tells the remote side to forget every replica.
func (l *Link) SendInterrupt() error {
	if err := l.send(peer.NewMessage(msgInterrupt, nil)); err != nil {
		return err
	}
	l.dropAll()
	return nil
}

// SendReverseReplicaChannels opens channel ids for the client-authority
// channels of replicas received from the server, so the client can send
// their changes.
func (l *Link) SendReverseReplicaChannels(batch []*replica.Replica) error {
	tx := &txn{}
	var payload reversePayload
	for _, rep := range batch {
		channels := rep.Channels()
		rec := reverseRecord{ID: rep.ID(), Channels: make([]uint16, len(channels))}
		opened := false
		for i, ch := range channels {
			if ch.Authority() != replica.AuthorityClient {
				continue
			}
			id, err := l.openChannel(tx, ch)
			if err != nil {
				tx.rollback()
				return err
			}
			rec.Channels[i] = id
			opened = true
		}
		if opened {
			payload.Replicas = append(payload.Replicas, rec)
		}
	}
	if len(payload.Replicas) == 0 {
		return nil
	}
	data, err := encode(&payload)
	if err == nil {
		err = l.send(peer.NewMessage(msgReverseReplicaChannels, data))
	}
	if err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

// OnMessageReceive implements peer.LinkPlugin.
func (l *Link) OnMessageReceive(msg peer.Message) bool {
	r := l.replicator
	var err error
	switch {
	case msg.Type == msgChange:
		err = l.receiveChange(msg)
	case r.IsServer():
		switch msg.Type {
		case msgConnectConfirmation:
			err = l.receiveConfirmation(msg)
		case msgReverseReplicaChannels:
			err = l.receiveReverseChannels(msg)
		default:
			return false
		}
	case r.IsClient():
		switch msg.Type {
		case msgCreateContextItems:
			err = receiveItems(msg, r.createContexts)
		case msgReplicaTypeItems:
			err = receiveItems(msg, r.replicaTypes)
		case msgEmplaceContextItems:
			err = receiveItems(msg, r.emplaceContexts)
		case msgSpawn:
			err = l.receiveSpawn(msg)
		case msgClone:
			err = l.receiveClone(msg)
		case msgForget:
			err = l.receiveUninit(msg, true)
		case msgDestroy:
			err = l.receiveUninit(msg, false)
		case msgInterrupt:
			err = l.receiveInterrupt(msg)
		default:
			return false
		}
	default:
		return false
	}
	if err != nil {
		r.rejectIncoming(l, msg.Type, err)
	}
	return true
}

func (r *Replicator) rejectIncoming(l *Link, t peer.MessageType, err error) {
	r.logger.Printf("replicator: link %s: reject %s: %v", l.link.ID(), commandName(t), err)
	r.addMetric(metricIncomingRejected, 1)
	replication.IncomingRejected(context.Background(), r.publisher, r.FrameID(), l.ref(), replication.RejectedPayload{Command: commandName(t), Error: err.Error()}, nil)
}

func receiveItems[T ~string](msg peer.Message, c *cache.Cacher[T]) error {
	var items []cache.Item[T]
	if err := decode(msg.Data, &items); err != nil {
		return err
	}
	for _, item := range items {
		if !c.MapID(item.ID, item.Value) {
			return fmt.Errorf("%w: item %d %q", ErrMalformedCommand, item.ID, item.Value)
		}
	}
	return nil
}

func (l *Link) receiveConfirmation(msg peer.Message) error {
	var confirmation confirmationData
	if len(msg.Data) > 0 {
		if err := decode(msg.Data, &confirmation); err != nil {
			return err
		}
	}
	l.replicator.embedder.ServerOnConnectConfirmation(l, confirmation.Data)
	return nil
}

// createIncoming asks the embedder for a replica matching rec.
func (l *Link) createIncoming(rec replicaRecord) (*replica.Replica, error) {
	r := l.replicator
	ctx, ok := r.createContexts.MappedIDItem(rec.CreateContextID)
	if !ok {
		return nil, fmt.Errorf("%w: create context %d", ErrUnknownCacheID, rec.CreateContextID)
	}
	typ, ok := r.replicaTypes.MappedIDItem(rec.ReplicaTypeID)
	if !ok {
		return nil, fmt.Errorf("%w: replica type %d", ErrUnknownCacheID, rec.ReplicaTypeID)
	}
	rep, err := r.embedder.CreateReplica(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", ctx, typ, err)
	}
	if rep == nil || !rep.IsInvalid() {
		return nil, fmt.Errorf("create %s/%s: embedder returned an unusable replica", ctx, typ)
	}
	return rep, nil
}

// prepareIncoming installs the identity and initial channel state carried
// by rec on rep.
func (l *Link) prepareIncoming(rep *replica.Replica, rec replicaRecord, ts peer.Timestamp) error {
	r := l.replicator
	if rec.ID == 0 || r.index.live[rec.ID] != nil {
		return fmt.Errorf("%w: replica id %d is invalid or already live", ErrMalformedCommand, rec.ID)
	}
	channels := rep.Channels()
	if len(rec.Channels) != len(channels) {
		return fmt.Errorf("%w: %s has %d channels, command carries %d", ErrMalformedCommand, rep.DisplayName(), len(channels), len(rec.Channels))
	}
	r.checkAttached("incoming", rep)
	rep.SetAuthorityClient(rec.AuthorityClient)
	for i, ch := range channels {
		cr := rec.Channels[i]
		if ch.Authority() != cr.Authority {
			if err := ch.SetAuthority(cr.Authority); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
			}
		}
		if len(cr.Data) > 0 {
			if err := ch.Deserialize(cr.Data, replica.PhaseInitialization, ts); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
			}
		}
	}
	rep.SetID(rec.ID)
	return nil
}

func (l *Link) acceptIncoming(batch []*replica.Replica, records []replicaRecord) {
	for i, rep := range batch {
		l.addReplica(rep)
		channels := rep.Channels()
		for j, cr := range records[i].Channels {
			l.mapIncoming(cr.ID, channels[j])
		}
	}
	if err := l.SendReverseReplicaChannels(batch); err != nil {
		l.replicator.logger.Printf("replicator: link %s: send reverse replica channels: %v", l.link.ID(), err)
	}
}

func (l *Link) receiveSpawn(msg peer.Message) error {
	var payload batchPayload
	if err := decode(msg.Data, &payload); err != nil {
		return err
	}
	r := l.replicator
	batch := make([]*replica.Replica, 0, len(payload.Replicas))
	fail := func(err error) error {
		for _, rep := range batch {
			rep.SetID(0)
		}
		r.embedder.ReleaseReplicas(batch)
		return err
	}
	for _, rec := range payload.Replicas {
		rep, err := l.createIncoming(rec)
		if err != nil {
			return fail(err)
		}
		batch = append(batch, rep)
		if err := l.prepareIncoming(rep, rec, msg.Timestamp); err != nil {
			return fail(err)
		}
	}
	if err := r.handleSpawn(batch, replica.Incoming, msg.Timestamp); err != nil {
		return fail(err)
	}
	l.acceptIncoming(batch, payload.Replicas)
	replication.ReplicasSpawned(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), replication.BatchPayload{Count: len(batch), Direction: replica.Incoming.String()}, nil)
	return nil
}

// receiveClone resolves emplaced replicas from the emplace index and asks
// the embedder for the others.
func (l *Link) receiveClone(msg peer.Message) error {
	var payload batchPayload
	if err := decode(msg.Data, &payload); err != nil {
		return err
	}
	r := l.replicator
	batch := make([]*replica.Replica, 0, len(payload.Replicas))
	var created []*replica.Replica
	fail := func(err error) error {
		for _, rep := range batch {
			rep.SetID(0)
		}
		r.embedder.ReleaseReplicas(created)
		return err
	}
	for _, rec := range payload.Replicas {
		rep, err := l.resolveClone(rec)
		if err != nil {
			return fail(err)
		}
		if rep.IsSpawned() {
			rep.SetCloned(true)
			created = append(created, rep)
		}
		batch = append(batch, rep)
		if err := l.prepareIncoming(rep, rec, msg.Timestamp); err != nil {
			return fail(err)
		}
	}
	if err := r.handleClone(batch, msg.Timestamp); err != nil {
		return fail(err)
	}
	l.acceptIncoming(batch, payload.Replicas)
	replication.ReplicasCloned(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), replication.BatchPayload{Count: len(batch), Direction: replica.Incoming.String()}, nil)
	return nil
}

func (l *Link) resolveClone(rec replicaRecord) (*replica.Replica, error) {
	if rec.EmplaceID == 0 {
		return l.createIncoming(rec)
	}
	r := l.replicator
	ctx, ok := r.emplaceContexts.MappedIDItem(rec.EmplaceContextID)
	if !ok {
		return nil, fmt.Errorf("%w: emplace context %d", ErrUnknownCacheID, rec.EmplaceContextID)
	}
	rep := r.index.emplacedReplica(ctx, rec.EmplaceID)
	if rep == nil || rep.IsLive() {
		return nil, fmt.Errorf("%w: no valid replica emplaced at %s:%d", ErrMalformedCommand, ctx, rec.EmplaceID)
	}
	return rep, nil
}

func (l *Link) receiveUninit(msg peer.Message, isForget bool) error {
	var payload batchPayload
	if err := decode(msg.Data, &payload); err != nil {
		return err
	}
	r := l.replicator
	batch := make([]*replica.Replica, 0, len(payload.Replicas))
	for _, rec := range payload.Replicas {
		rep := r.index.live[rec.ID]
		if rep == nil {
			r.logger.Printf("replicator: link %s: %s for unknown replica %d", l.link.ID(), commandName(msg.Type), rec.ID)
			continue
		}
		if channels := rep.Channels(); len(rec.Channels) == len(channels) {
			for i, cr := range rec.Channels {
				if len(cr.Data) == 0 {
					continue
				}
				if err := channels[i].Deserialize(cr.Data, replica.PhaseUninitialization, msg.Timestamp); err != nil {
					r.logger.Printf("replicator: link %s: final state of %s: %v", l.link.ID(), rep.DisplayName(), err)
				}
			}
		}
		batch = append(batch, rep)
	}
	if len(batch) == 0 {
		return nil
	}
	r.handleForget(batch, replica.Incoming, msg.Timestamp, isForget)
	payloadOut := replication.BatchPayload{Count: len(batch), Direction: replica.Incoming.String()}
	if isForget {
		replication.ReplicasForgotten(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), payloadOut, nil)
	} else {
		replication.ReplicasDestroyed(context.Background(), r.publisher, r.FrameID(), replicaRefs(batch), payloadOut, nil)
	}
	return nil
}

func (l *Link) receiveInterrupt(msg peer.Message) error {
	r := l.replicator
	forgotten, reverted := r.handleInterrupt(msg.Timestamp)
	replication.Interrupted(context.Background(), r.publisher, r.FrameID(), replication.RoutePayload{Command: commandName(msgInterrupt), Targeted: len(forgotten) + len(reverted)}, map[string]any{"forgotten": len(forgotten), "reverted": len(reverted)})
	return nil
}

func (l *Link) receiveReverseChannels(msg peer.Message) error {
	var payload reversePayload
	if err := decode(msg.Data, &payload); err != nil {
		return err
	}
	r := l.replicator
	for _, rec := range payload.Replicas {
		rep := r.index.live[rec.ID]
		if rep == nil || !l.HasReplica(rep) {
			continue
		}
		channels := rep.Channels()
		for i, id := range rec.Channels {
			if i < len(channels) && channels[i].Authority() == replica.AuthorityClient {
				l.mapIncoming(id, channels[i])
			}
		}
	}
	return nil
}

// receiveChange applies a change and, on a server relaying client-authority
// channels, forwards it to the other clients.
func (l *Link) receiveChange(msg peer.Message) error {
	r := l.replicator
	ch := l.incoming[msg.ChannelID]
	if ch == nil {
		r.logger.Printf("replicator: link %s: change on unknown channel %d", l.link.ID(), msg.ChannelID)
		return nil
	}
	rep := ch.Replica()
	if rep == nil || !rep.IsLive() {
		return nil
	}
	if !rep.Options().AcceptIncomingChanges || !ch.Type().Config().AcceptIncomingChanges {
		return nil
	}
	if r.IsServer() && (ch.Authority() != replica.AuthorityClient || l.replicatorID != rep.Options().AuthorityClient) {
		return nil
	}
	if err := ch.Deserialize(msg.Data, replica.PhaseChange, msg.Timestamp); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if !ch.HasChangedAtAll() {
		return nil
	}
	relay := ch.ShouldRelay()
	ch.ReactToPropertyChanges(msg.Timestamp, replica.PhaseChange, replica.Incoming, true, !relay)
	if relay {
		ch.SetChangeFlag(true)
		ch.ObserveAndReplicateChanges(msg.Timestamp, r.FrameID(), false, false, true)
	}
	return nil
}
