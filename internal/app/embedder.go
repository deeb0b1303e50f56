package app

import (
	"replicanet/server/internal/profile"
	"replicanet/server/internal/replica"
	"replicanet/server/internal/replicator"
	"replicanet/server/internal/telemetry"
)

// ProtocolVersion is exchanged in the connect handshake. Clients with a
// different version are denied.
const ProtocolVersion = "replicanet/1"

// sessionEmbedder builds replicas from profile templates and keeps their
// storage until the replicator lets go of them.
type sessionEmbedder struct {
	replicator.BaseEmbedder

	profile *profile.Profile
	r       *replicator.Replicator
	logger  telemetry.Logger
	records map[*replica.Replica]*profile.Record
}

func newSessionEmbedder(p *profile.Profile, logger telemetry.Logger) *sessionEmbedder {
	return &sessionEmbedder{
		profile: p,
		logger:  logger,
		records: make(map[*replica.Replica]*profile.Record),
	}
}

func (e *sessionEmbedder) build(createContext replica.CreateContext, replicaType replica.ReplicaType) (*replica.Replica, *profile.Record, error) {
	rep, record, err := e.profile.Build(e.r, createContext, replicaType)
	if err != nil {
		return nil, nil, err
	}
	e.records[rep] = record
	return rep, record, nil
}

func (e *sessionEmbedder) record(rep *replica.Replica) *profile.Record {
	return e.records[rep]
}

func (e *sessionEmbedder) CreateReplica(createContext replica.CreateContext, replicaType replica.ReplicaType) (*replica.Replica, error) {
	rep, _, err := e.build(createContext, replicaType)
	return rep, err
}

func (e *sessionEmbedder) ReleaseReplicas(replicas []*replica.Replica) {
	for _, rep := range replicas {
		delete(e.records, rep)
	}
}

func (e *sessionEmbedder) OnInvalidReplica(rep *replica.Replica, isForget bool) {
	delete(e.records, rep)
}

func (e *sessionEmbedder) AddingLink(link *replicator.Link) {
	e.logger.Printf("link %s added (%s)", link.PeerLink().ID(), link.PeerLink().Remote())
}

func (e *sessionEmbedder) RemovingLink(link *replicator.Link) {
	e.logger.Printf("link %s removed (replicator %d)", link.PeerLink().ID(), link.ReplicatorID())
}

func (e *sessionEmbedder) ClientConnectRequest(*replicator.Link) []byte {
	return []byte(ProtocolVersion)
}

func (e *sessionEmbedder) ServerOnConnectRequest(link *replicator.Link, data []byte) (bool, []byte) {
	if string(data) != ProtocolVersion {
		e.logger.Printf("denying %s: protocol %q", link.PeerLink().Remote(), data)
		return false, []byte(ProtocolVersion)
	}
	return true, []byte(e.profile.Name)
}

func (e *sessionEmbedder) ClientOnConnectResponse(link *replicator.Link, accepted bool, data []byte) []byte {
	if !accepted {
		e.logger.Printf("server denied connection, it speaks %q", data)
		return nil
	}
	e.logger.Printf("connected as replicator %d to profile %q", link.ReplicatorID(), data)
	return nil
}

// ServerOnConnectConfirmation brings a new client up to date with every
// live replica.
func (e *sessionEmbedder) ServerOnConnectConfirmation(link *replicator.Link, _ []byte) {
	if e.r.ReplicaCount() == 0 {
		return
	}
	if !e.r.CloneAllReplicas(replicator.Include(link.ReplicatorID())) {
		e.logger.Printf("clone to replicator %d failed", link.ReplicatorID())
	}
}
