package app

import (
	"errors"
	"fmt"
	"slices"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/profile"
	"replicanet/server/internal/replica"
	"replicanet/server/internal/replicator"
	"replicanet/server/internal/telemetry"
)

type NodeConfig struct {
	Role       replica.Role
	Profile    *profile.Profile
	Peer       peer.Config
	Replicator replicator.Config
	Logger     telemetry.Logger
}

// Node is one replication endpoint: a peer with a replicator plugged in and
// an embedder serving profile templates. Every method must run on the
// goroutine that updates the peer.
type Node struct {
	peer       *peer.Peer
	replicator *replicator.Replicator
	embedder   *sessionEmbedder
}

func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Profile == nil {
		return nil, errors.New("node: profile is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	p := peer.New(cfg.Peer)
	emb := newSessionEmbedder(cfg.Profile, logger)
	r := replicator.New(cfg.Replicator, emb)
	emb.r = r

	if err := r.SetRole(cfg.Role); err != nil {
		return nil, err
	}
	if err := profile.Apply(cfg.Profile, r); err != nil {
		return nil, err
	}
	if err := p.AddPlugin(r); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	return &Node{peer: p, replicator: r, embedder: emb}, nil
}

func (n *Node) Peer() *peer.Peer                   { return n.peer }
func (n *Node) Replicator() *replicator.Replicator { return n.replicator }

// Record returns the storage of a replica built by this node.
func (n *Node) Record(rep *replica.Replica) *profile.Record {
	return n.embedder.record(rep)
}

// Spawn builds a replica from the profile template and spawns it on every
// connected client. When the replica went live but no client accepted it,
// the replica is returned together with an error wrapping
// replicator.ErrRouteFailed.
func (n *Node) Spawn(createContext replica.CreateContext, replicaType replica.ReplicaType) (*replica.Replica, error) {
	if !n.replicator.IsServer() {
		return nil, errors.New("node: only a server spawns replicas")
	}
	rep, _, err := n.embedder.build(createContext, replicaType)
	if err != nil {
		return nil, err
	}
	if n.replicator.SpawnReplica(rep, replicator.RouteAll) {
		return rep, nil
	}
	if rep.IsInvalid() {
		n.embedder.ReleaseReplicas([]*replica.Replica{rep})
		return nil, fmt.Errorf("node: spawn %s: %w", replicaType, replicator.ErrIDExhausted)
	}
	return rep, fmt.Errorf("node: spawn %s: %w", replicaType, replicator.ErrRouteFailed)
}

// Destroy removes a live replica from the server and every client. found
// reports whether the replica existed; it is destroyed locally even when the
// returned error wraps replicator.ErrRouteFailed.
func (n *Node) Destroy(id replica.ID) (found bool, err error) {
	rep := n.replicator.Replica(id)
	if rep == nil || !n.replicator.IsServer() {
		return false, nil
	}
	if !n.replicator.DestroyReplica(rep, replicator.RouteAll) {
		return true, fmt.Errorf("node: destroy %d: %w", id, replicator.ErrRouteFailed)
	}
	return true, nil
}

// Close disconnects every link and detaches the replicator, forgetting
// every replica locally.
func (n *Node) Close() {
	n.peer.Close()
	n.peer.RemovePlugin(n.replicator)
}

type LinkDiagnostics struct {
	ID           string  `json:"id"`
	Remote       string  `json:"remote"`
	Status       string  `json:"status"`
	ReplicatorID uint8   `json:"replicatorId"`
	Replicas     int     `json:"replicas"`
	Queued       int     `json:"queued"`
	FrameFill    float64 `json:"frameFill"`
}

type Diagnostics struct {
	Role         string            `json:"role"`
	ReplicatorID uint8             `json:"replicatorId"`
	Frame        uint64            `json:"frame"`
	Replicas     int               `json:"replicas"`
	ByType       map[string]int    `json:"byType,omitempty"`
	Links        []LinkDiagnostics `json:"links"`
}

func (n *Node) Diagnostics() Diagnostics {
	d := Diagnostics{
		Role:         n.replicator.Role().String(),
		ReplicatorID: uint8(n.replicator.ReplicatorID()),
		Frame:        n.peer.FrameID(),
		Replicas:     n.replicator.ReplicaCount(),
		ByType:       make(map[string]int),
		Links:        []LinkDiagnostics{},
	}
	for _, rep := range n.replicator.Replicas() {
		d.ByType[string(rep.ReplicaType())]++
	}
	for _, pl := range n.peer.Links() {
		ld := LinkDiagnostics{
			ID:        pl.ID(),
			Remote:    pl.Remote(),
			Status:    pl.Status().String(),
			Queued:    pl.QueuedMessages(),
			FrameFill: pl.FrameFill(),
		}
		if l := replicator.LinkFor(pl); l != nil {
			ld.ReplicatorID = uint8(l.ReplicatorID())
			ld.Replicas = l.ReplicaCount()
		}
		d.Links = append(d.Links, ld)
	}
	slices.SortFunc(d.Links, func(a, b LinkDiagnostics) int { return int(a.ReplicatorID) - int(b.ReplicatorID) })
	return d
}
