package replicator

import (
	"errors"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
)

// Embedder is the application the replicator serves. It owns replica
// memory: replicas handed to the replicator are borrowed, and replicas the
// replicator needs for incoming commands are built by CreateReplica.
type Embedder interface {
	// CreateReplica builds an invalid replica for an incoming spawn or clone.
	CreateReplica(createContext replica.CreateContext, replicaType replica.ReplicaType) (*replica.Replica, error)
	// ReleaseReplicas hands back replicas from an incoming batch that could
	// not be applied.
	ReleaseReplicas(replicas []*replica.Replica)

	OnValidReplica(r *replica.Replica)
	OnLiveReplica(r *replica.Replica)
	OnInvalidReplica(r *replica.Replica, isForget bool)
	OnReplicaChannelPropertyChange(now peer.Timestamp, phase replica.Phase, direction replica.Direction, p *replica.Property)
	OnConvergenceStateChange(p *replica.Property, from, to replica.ConvergenceState)

	AddingLink(link *Link)
	RemovingLink(link *Link)

	// ClientConnectRequest returns data attached to the connect request.
	ClientConnectRequest(link *Link) []byte
	// ServerOnConnectRequest accepts or denies a client. The response data
	// reaches ClientOnConnectResponse.
	ServerOnConnectRequest(link *Link, data []byte) (accept bool, response []byte)
	// ClientOnConnectResponse returns the data sent back in the connect
	// confirmation.
	ClientOnConnectResponse(link *Link, accepted bool, data []byte) []byte
	ServerOnConnectConfirmation(link *Link, data []byte)
}

var errNoReplicaFactory = errors.New("replicator: embedder cannot create replicas")

// BaseEmbedder implements every hook as a no-op and accepts every client.
// Embed it to override only the hooks you need.
type BaseEmbedder struct{}

func (BaseEmbedder) CreateReplica(replica.CreateContext, replica.ReplicaType) (*replica.Replica, error) {
	return nil, errNoReplicaFactory
}

func (BaseEmbedder) ReleaseReplicas([]*replica.Replica)                 {}
func (BaseEmbedder) OnValidReplica(*replica.Replica)                    {}
func (BaseEmbedder) OnLiveReplica(*replica.Replica)                     {}
func (BaseEmbedder) OnInvalidReplica(*replica.Replica, bool)            {}
func (BaseEmbedder) AddingLink(*Link)                                   {}
func (BaseEmbedder) RemovingLink(*Link)                                 {}
func (BaseEmbedder) ClientConnectRequest(*Link) []byte                  { return nil }
func (BaseEmbedder) ClientOnConnectResponse(*Link, bool, []byte) []byte { return nil }
func (BaseEmbedder) ServerOnConnectConfirmation(*Link, []byte)          {}

func (BaseEmbedder) OnConvergenceStateChange(*replica.Property, replica.ConvergenceState, replica.ConvergenceState) {
}

func (BaseEmbedder) OnReplicaChannelPropertyChange(peer.Timestamp, replica.Phase, replica.Direction, *replica.Property) {
}

func (BaseEmbedder) ServerOnConnectRequest(*Link, []byte) (bool, []byte) {
	return true, nil
}
