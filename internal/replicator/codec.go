package replicator

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
)

const (
	msgConnectConfirmation = peer.UserMessageStart + iota
	msgCreateContextItems
	msgReplicaTypeItems
	msgEmplaceContextItems
	msgSpawn
	msgClone
	msgForget
	msgDestroy
	msgChange
	msgInterrupt
	msgReverseReplicaChannels
)

func commandName(t peer.MessageType) string {
	switch t {
	case msgConnectConfirmation:
		return "connect_confirmation"
	case msgCreateContextItems:
		return "create_context_items"
	case msgReplicaTypeItems:
		return "replica_type_items"
	case msgEmplaceContextItems:
		return "emplace_context_items"
	case msgSpawn:
		return "spawn"
	case msgClone:
		return "clone"
	case msgForget:
		return "forget"
	case msgDestroy:
		return "destroy"
	case msgChange:
		return "change"
	case msgInterrupt:
		return "interrupt"
	case msgReverseReplicaChannels:
		return "reverse_replica_channels"
	default:
		return fmt.Sprintf("message_%d", t)
	}
}

// replicaRecord describes one replica of a lifecycle command. Channels are
// listed in the replica's channel order.
type replicaRecord struct {
	ID               replica.ID           `msgpack:"i"`
	CreateContextID  uint16               `msgpack:"c,omitempty"`
	ReplicaTypeID    uint16               `msgpack:"t,omitempty"`
	EmplaceContextID uint16               `msgpack:"ec,omitempty"`
	EmplaceID        replica.EmplaceID    `msgpack:"ei,omitempty"`
	AuthorityClient  replica.ReplicatorID `msgpack:"ac,omitempty"`
	Channels         []channelRecord      `msgpack:"ch,omitempty"`
}

type channelRecord struct {
	ID        uint16            `msgpack:"i,omitempty"`
	Authority replica.Authority `msgpack:"a,omitempty"`
	Data      []byte            `msgpack:"d,omitempty"`
}

type batchPayload struct {
	Replicas []replicaRecord `msgpack:"r"`
}

// reverseRecord carries the channel ids a client opened for the
// client-authority channels of one replica, indexed by channel order. Zero
// means the channel has no reverse id.
type reverseRecord struct {
	ID       replica.ID `msgpack:"i"`
	Channels []uint16   `msgpack:"c"`
}

type reversePayload struct {
	Replicas []reverseRecord `msgpack:"r"`
}

type connectResponseData struct {
	ReplicatorID replica.ReplicatorID `msgpack:"id"`
	Data         []byte               `msgpack:"d,omitempty"`
}

type confirmationData struct {
	Data []byte `msgpack:"d,omitempty"`
}

func encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

func decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", ErrMalformedCommand, v, err)
	}
	return nil
}
