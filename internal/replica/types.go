// Package replica models replicated objects: a Replica owns a fixed set of
// named channels, each channel owns named properties bound to embedder
// storage. Channel and property types carry the shared configuration and
// schedule their instances for per-frame change observation and convergence.
package replica

import "replicanet/server/internal/peer"

type (
	// ID identifies a live replica across a session. Zero is invalid.
	ID uint16
	// ReplicatorID identifies a client replicator. Zero means the server or
	// an unassigned client.
	ReplicatorID uint8
	// EmplaceID identifies an emplaced replica within its EmplaceContext.
	EmplaceID uint16
)

type (
	CreateContext  string
	ReplicaType    string
	EmplaceContext string
)

// Wire widths of the cached context keys.
const (
	CreateContextBits  = 10
	ReplicaTypeBits    = 12
	EmplaceContextBits = 11
)

type Role uint8

const (
	RoleUnspecified Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unspecified"
	}
}

// Authority decides which side observes a channel for outgoing changes.
type Authority uint8

const (
	AuthorityServer Authority = iota
	AuthorityClient
)

func (a Authority) String() string {
	if a == AuthorityClient {
		return "client"
	}
	return "server"
}

// Matches reports whether role holds this authority.
func (a Authority) Matches(role Role) bool {
	return (a == AuthorityServer && role == RoleServer) || (a == AuthorityClient && role == RoleClient)
}

type AuthorityMode uint8

const (
	// AuthorityFixed locks a channel's authority once its replica is valid.
	AuthorityFixed AuthorityMode = iota
	AuthorityDynamic
)

type State uint8

const (
	StateInvalid State = iota
	StateValid
	StateLive
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateLive:
		return "live"
	default:
		return "invalid"
	}
}

type Phase uint8

const (
	PhaseInitialization Phase = iota
	PhaseUninitialization
	PhaseChange
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialization:
		return "initialization"
	case PhaseUninitialization:
		return "uninitialization"
	default:
		return "change"
	}
}

type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

type DetectionMode uint8

const (
	// DetectAssume treats every observation as a change.
	DetectAssume DetectionMode = iota
	// DetectManual only honours the channel change flag.
	DetectManual
	// DetectAutomatic compares property values against their last values.
	DetectAutomatic
	// DetectManumatic combines the change flag with value comparison.
	DetectManumatic
)

type SerializationFlags uint8

const (
	OnSpawn SerializationFlags = 1 << iota
	OnCloneEmplace
	OnCloneSpawn
	OnForget
	OnDestroy
	OnChange

	SerializationFlagsDefault = OnSpawn | OnCloneEmplace | OnCloneSpawn | OnChange
	SerializationFlagsAll     = SerializationFlagsDefault | OnForget | OnDestroy
)

// SerializationMode selects whether a change carries every property or only
// the ones that changed.
type SerializationMode uint8

const (
	SerializeAll SerializationMode = iota
	SerializeChanged
)

type ReliabilityMode uint8

const (
	Reliable ReliabilityMode = iota
	Unreliable
)

type TransferMode uint8

const (
	Ordered TransferMode = iota
	Immediate
)

type ConvergenceState uint8

const (
	ConvergenceNone ConvergenceState = iota
	ConvergenceActive
	ConvergenceResting
)

func (c ConvergenceState) String() string {
	switch c {
	case ConvergenceActive:
		return "active"
	case ConvergenceResting:
		return "resting"
	default:
		return "none"
	}
}

// Host is the replicator a replica, channel type or property type is
// registered with.
type Host interface {
	Role() Role
	ReplicatorID() ReplicatorID
	LocalTime() peer.Timestamp
	FrameID() uint64
	// RouteChange sends ch's change to every link that knows its replica.
	// Relayed changes skip the replica's authority client.
	RouteChange(ch *Channel, relay bool, now peer.Timestamp) bool
	// PropertyChanged notifies the embedder of a property change.
	PropertyChanged(now peer.Timestamp, phase Phase, direction Direction, p *Property)
}

// ConvergenceObserver is implemented by hosts that want convergence state
// transitions of properties whose type enables NotifyOnConvergenceStateChange.
type ConvergenceObserver interface {
	ConvergenceStateChanged(p *Property, from, to ConvergenceState)
}
