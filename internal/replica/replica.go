package replica

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"replicanet/server/internal/peer"
)

// Options are per-replica replication settings.
type Options struct {
	DetectOutgoingChanges bool
	AcceptIncomingChanges bool
	AllowNapping          bool

	AccurateTimestampOnInitialization   bool
	AccurateTimestampOnUninitialization bool
	AccurateTimestampOnChange           bool

	// AuthorityClient is the client allowed to change client-authority
	// channels.
	AuthorityClient ReplicatorID
	DisplayName     string
}

func DefaultOptions() Options {
	return Options{
		DetectOutgoingChanges: true,
		AcceptIncomingChanges: true,
		AllowNapping:          true,
	}
}

// Replica is an object kept consistent between the server and its clients.
// Its memory belongs to the embedder; a replicator only indexes it.
type Replica struct {
	id             ID
	emplaceID      EmplaceID
	createContext  CreateContext
	replicaType    ReplicaType
	emplaceContext EmplaceContext

	initTime       peer.Timestamp
	lastChangeTime peer.Timestamp
	uninitTime     peer.Timestamp

	state    State
	cloned   bool
	host     Host
	channels []*Channel
	opts     Options
}

// New builds an invalid replica. Channels are ordered by name and cannot be
// added later.
func New(createContext CreateContext, replicaType ReplicaType, opts Options, channels ...*Channel) (*Replica, error) {
	if createContext == "" || replicaType == "" {
		return nil, errors.New("replica: create context and replica type are required")
	}
	sorted := slices.Clone(channels)
	slices.SortFunc(sorted, func(a, b *Channel) int { return strings.Compare(a.name, b.name) })
	for i, ch := range sorted {
		if ch == nil {
			return nil, errors.New("replica: nil channel")
		}
		if ch.replica != nil {
			return nil, fmt.Errorf("replica: channel %q already belongs to a replica", ch.name)
		}
		if i > 0 && sorted[i-1].name == ch.name {
			return nil, fmt.Errorf("replica: duplicate channel %q", ch.name)
		}
	}
	r := &Replica{
		createContext:  createContext,
		replicaType:    replicaType,
		initTime:       peer.InvalidTimestamp,
		lastChangeTime: peer.InvalidTimestamp,
		uninitTime:     peer.InvalidTimestamp,
		channels:       sorted,
		opts:           opts,
	}
	for _, ch := range sorted {
		ch.replica = r
	}
	return r, nil
}

func (r *Replica) ID() ID                         { return r.id }
func (r *Replica) EmplaceID() EmplaceID           { return r.emplaceID }
func (r *Replica) CreateContext() CreateContext   { return r.createContext }
func (r *Replica) ReplicaType() ReplicaType       { return r.replicaType }
func (r *Replica) EmplaceContext() EmplaceContext { return r.emplaceContext }
func (r *Replica) State() State                   { return r.state }
func (r *Replica) Options() Options               { return r.opts }
func (r *Replica) Host() Host                     { return r.host }

func (r *Replica) InitializationTime() peer.Timestamp   { return r.initTime }
func (r *Replica) LastChangeTime() peer.Timestamp       { return r.lastChangeTime }
func (r *Replica) UninitializationTime() peer.Timestamp { return r.uninitTime }

func (r *Replica) IsInvalid() bool { return r.state == StateInvalid }

// IsValid reports whether the replica is valid or live.
func (r *Replica) IsValid() bool { return r.state != StateInvalid }
func (r *Replica) IsLive() bool  { return r.state == StateLive }

// IsEmplaced reports whether the replica carries an emplace identity.
func (r *Replica) IsEmplaced() bool {
	return r.emplaceID != 0
}

func (r *Replica) IsSpawned() bool {
	return r.emplaceID == 0
}

// IsCloned reports whether the replica arrived through a clone command.
func (r *Replica) IsCloned() bool {
	return r.cloned
}

func (r *Replica) Channels() []*Channel {
	return slices.Clone(r.channels)
}

// Channel looks up a channel by name.
func (r *Replica) Channel(name string) *Channel {
	i, ok := slices.BinarySearchFunc(r.channels, name, func(ch *Channel, n string) int { return strings.Compare(ch.name, n) })
	if !ok {
		return nil
	}
	return r.channels[i]
}

func (r *Replica) SetOptions(opts Options) {
	r.opts = opts
}

func (r *Replica) SetAuthorityClient(id ReplicatorID) {
	r.opts.AuthorityClient = id
}

// DisplayName describes the replica for logs.
func (r *Replica) DisplayName() string {
	if r.opts.DisplayName != "" {
		return r.opts.DisplayName
	}
	if r.emplaceID != 0 {
		return fmt.Sprintf("%s/%s#%d[%s:%d]", r.createContext, r.replicaType, r.id, r.emplaceContext, r.emplaceID)
	}
	return fmt.Sprintf("%s/%s#%d", r.createContext, r.replicaType, r.id)
}

// The setters below are driven by the replicator as the replica moves
// through its lifecycle.

func (r *Replica) SetID(id ID)                        { r.id = id }
func (r *Replica) SetEmplaceID(id EmplaceID)          { r.emplaceID = id }
func (r *Replica) SetEmplaceContext(c EmplaceContext) { r.emplaceContext = c }
func (r *Replica) SetState(s State)                   { r.state = s }
func (r *Replica) SetCloned(cloned bool)              { r.cloned = cloned }

func (r *Replica) SetInitializationTime(t peer.Timestamp)   { r.initTime = t }
func (r *Replica) SetUninitializationTime(t peer.Timestamp) { r.uninitTime = t }

// Attach records the replicator indexing this replica; nil detaches it.
func (r *Replica) Attach(host Host) {
	r.host = host
}

// ReactToChannelPropertyChanges reacts on every channel.
func (r *Replica) ReactToChannelPropertyChanges(now peer.Timestamp, phase Phase, direction Direction, notify bool) {
	for _, ch := range r.channels {
		ch.ReactToPropertyChanges(now, phase, direction, notify, true)
	}
}

// ScheduleChannels schedules every channel for change observation. Each
// channel starts a fresh awake period at the host's current frame.
func (r *Replica) ScheduleChannels() {
	for _, ch := range r.channels {
		if host := ch.host(); host != nil {
			ch.lastChangeFrame = host.FrameID()
		}
		ch.typ.Schedule(ch)
	}
}

// UnscheduleChannels stops change observation and convergence, and wakes
// every channel.
func (r *Replica) UnscheduleChannels() {
	for _, ch := range r.channels {
		ch.typ.Unschedule(ch)
		ch.napping = false
		ch.lastChangeFrame = 0
		ch.lastChangeTime = peer.InvalidTimestamp
		for _, p := range ch.properties {
			p.SetConvergenceState(ConvergenceNone)
		}
	}
}

// Invalidate unschedules all replication work for the replica and clears
// its timestamps.
func (r *Replica) Invalidate() {
	r.UnscheduleChannels()
	r.initTime = peer.InvalidTimestamp
	r.lastChangeTime = peer.InvalidTimestamp
	r.uninitTime = peer.InvalidTimestamp
}
