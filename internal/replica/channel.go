package replica

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"replicanet/server/internal/peer"
)

// Channel groups properties that change and replicate together.
type Channel struct {
	name       string
	typ        *ChannelType
	replica    *Replica
	properties []*Property

	authority       Authority
	changeFlag      bool
	napping         bool
	lastChangeFrame uint64
	lastChangeTime  peer.Timestamp
	slot            slot[*Channel]
}

// NewChannel groups properties under name. Properties are ordered by name
// and may belong to one channel only.
func NewChannel(name string, typ *ChannelType, properties ...*Property) (*Channel, error) {
	if name == "" {
		return nil, errors.New("channel name is empty")
	}
	if typ == nil {
		return nil, fmt.Errorf("channel %q: type is required", name)
	}
	if len(properties) == 0 {
		return nil, fmt.Errorf("channel %q: at least one property is required", name)
	}
	sorted := slices.Clone(properties)
	slices.SortFunc(sorted, func(a, b *Property) int { return strings.Compare(a.name, b.name) })
	for i, p := range sorted {
		if p == nil {
			return nil, fmt.Errorf("channel %q: nil property", name)
		}
		if p.channel != nil {
			return nil, fmt.Errorf("channel %q: property %q already belongs to channel %q", name, p.name, p.channel.name)
		}
		if i > 0 && sorted[i-1].name == p.name {
			return nil, fmt.Errorf("channel %q: duplicate property %q", name, p.name)
		}
	}
	ch := &Channel{
		name:           name,
		typ:            typ,
		properties:     sorted,
		authority:      typ.cfg.AuthorityDefault,
		lastChangeTime: peer.InvalidTimestamp,
	}
	for _, p := range sorted {
		p.channel = ch
	}
	return ch, nil
}

func (c *Channel) scheduleSlot() *slot[*Channel] {
	return &c.slot
}

func (c *Channel) Name() string       { return c.name }
func (c *Channel) Type() *ChannelType { return c.typ }
func (c *Channel) Replica() *Replica  { return c.replica }

func (c *Channel) Properties() []*Property {
	return slices.Clone(c.properties)
}

// Property looks up a property by name.
func (c *Channel) Property(name string) *Property {
	i, ok := slices.BinarySearchFunc(c.properties, name, func(p *Property, n string) int { return strings.Compare(p.name, n) })
	if !ok {
		return nil
	}
	return c.properties[i]
}

func (c *Channel) Authority() Authority {
	return c.authority
}

// SetAuthority changes the channel authority. Fixed-authority channels
// cannot change once their replica is valid.
func (c *Channel) SetAuthority(authority Authority) error {
	if c.replica != nil && c.replica.state != StateInvalid && c.typ.cfg.AuthorityMode == AuthorityFixed {
		return fmt.Errorf("channel %q: authority is fixed while the replica is %s", c.name, c.replica.state)
	}
	c.authority = authority
	return nil
}

// SetChangeFlag marks the channel changed for Manual and Manumatic
// detection.
func (c *Channel) SetChangeFlag(changed bool) {
	c.changeFlag = changed
}

func (c *Channel) ChangeFlag() bool {
	return c.changeFlag
}

func (c *Channel) checkChangeFlag() bool {
	v := c.changeFlag
	c.changeFlag = false
	return v
}

func (c *Channel) IsScheduled() bool {
	return c.slot.bucket != nil
}

func (c *Channel) IsNapping() bool {
	return c.napping
}

func (c *Channel) LastChangeFrame() uint64 {
	return c.lastChangeFrame
}

func (c *Channel) LastChangeTime() peer.Timestamp {
	return c.lastChangeTime
}

// HasChangedAtAll reports whether any property differs from its last value.
func (c *Channel) HasChangedAtAll() bool {
	for _, p := range c.properties {
		if p.HasChangedAtAll() {
			return true
		}
	}
	return false
}

// ShouldRelay reports whether the server forwards this channel's incoming
// changes to the other clients.
func (c *Channel) ShouldRelay() bool {
	host := c.host()
	return host != nil && host.Role() == RoleServer && c.authority == AuthorityClient && c.typ.cfg.AllowRelay
}

func (c *Channel) host() Host {
	if c.replica != nil && c.replica.host != nil {
		return c.replica.host
	}
	return c.typ.host
}

func (c *Channel) wakeUp() {
	c.typ.Unschedule(c)
	c.napping = false
	c.typ.Schedule(c)
}

func (c *Channel) takeNap() {
	c.typ.Unschedule(c)
	c.napping = true
	c.typ.Schedule(c)
}

func (c *Channel) observeForChange() bool {
	changed := false
	for _, p := range c.properties {
		if p.HasChanged() {
			changed = true
			break
		}
	}
	switch c.typ.cfg.DetectionMode {
	case DetectAssume:
		return true
	case DetectManual:
		return c.checkChangeFlag()
	case DetectAutomatic:
		return changed
	default:
		return c.checkChangeFlag() || changed
	}
}

// ObserveAndReplicateChanges detects a change on this channel and routes
// it. Relays skip the authority checks because the server forwards a change
// it did not author.
func (c *Channel) ObserveAndReplicateChanges(now peer.Timestamp, frame uint64, forceObservation, forceReplication, relay bool) bool {
	r := c.replica
	host := c.host()
	if r == nil || host == nil {
		return false
	}
	if !forceObservation && !r.opts.DetectOutgoingChanges {
		return true
	}
	if !relay {
		if !c.authority.Matches(host.Role()) {
			return true
		}
		if host.Role() == RoleClient && host.ReplicatorID() != r.opts.AuthorityClient {
			return true
		}
	}

	if !c.observeForChange() {
		if !c.napping && frame-c.lastChangeFrame >= c.typ.cfg.AwakeDuration && r.opts.AllowNapping && c.typ.cfg.AllowNapping {
			c.takeNap()
		}
		return true
	}

	ok := true
	if c.typ.cfg.SerializationFlags&OnChange != 0 || forceReplication {
		ok = host.RouteChange(c, relay, now)
	}
	if c.napping {
		c.wakeUp()
	}
	c.lastChangeFrame = frame
	c.ReactToPropertyChanges(now, PhaseChange, Outgoing, true, true)
	return ok
}

// ReactToPropertyChanges notifies and records property changes.
func (c *Channel) ReactToPropertyChanges(now peer.Timestamp, phase Phase, direction Direction, notify, setLast bool) {
	for _, p := range c.properties {
		p.reactToChanges(now, phase, direction, notify, setLast)
	}
}

type channelPayload struct {
	Changed []bool               `msgpack:"c,omitempty"`
	Values  []msgpack.RawMessage `msgpack:"v"`
}

// Serialize encodes the channel's property values. Initialization and
// single-property channels always carry every value.
func (c *Channel) Serialize(phase Phase) ([]byte, error) {
	var payload channelPayload
	all := c.typ.cfg.SerializationMode == SerializeAll || len(c.properties) == 1 || phase == PhaseInitialization
	if !all {
		payload.Changed = make([]bool, len(c.properties))
	}
	for i, p := range c.properties {
		if !all {
			if !p.HasChanged() {
				continue
			}
			payload.Changed[i] = true
		}
		data, err := p.encode()
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", c.name, err)
		}
		payload.Values = append(payload.Values, data)
	}
	data, err := msgpack.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("channel %q: encode: %w", c.name, err)
	}
	return data, nil
}

// Deserialize applies a payload produced by Serialize.
func (c *Channel) Deserialize(data []byte, phase Phase, now peer.Timestamp) error {
	var payload channelPayload
	if err := msgpack.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("channel %q: decode: %w", c.name, err)
	}
	next := 0
	for i, p := range c.properties {
		if payload.Changed != nil {
			if i >= len(payload.Changed) {
				return fmt.Errorf("channel %q: truncated change mask", c.name)
			}
			if !payload.Changed[i] {
				continue
			}
		}
		if next >= len(payload.Values) {
			return fmt.Errorf("channel %q: missing value for property %q", c.name, p.name)
		}
		if err := p.apply(payload.Values[next], phase, now); err != nil {
			return fmt.Errorf("channel %q: %w", c.name, err)
		}
		next++
	}
	return nil
}
