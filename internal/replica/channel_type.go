package replica

import "errors"

// ChannelTypeConfig is fixed once the type is registered with a replicator.
type ChannelTypeConfig struct {
	DetectOutgoingChanges          bool
	AcceptIncomingChanges          bool
	NotifyOnOutgoingPropertyChange bool
	NotifyOnIncomingPropertyChange bool
	AuthorityMode                  AuthorityMode
	AuthorityDefault               Authority
	// AllowRelay lets the server forward client-authority changes to the
	// other clients as soon as they arrive.
	AllowRelay   bool
	AllowNapping bool
	// AwakeDuration is the number of frames without a change before an
	// awake channel naps.
	AwakeDuration          uint64
	DetectionMode          DetectionMode
	AwakeDetectionInterval int
	NapDetectionInterval   int
	SerializationFlags     SerializationFlags
	SerializationMode      SerializationMode
	// ReliabilityMode marks change messages reliable or not. A saturated
	// link drops unreliable changes instead of failing the route.
	ReliabilityMode ReliabilityMode
	// TransferMode is an advisory hint for transports that can deliver out
	// of order. The bundled transports are ordered and ignore it.
	TransferMode TransferMode

	AccurateTimestampOnChange bool
}

func DefaultChannelTypeConfig() ChannelTypeConfig {
	return ChannelTypeConfig{
		DetectOutgoingChanges:  true,
		AcceptIncomingChanges:  true,
		AuthorityMode:          AuthorityFixed,
		AuthorityDefault:       AuthorityServer,
		AllowRelay:             true,
		AllowNapping:           true,
		AwakeDuration:          10,
		DetectionMode:          DetectManumatic,
		AwakeDetectionInterval: 1,
		NapDetectionInterval:   2,
		SerializationFlags:     SerializationFlagsDefault,
		SerializationMode:      SerializeAll,
		ReliabilityMode:        Reliable,
		TransferMode:           Ordered,
	}
}

// ChannelType is shared configuration for channels and owns their change
// observation schedule.
type ChannelType struct {
	name    string
	cfg     ChannelTypeConfig
	host    Host
	awake   schedule[*Channel]
	napping schedule[*Channel]
}

func NewChannelType(name string, cfg ChannelTypeConfig) *ChannelType {
	if cfg.AwakeDetectionInterval < 1 {
		cfg.AwakeDetectionInterval = 1
	}
	if cfg.NapDetectionInterval < 1 {
		cfg.NapDetectionInterval = 1
	}
	return &ChannelType{name: name, cfg: cfg}
}

func (t *ChannelType) Name() string {
	return t.name
}

func (t *ChannelType) Config() ChannelTypeConfig {
	return t.cfg
}

func (t *ChannelType) Host() Host {
	return t.host
}

// Attach registers the type with host and sizes its schedules.
func (t *ChannelType) Attach(host Host) error {
	if t.host != nil {
		return errors.New("channel type already attached")
	}
	t.awake = newSchedule[*Channel](t.cfg.AwakeDetectionInterval)
	t.napping = newSchedule[*Channel](t.cfg.NapDetectionInterval)
	t.host = host
	return nil
}

// Awake and Napping report scheduled channel counts.
func (t *ChannelType) Awake() int   { return t.awake.len() }
func (t *ChannelType) Napping() int { return t.napping.len() }

// Schedule adds ch to the observation schedule. Channels whose authority
// can never match this side are skipped.
func (t *ChannelType) Schedule(ch *Channel) {
	if t.host == nil || ch.replica == nil || ch.replica.state == StateInvalid {
		return
	}
	if !t.cfg.DetectOutgoingChanges {
		return
	}
	if !ch.authority.Matches(t.host.Role()) && t.cfg.AuthorityMode == AuthorityFixed {
		return
	}
	if ch.napping {
		t.napping.insert(ch)
	} else {
		t.awake.insert(ch)
	}
}

func (t *ChannelType) Unschedule(ch *Channel) {
	if t.host == nil {
		return
	}
	if ch.napping {
		t.napping.remove(ch)
	} else {
		t.awake.remove(ch)
	}
}

// ObserveAndReplicateChanges observes the awake and napping channels due on
// the current frame.
func (t *ChannelType) ObserveAndReplicateChanges() {
	if t.host == nil || !t.cfg.DetectOutgoingChanges {
		return
	}
	now, frame := t.host.LocalTime(), t.host.FrameID()
	for _, ch := range t.awake.due(frame) {
		ch.ObserveAndReplicateChanges(now, frame, false, false, false)
	}
	for _, ch := range t.napping.due(frame) {
		ch.ObserveAndReplicateChanges(now, frame, false, false, false)
	}
}
