package replica

import (
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"replicanet/server/internal/peer"
)

type curveSample struct {
	at    peer.Timestamp
	value []float64
}

// Property is a single replicated value.
type Property struct {
	name     string
	typ      *PropertyType
	channel  *Channel
	accessor Accessor
	kind     Kind

	lastValue      any
	lastChangeTime peer.Timestamp

	lastReceived      any
	lastReceivedTime  peer.Timestamp
	lastReceivedFrame uint64
	curve             []curveSample

	convergence ConvergenceState
	slot        slot[*Property]
}

// NewProperty binds accessor under name. The kind is taken from the current
// value of the accessor.
func NewProperty(name string, typ *PropertyType, accessor Accessor) (*Property, error) {
	if name == "" {
		return nil, errors.New("property name is empty")
	}
	if typ == nil || accessor == nil {
		return nil, fmt.Errorf("property %q: type and accessor are required", name)
	}
	kind := kindOf(accessor.Get())
	if kind == KindInvalid {
		return nil, fmt.Errorf("property %q: unsupported value type %T", name, accessor.Get())
	}
	cfg := typ.Config()
	if !kind.Arithmetic() && (cfg.UseDeltaThreshold || cfg.UseQuantization || cfg.UseInterpolation || cfg.UseConvergence) {
		return nil, fmt.Errorf("property %q: %s values do not support arithmetic options of type %q", name, kind, typ.Name())
	}
	return &Property{
		name:             name,
		typ:              typ,
		accessor:         accessor,
		kind:             kind,
		lastChangeTime:   peer.InvalidTimestamp,
		lastReceivedTime: peer.InvalidTimestamp,
	}, nil
}

func (p *Property) scheduleSlot() *slot[*Property] {
	return &p.slot
}

func (p *Property) Name() string        { return p.name }
func (p *Property) Type() *PropertyType { return p.typ }
func (p *Property) Kind() Kind          { return p.kind }
func (p *Property) Channel() *Channel   { return p.channel }

// Value reads the bound storage.
func (p *Property) Value() any {
	return p.accessor.Get()
}

func (p *Property) LastValue() any {
	return cloneValue(p.lastValue)
}

func (p *Property) LastChangeTime() peer.Timestamp {
	return p.lastChangeTime
}

// LastReceivedValue is the most recent value received from the authority.
func (p *Property) LastReceivedValue() any {
	return cloneValue(p.lastReceived)
}

func (p *Property) LastReceivedTime() peer.Timestamp {
	return p.lastReceivedTime
}

func (p *Property) ConvergenceState() ConvergenceState {
	return p.convergence
}

// Replica returns the owning replica, if the property belongs to a channel.
func (p *Property) Replica() *Replica {
	if p.channel == nil {
		return nil
	}
	return p.channel.replica
}

// SetValue writes through the accessor.
func (p *Property) SetValue(v any) {
	p.accessor.Set(v)
}

// HasChangedAtAll compares the current and last values exactly.
func (p *Property) HasChangedAtAll() bool {
	return !equalValues(p.accessor.Get(), p.lastValue)
}

// HasChanged compares the current and last values, honouring the type's
// delta threshold.
func (p *Property) HasChanged() bool {
	current := p.accessor.Get()
	if !p.kind.Arithmetic() || p.lastValue == nil {
		return !equalValues(current, p.lastValue)
	}
	cur, last := components(current), components(p.lastValue)
	if len(cur) != len(last) {
		return true
	}
	cfg := p.typ.cfg
	for i := range cur {
		if cfg.UseDeltaThreshold {
			if math.Abs(cur[i]-last[i]) > cfg.DeltaThreshold {
				return true
			}
		} else if cur[i] != last[i] {
			return true
		}
	}
	return false
}

// updateLastValue stores the current value. With a delta threshold only the
// components past the threshold move, so slow drift still accumulates.
func (p *Property) updateLastValue(forceAll bool) {
	current := p.accessor.Get()
	if forceAll || !p.kind.Arithmetic() || !p.typ.cfg.UseDeltaThreshold || p.lastValue == nil {
		p.lastValue = current
		return
	}
	cur, last := components(current), components(p.lastValue)
	if len(cur) != len(last) {
		p.lastValue = current
		return
	}
	next := make([]float64, len(cur))
	for i := range cur {
		if math.Abs(cur[i]-last[i]) > p.typ.cfg.DeltaThreshold {
			next[i] = cur[i]
		} else {
			next[i] = last[i]
		}
	}
	p.lastValue = fromComponents(p.kind, next)
}

// SetConvergenceState moves the property between convergence schedules.
func (p *Property) SetConvergenceState(state ConvergenceState) {
	if p.convergence == state {
		return
	}
	p.typ.unschedule(p)
	previous := p.convergence
	p.convergence = state
	if state != ConvergenceNone {
		p.typ.schedule(p)
	}
	if !p.typ.cfg.NotifyOnConvergenceStateChange {
		return
	}
	if observer, ok := p.typ.host.(ConvergenceObserver); ok {
		observer.ConvergenceStateChanged(p, previous, state)
	}
}

func (p *Property) reactToChanges(now peer.Timestamp, phase Phase, direction Direction, notify, setLast bool) {
	var changed bool
	if phase == PhaseInitialization || direction == Incoming {
		changed = p.HasChangedAtAll()
	} else {
		changed = p.HasChanged()
	}
	if !changed {
		return
	}
	if notify && p.channel != nil {
		cfg := p.channel.typ.cfg
		should := cfg.NotifyOnOutgoingPropertyChange
		if direction == Incoming {
			should = cfg.NotifyOnIncomingPropertyChange
		}
		if host := p.channel.host(); should && host != nil {
			host.PropertyChanged(now, phase, direction, p)
		}
	}
	if setLast {
		p.updateLastValue(phase == PhaseInitialization)
		p.lastChangeTime = now
		if p.channel != nil {
			p.channel.lastChangeTime = now
			if p.channel.replica != nil {
				p.channel.replica.lastChangeTime = now
			}
		}
	}
}

func (p *Property) encode() (msgpack.RawMessage, error) {
	value := p.accessor.Get()
	if p.typ.cfg.quantizes() {
		cfg := p.typ.cfg
		comps := components(value)
		steps := make([]uint64, len(comps))
		for i, c := range comps {
			c = min(cfg.QuantizationRangeMax, max(cfg.QuantizationRangeMin, c))
			steps[i] = uint64(math.Round((c - cfg.QuantizationRangeMin) / cfg.DeltaThreshold))
		}
		return encodeValue(steps)
	}
	return encodeValue(value)
}

func (p *Property) decode(data []byte) (any, error) {
	if p.typ.cfg.quantizes() {
		var steps []uint64
		if err := msgpack.Unmarshal(data, &steps); err != nil {
			return nil, fmt.Errorf("decode property %q: %w", p.name, err)
		}
		cfg := p.typ.cfg
		comps := make([]float64, len(steps))
		for i, s := range steps {
			comps[i] = min(cfg.QuantizationRangeMax, cfg.QuantizationRangeMin+float64(s)*cfg.DeltaThreshold)
		}
		if len(comps) == 0 {
			return nil, fmt.Errorf("decode property %q: empty quantized value", p.name)
		}
		return fromComponents(p.kind, comps), nil
	}
	value, err := decodeValue(p.kind, data)
	if err != nil {
		return nil, fmt.Errorf("decode property %q: %w", p.name, err)
	}
	return value, nil
}

// apply installs a received value. Initialization sets it directly; later
// changes snap or converge according to the type.
func (p *Property) apply(data []byte, phase Phase, now peer.Timestamp) error {
	value, err := p.decode(data)
	if err != nil {
		return err
	}
	if !p.kind.Arithmetic() {
		p.SetValue(value)
		return nil
	}
	cfg := p.typ.cfg
	if cfg.UseInterpolation {
		p.updateCurve(now, components(value))
	}
	p.lastReceived = value
	p.lastReceivedTime = now
	if host := p.typ.host; host != nil {
		p.lastReceivedFrame = host.FrameID()
	}

	if phase == PhaseInitialization {
		p.SetValue(value)
		return nil
	}
	local := p.localTime(now)
	if cfg.UseConvergence {
		p.SetConvergenceState(ConvergenceActive)
		p.convergeActive(local)
	} else {
		p.snap(local)
	}
	return nil
}

func (p *Property) localTime(fallback peer.Timestamp) peer.Timestamp {
	if host := p.typ.host; host != nil {
		return host.LocalTime()
	}
	return fallback
}

func (p *Property) updateCurve(at peer.Timestamp, value []float64) {
	sample := curveSample{at: at, value: value}
	switch {
	case len(p.curve) == 0:
		p.curve = []curveSample{sample}
	case at >= p.curve[len(p.curve)-1].at:
		p.curve = append(p.curve, sample)
		if len(p.curve) > 2 {
			p.curve = p.curve[len(p.curve)-2:]
		}
	case len(p.curve) == 1:
		p.curve = []curveSample{sample, p.curve[0]}
	case at > p.curve[0].at:
		p.curve[0] = sample
	}
}

// sampleCurve extrapolates linearly through the last two received values.
func (p *Property) sampleCurve(at peer.Timestamp) any {
	switch len(p.curve) {
	case 0:
		return nil
	case 1:
		return fromComponents(p.kind, p.curve[0].value)
	}
	a, b := p.curve[0], p.curve[1]
	if b.at == a.at || len(a.value) != len(b.value) {
		return fromComponents(p.kind, b.value)
	}
	t := float64(at-a.at) / float64(b.at-a.at)
	out := make([]float64, len(b.value))
	for i := range out {
		out[i] = a.value[i] + (b.value[i]-a.value[i])*t
	}
	return fromComponents(p.kind, out)
}

func (p *Property) maxSampleTime() peer.Timestamp {
	return p.lastReceivedTime + p.typ.extrapolationLimit()
}

func (p *Property) sampleTime(now peer.Timestamp) peer.Timestamp {
	return min(now+p.typ.sampleOffset(), p.maxSampleTime())
}

func (p *Property) resting(now peer.Timestamp) bool {
	return now+p.typ.sampleOffset() > p.maxSampleTime()
}

func (p *Property) restingWeight(now peer.Timestamp) float64 {
	elapsed := now + p.typ.sampleOffset() - p.maxSampleTime()
	return inverseLerpClamped(float64(elapsed), 0, float64(p.typ.cfg.RestingConvergenceDuration.Milliseconds()))
}

func (p *Property) target(now peer.Timestamp) any {
	if p.typ.cfg.UseInterpolation {
		return p.sampleCurve(p.sampleTime(now))
	}
	return p.lastReceived
}

func (p *Property) snap(now peer.Timestamp) {
	if target := p.target(now); target != nil {
		p.SetValue(target)
	}
}

func (p *Property) convergeActive(now peer.Timestamp) {
	if p.resting(now) {
		p.SetConvergenceState(ConvergenceResting)
		p.convergeResting(now)
		return
	}
	if target := p.target(now); target != nil {
		p.convergeToward(target, p.typ.cfg.ActiveConvergenceWeight)
	}
}

func (p *Property) convergeResting(now peer.Timestamp) {
	if p.lastReceived == nil {
		return
	}
	weight := p.restingWeight(now)
	p.convergeToward(p.lastReceived, weight)
	if weight >= 1 {
		p.SetConvergenceState(ConvergenceNone)
	}
}

func (p *Property) convergeToward(target any, weight float64) {
	cur, tgt := components(p.accessor.Get()), components(target)
	if len(cur) != len(tgt) {
		p.SetValue(target)
		return
	}
	out := make([]float64, len(cur))
	for i := range cur {
		if math.Abs(cur[i]-tgt[i]) > p.typ.cfg.SnapThreshold {
			out[i] = tgt[i]
			continue
		}
		out[i] = convergeComponent(p.kind, cur[i], tgt[i], weight)
	}
	p.SetValue(fromComponents(p.kind, out))
}
