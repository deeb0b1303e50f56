package replica

import (
	"errors"
	"math"
	"time"

	"replicanet/server/internal/peer"
)

// PropertyTypeConfig is fixed once the type is registered with a replicator.
type PropertyTypeConfig struct {
	// UseDeltaThreshold ignores component changes smaller than DeltaThreshold.
	UseDeltaThreshold bool
	DeltaThreshold    float64

	// UseQuantization encodes each component as a step count of
	// DeltaThreshold within [QuantizationRangeMin, QuantizationRangeMax].
	UseQuantization      bool
	QuantizationRangeMin float64
	QuantizationRangeMax float64

	// UseInterpolation samples a curve through the last two received values.
	UseInterpolation   bool
	SampleTimeOffset   time.Duration
	ExtrapolationLimit time.Duration

	UseConvergence                 bool
	NotifyOnConvergenceStateChange bool
	ActiveConvergenceWeight        float64
	RestingConvergenceDuration     time.Duration
	ConvergenceInterval            int
	SnapThreshold                  float64
}

func DefaultPropertyTypeConfig() PropertyTypeConfig {
	return PropertyTypeConfig{
		SampleTimeOffset:           100 * time.Millisecond,
		ExtrapolationLimit:         time.Second,
		ActiveConvergenceWeight:    0.1,
		RestingConvergenceDuration: 50 * time.Millisecond,
		ConvergenceInterval:        1,
		SnapThreshold:              math.Inf(1),
	}
}

func (c PropertyTypeConfig) normalized() PropertyTypeConfig {
	c.ActiveConvergenceWeight = min(1, max(0, c.ActiveConvergenceWeight))
	c.RestingConvergenceDuration = min(time.Second, max(0, c.RestingConvergenceDuration))
	if c.ConvergenceInterval < 1 {
		c.ConvergenceInterval = 1
	}
	if c.SnapThreshold <= 0 || math.IsNaN(c.SnapThreshold) {
		c.SnapThreshold = math.Inf(1)
	}
	if c.DeltaThreshold < 0 {
		c.DeltaThreshold = 0
	}
	return c
}

func (c PropertyTypeConfig) quantizes() bool {
	return c.UseQuantization && c.DeltaThreshold > 0 && c.QuantizationRangeMax > c.QuantizationRangeMin
}

// PropertyType is shared configuration for properties and owns their
// convergence schedule.
type PropertyType struct {
	name    string
	cfg     PropertyTypeConfig
	host    Host
	active  schedule[*Property]
	resting schedule[*Property]
}

func NewPropertyType(name string, cfg PropertyTypeConfig) *PropertyType {
	return &PropertyType{name: name, cfg: cfg.normalized()}
}

func (t *PropertyType) Name() string {
	return t.name
}

func (t *PropertyType) Config() PropertyTypeConfig {
	return t.cfg
}

func (t *PropertyType) Host() Host {
	return t.host
}

// Attach registers the type with host and sizes its convergence schedule.
func (t *PropertyType) Attach(host Host) error {
	if t.host != nil {
		return errors.New("property type already attached")
	}
	t.active = newSchedule[*Property](t.cfg.ConvergenceInterval)
	t.resting = newSchedule[*Property](t.cfg.ConvergenceInterval)
	t.host = host
	return nil
}

// Scheduled reports the number of converging properties.
func (t *PropertyType) Scheduled() int {
	return t.active.len() + t.resting.len()
}

func (t *PropertyType) schedule(p *Property) {
	if t.host == nil || !t.cfg.UseConvergence || p.channel == nil || p.channel.replica == nil {
		return
	}
	ch := p.channel
	if ch.authority.Matches(t.host.Role()) && ch.typ.cfg.AuthorityMode == AuthorityFixed {
		return
	}
	switch p.convergence {
	case ConvergenceActive:
		t.active.insert(p)
	case ConvergenceResting:
		t.resting.insert(p)
	}
}

func (t *PropertyType) unschedule(p *Property) {
	if t.host == nil {
		return
	}
	switch p.convergence {
	case ConvergenceActive:
		t.active.remove(p)
	case ConvergenceResting:
		t.resting.remove(p)
	}
}

// ConvergeNow advances the properties due this frame. Properties that
// received a change this frame already converged on receipt.
func (t *PropertyType) ConvergeNow() {
	if t.host == nil || !t.cfg.UseConvergence {
		return
	}
	now, frame := t.host.LocalTime(), t.host.FrameID()
	for _, p := range t.active.due(frame) {
		if p.lastReceivedFrame != frame && p.convergence == ConvergenceActive {
			p.convergeActive(now)
		}
	}
	for _, p := range t.resting.due(frame) {
		if p.lastReceivedFrame != frame && p.convergence == ConvergenceResting {
			p.convergeResting(now)
		}
	}
}

func (t *PropertyType) sampleOffset() peer.Timestamp {
	return peer.Timestamp(t.cfg.SampleTimeOffset.Milliseconds())
}

func (t *PropertyType) extrapolationLimit() peer.Timestamp {
	return peer.Timestamp(t.cfg.ExtrapolationLimit.Milliseconds())
}
