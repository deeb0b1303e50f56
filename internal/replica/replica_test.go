package replica

import (
	"math"
	"testing"
	"time"

	"replicanet/server/internal/peer"
)

type fakeHost struct {
	role   Role
	id     ReplicatorID
	now    peer.Timestamp
	frame  uint64
	routed []*Channel
	relays []bool
	events []*Property
	states []ConvergenceState
}

func (h *fakeHost) Role() Role                 { return h.role }
func (h *fakeHost) ReplicatorID() ReplicatorID { return h.id }
func (h *fakeHost) LocalTime() peer.Timestamp  { return h.now }
func (h *fakeHost) FrameID() uint64            { return h.frame }

func (h *fakeHost) RouteChange(ch *Channel, relay bool, _ peer.Timestamp) bool {
	h.routed = append(h.routed, ch)
	h.relays = append(h.relays, relay)
	return true
}

func (h *fakeHost) PropertyChanged(_ peer.Timestamp, _ Phase, _ Direction, p *Property) {
	h.events = append(h.events, p)
}

func (h *fakeHost) ConvergenceStateChanged(_ *Property, _, to ConvergenceState) {
	h.states = append(h.states, to)
}

type fixture struct {
	host     *fakeHost
	chType   *ChannelType
	propType *PropertyType
	replica  *Replica
	channel  *Channel
	x        float64
	label    string
}

func newFixture(t *testing.T, role Role, chCfg ChannelTypeConfig, propCfg PropertyTypeConfig) *fixture {
	t.Helper()
	f := &fixture{host: &fakeHost{role: role, now: 1000}, label: "idle"}
	f.chType = NewChannelType("motion", chCfg)
	f.propType = NewPropertyType("position", propCfg)
	if err := f.chType.Attach(f.host); err != nil {
		t.Fatalf("attach channel type: %v", err)
	}
	if err := f.propType.Attach(f.host); err != nil {
		t.Fatalf("attach property type: %v", err)
	}
	x, err := NewProperty("x", f.propType, Bind(&f.x))
	if err != nil {
		t.Fatalf("new property: %v", err)
	}
	labelType := NewPropertyType("label", DefaultPropertyTypeConfig())
	if err := labelType.Attach(f.host); err != nil {
		t.Fatalf("attach label type: %v", err)
	}
	label, err := NewProperty("label", labelType, Bind(&f.label))
	if err != nil {
		t.Fatalf("new label property: %v", err)
	}
	f.channel, err = NewChannel("motion", f.chType, x, label)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	f.replica, err = New("level", "Player", DefaultOptions(), f.channel)
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	return f
}

func (f *fixture) goLive() {
	f.replica.Attach(f.host)
	f.replica.SetState(StateLive)
	f.replica.ReactToChannelPropertyChanges(f.host.now, PhaseInitialization, Outgoing, false)
	f.replica.ScheduleChannels()
}

func (f *fixture) step() {
	f.host.frame++
	f.chType.ObserveAndReplicateChanges()
	f.propType.ConvergeNow()
}

func TestNewPropertyRejectsUnsupportedValues(t *testing.T) {
	typ := NewPropertyType("p", DefaultPropertyTypeConfig())
	var n int
	if _, err := NewProperty("n", typ, Func(func() any { return n }, func(any) {})); err == nil {
		t.Fatalf("expected int values to be rejected")
	}
	cfg := DefaultPropertyTypeConfig()
	cfg.UseConvergence = true
	var s string
	if _, err := NewProperty("s", NewPropertyType("c", cfg), Bind(&s)); err == nil {
		t.Fatalf("expected convergence on strings to be rejected")
	}
}

func TestBindCopiesVectors(t *testing.T) {
	v := []float64{1, 2}
	acc := Bind(&v)
	got := acc.Get().([]float64)
	got[0] = 9
	if v[0] != 1 {
		t.Fatalf("expected Get to return a copy, storage became %v", v)
	}
	acc.Set([]float64{3, 4})
	if v[0] != 3 || v[1] != 4 {
		t.Fatalf("expected Set to write through, got %v", v)
	}
}

func TestChannelDetectionModes(t *testing.T) {
	t.Run("manumatic", func(t *testing.T) {
		f := newFixture(t, RoleServer, DefaultChannelTypeConfig(), DefaultPropertyTypeConfig())
		f.goLive()
		f.step()
		if len(f.host.routed) != 0 {
			t.Fatalf("expected no change without edits, got %d", len(f.host.routed))
		}
		f.x = 4
		f.step()
		if len(f.host.routed) != 1 || f.host.relays[0] {
			t.Fatalf("expected one non-relay change, got %d", len(f.host.routed))
		}
		f.step()
		if len(f.host.routed) != 1 {
			t.Fatalf("expected last values to absorb the change, got %d routes", len(f.host.routed))
		}
		f.channel.SetChangeFlag(true)
		f.step()
		if len(f.host.routed) != 2 {
			t.Fatalf("expected the change flag to force a change, got %d", len(f.host.routed))
		}
	})

	t.Run("manual ignores values", func(t *testing.T) {
		cfg := DefaultChannelTypeConfig()
		cfg.DetectionMode = DetectManual
		f := newFixture(t, RoleServer, cfg, DefaultPropertyTypeConfig())
		f.goLive()
		f.x = 2
		f.step()
		if len(f.host.routed) != 0 {
			t.Fatalf("expected manual detection to ignore values")
		}
		f.channel.SetChangeFlag(true)
		f.step()
		if len(f.host.routed) != 1 || f.channel.ChangeFlag() {
			t.Fatalf("expected flag to be consumed by one change")
		}
	})

	t.Run("assume", func(t *testing.T) {
		cfg := DefaultChannelTypeConfig()
		cfg.DetectionMode = DetectAssume
		f := newFixture(t, RoleServer, cfg, DefaultPropertyTypeConfig())
		f.goLive()
		f.step()
		f.step()
		if len(f.host.routed) != 2 {
			t.Fatalf("expected a change every frame, got %d", len(f.host.routed))
		}
	})

	t.Run("without on-change flag", func(t *testing.T) {
		cfg := DefaultChannelTypeConfig()
		cfg.SerializationFlags = OnSpawn
		f := newFixture(t, RoleServer, cfg, DefaultPropertyTypeConfig())
		f.goLive()
		f.x = 1
		f.step()
		if len(f.host.routed) != 0 {
			t.Fatalf("expected detected change not to be routed")
		}
		if f.channel.LastChangeFrame() != 1 {
			t.Fatalf("expected change frame to be recorded, got %d", f.channel.LastChangeFrame())
		}
	})
}

func TestChannelSchedulingRespectsAuthority(t *testing.T) {
	f := newFixture(t, RoleClient, DefaultChannelTypeConfig(), DefaultPropertyTypeConfig())
	f.goLive()
	if f.channel.IsScheduled() {
		t.Fatalf("expected server-authority channel not to be observed on a client")
	}

	cfg := DefaultChannelTypeConfig()
	cfg.AuthorityDefault = AuthorityClient
	g := newFixture(t, RoleClient, cfg, DefaultPropertyTypeConfig())
	g.host.id = 3
	g.replica.SetAuthorityClient(4)
	g.goLive()
	g.x = 1
	g.step()
	if len(g.host.routed) != 0 {
		t.Fatalf("expected non-authority client not to route changes")
	}
	g.replica.SetAuthorityClient(3)
	g.x = 2
	g.step()
	if len(g.host.routed) != 1 {
		t.Fatalf("expected authority client to route its change, got %d", len(g.host.routed))
	}
}

func TestFixedAuthorityLocksOnceValid(t *testing.T) {
	f := newFixture(t, RoleServer, DefaultChannelTypeConfig(), DefaultPropertyTypeConfig())
	if err := f.channel.SetAuthority(AuthorityClient); err != nil {
		t.Fatalf("expected authority change before validation: %v", err)
	}
	f.goLive()
	if err := f.channel.SetAuthority(AuthorityServer); err == nil {
		t.Fatalf("expected fixed authority to be locked")
	}
}

func TestChannelNapsAndWakes(t *testing.T) {
	cfg := DefaultChannelTypeConfig()
	cfg.AwakeDuration = 2
	f := newFixture(t, RoleServer, cfg, DefaultPropertyTypeConfig())
	f.goLive()

	f.step()
	f.step()
	if !f.channel.IsNapping() || f.chType.Napping() != 1 || f.chType.Awake() != 0 {
		t.Fatalf("expected channel to nap after two idle frames")
	}

	f.x = 7
	f.step() // frame 3: the napping bucket is not due
	if len(f.host.routed) != 0 {
		t.Fatalf("expected napping channel to be observed every other frame")
	}
	f.step()
	if len(f.host.routed) != 1 || f.channel.IsNapping() || f.chType.Awake() != 1 {
		t.Fatalf("expected the change to wake the channel")
	}

	f.replica.SetOptions(Options{DetectOutgoingChanges: true})
	for range 5 {
		f.step()
	}
	if f.channel.IsNapping() {
		t.Fatalf("expected replica without napping permission to stay awake")
	}
}

func TestScheduleBalancesBuckets(t *testing.T) {
	cfg := DefaultChannelTypeConfig()
	cfg.AwakeDetectionInterval = 3
	typ := NewChannelType("spread", cfg)
	host := &fakeHost{role: RoleServer}
	if err := typ.Attach(host); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := typ.Attach(host); err == nil {
		t.Fatalf("expected second attach to fail")
	}
	propType := NewPropertyType("v", DefaultPropertyTypeConfig())
	var channels []*Channel
	for range 7 {
		v := 0.0
		p, err := NewProperty("v", propType, Bind(&v))
		if err != nil {
			t.Fatalf("property: %v", err)
		}
		ch, err := NewChannel("c", typ, p)
		if err != nil {
			t.Fatalf("channel: %v", err)
		}
		r, err := New("ctx", "T", DefaultOptions(), ch)
		if err != nil {
			t.Fatalf("replica: %v", err)
		}
		r.SetState(StateLive)
		r.ScheduleChannels()
		channels = append(channels, ch)
	}
	sizes := []int{len(typ.awake.due(0)), len(typ.awake.due(1)), len(typ.awake.due(2))}
	if sizes[0] != 3 || sizes[1] != 2 || sizes[2] != 2 {
		t.Fatalf("expected buckets 3/2/2, got %v", sizes)
	}
	typ.Unschedule(channels[0])
	typ.Unschedule(channels[3])
	if typ.Awake() != 5 || channels[0].IsScheduled() {
		t.Fatalf("expected removals to update counts, got %d", typ.Awake())
	}
	for _, ch := range typ.awake.due(0) {
		if ch == channels[0] || ch == channels[3] {
			t.Fatalf("expected removed channel to leave its bucket")
		}
	}
}

func TestChannelSerializeRoundTrip(t *testing.T) {
	src := newFixture(t, RoleServer, DefaultChannelTypeConfig(), DefaultPropertyTypeConfig())
	dst := newFixture(t, RoleClient, DefaultChannelTypeConfig(), DefaultPropertyTypeConfig())
	src.x, src.label = 12.5, "running"

	data, err := src.channel.Serialize(PhaseInitialization)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := dst.channel.Deserialize(data, PhaseInitialization, 1000); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if dst.x != 12.5 || dst.label != "running" {
		t.Fatalf("expected values to arrive, got %v %q", dst.x, dst.label)
	}
}

func TestChannelSerializeChangedOnly(t *testing.T) {
	cfg := DefaultChannelTypeConfig()
	cfg.SerializationMode = SerializeChanged
	src := newFixture(t, RoleServer, cfg, DefaultPropertyTypeConfig())
	dst := newFixture(t, RoleClient, cfg, DefaultPropertyTypeConfig())
	src.goLive()
	src.label = "jumping"
	dst.x = 99

	data, err := src.channel.Serialize(PhaseChange)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := dst.channel.Deserialize(data, PhaseChange, 1000); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if dst.label != "jumping" || dst.x != 99 {
		t.Fatalf("expected only the label to change, got %v %q", dst.x, dst.label)
	}
	if err := dst.channel.Deserialize([]byte{0xc1}, PhaseChange, 1000); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}

func TestActiveAndRestingConvergence(t *testing.T) {
	propCfg := DefaultPropertyTypeConfig()
	propCfg.UseConvergence = true
	propCfg.NotifyOnConvergenceStateChange = true
	propCfg.ActiveConvergenceWeight = 0.5
	src := newFixture(t, RoleServer, DefaultChannelTypeConfig(), DefaultPropertyTypeConfig())
	dst := newFixture(t, RoleClient, DefaultChannelTypeConfig(), propCfg)
	dst.goLive()
	x := dst.channel.Property("x")

	src.x = 10
	data, err := src.channel.Serialize(PhaseChange)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := dst.channel.Deserialize(data, PhaseChange, dst.host.now); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if dst.x != 5 || x.ConvergenceState() != ConvergenceActive {
		t.Fatalf("expected half-way active convergence, got %v (%s)", dst.x, x.ConvergenceState())
	}

	dst.propType.ConvergeNow()
	if dst.x != 5 {
		t.Fatalf("expected no second convergence in the receiving frame, got %v", dst.x)
	}
	dst.host.frame++
	dst.propType.ConvergeNow()
	if dst.x != 7.5 {
		t.Fatalf("expected 7.5 after one more frame, got %v", dst.x)
	}

	dst.host.now += 2000
	dst.host.frame++
	dst.propType.ConvergeNow()
	if dst.x != 10 || x.ConvergenceState() != ConvergenceNone || dst.propType.Scheduled() != 0 {
		t.Fatalf("expected resting convergence to finish, got %v (%s)", dst.x, x.ConvergenceState())
	}
	want := []ConvergenceState{ConvergenceActive, ConvergenceResting, ConvergenceNone}
	if len(dst.host.states) != len(want) {
		t.Fatalf("expected %v transitions, got %v", want, dst.host.states)
	}
	for i := range want {
		if dst.host.states[i] != want[i] {
			t.Fatalf("expected %v transitions, got %v", want, dst.host.states)
		}
	}
}

func TestConvergeComponent(t *testing.T) {
	if got := convergeComponent(KindInt, 0, 1, 0.1); got != 1 {
		t.Fatalf("expected stalled integer to jump, got %v", got)
	}
	if got := convergeComponent(KindInt, 0, 100, 0.1); got != 10 {
		t.Fatalf("expected integer average, got %v", got)
	}
	if got := convergeComponent(KindFloat, 0, 1, 0.25); got != 0.25 {
		t.Fatalf("expected float average, got %v", got)
	}
}

func TestSnapThreshold(t *testing.T) {
	propCfg := DefaultPropertyTypeConfig()
	propCfg.UseConvergence = true
	propCfg.SnapThreshold = 5
	dst := newFixture(t, RoleClient, DefaultChannelTypeConfig(), propCfg)
	dst.goLive()
	p := dst.channel.Property("x")
	dst.x = 50
	data, err := p.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := p.apply(data, PhaseChange, dst.host.now); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if dst.x != 50 {
		t.Fatalf("expected identical value to stay, got %v", dst.x)
	}
	dst.x = 0
	p.lastReceived = 100.0
	p.convergeToward(100.0, 0.1)
	if dst.x != 100 {
		t.Fatalf("expected distance past the snap threshold to snap, got %v", dst.x)
	}
}

func TestQuantizedEncoding(t *testing.T) {
	cfg := DefaultPropertyTypeConfig()
	cfg.UseQuantization = true
	cfg.DeltaThreshold = 0.5
	cfg.QuantizationRangeMin = -10
	cfg.QuantizationRangeMax = 10
	typ := NewPropertyType("q", cfg)
	v := []float64{3.3, -20, 7.74}
	p, err := NewProperty("v", typ, Bind(&v))
	if err != nil {
		t.Fatalf("property: %v", err)
	}
	data, err := p.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := p.decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []float64{3.5, -10, 7.5}
	vec := got.([]float64)
	for i := range want {
		if math.Abs(vec[i]-want[i]) > 1e-9 {
			t.Fatalf("expected %v, got %v", want, vec)
		}
	}
}

func TestDeltaThreshold(t *testing.T) {
	propCfg := DefaultPropertyTypeConfig()
	propCfg.UseDeltaThreshold = true
	propCfg.DeltaThreshold = 1
	f := newFixture(t, RoleServer, DefaultChannelTypeConfig(), propCfg)
	f.goLive()
	p := f.channel.Property("x")
	f.x = 0.6
	if p.HasChanged() {
		t.Fatalf("expected small change to stay below the threshold")
	}
	if !p.HasChangedAtAll() {
		t.Fatalf("expected exact comparison to see the change")
	}
	f.x = 1.2
	if !p.HasChanged() {
		t.Fatalf("expected accumulated drift to cross the threshold")
	}
}

func TestInterpolationExtrapolatesLinearly(t *testing.T) {
	cfg := DefaultPropertyTypeConfig()
	cfg.UseInterpolation = true
	cfg.SampleTimeOffset = 0
	cfg.ExtrapolationLimit = 500 * time.Millisecond
	v := 0.0
	p, err := NewProperty("v", NewPropertyType("i", cfg), Bind(&v))
	if err != nil {
		t.Fatalf("property: %v", err)
	}
	p.updateCurve(100, []float64{1})
	p.updateCurve(200, []float64{2})
	p.lastReceivedTime = 200
	if got := p.target(300); got != 3.0 {
		t.Fatalf("expected extrapolated 3, got %v", got)
	}
	if got := p.target(5000); got != 7.0 {
		t.Fatalf("expected extrapolation to stop at the limit, got %v", got)
	}
}

func TestInvalidateClearsScheduling(t *testing.T) {
	propCfg := DefaultPropertyTypeConfig()
	propCfg.UseConvergence = true
	f := newFixture(t, RoleClient, DefaultChannelTypeConfig(), propCfg)
	f.goLive()
	f.channel.Property("x").SetConvergenceState(ConvergenceActive)
	if f.propType.Scheduled() != 1 {
		t.Fatalf("expected property to be scheduled")
	}
	f.replica.Invalidate()
	if f.propType.Scheduled() != 0 || f.replica.InitializationTime().IsValid() {
		t.Fatalf("expected invalidation to clear schedules and timestamps")
	}
}

func TestInvalidateWakesNappingChannels(t *testing.T) {
	cfg := DefaultChannelTypeConfig()
	cfg.AwakeDuration = 2
	f := newFixture(t, RoleServer, cfg, DefaultPropertyTypeConfig())
	f.goLive()
	f.step()
	f.step()
	if !f.channel.IsNapping() {
		t.Fatalf("expected channel to nap after two idle frames")
	}

	f.replica.Invalidate()
	if f.channel.IsNapping() || f.channel.LastChangeFrame() != 0 || f.channel.IsScheduled() {
		t.Fatalf("expected invalidation to wake and unschedule the channel")
	}

	f.host.frame = 40
	f.goLive()
	if f.chType.Awake() != 1 || f.chType.Napping() != 0 {
		t.Fatalf("expected a revived replica to start awake, got awake=%d napping=%d", f.chType.Awake(), f.chType.Napping())
	}
	if f.channel.LastChangeFrame() != 40 {
		t.Fatalf("expected the awake period to start at frame 40, got %d", f.channel.LastChangeFrame())
	}
	f.step()
	if f.channel.IsNapping() {
		t.Fatalf("expected the channel to stay awake for its full awake duration")
	}
}
