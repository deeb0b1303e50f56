package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
	"replicanet/server/internal/telemetry"
	"replicanet/server/logging"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

type recordingPublisher struct {
	events []logging.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event logging.Event) {
	p.events = append(p.events, event)
}

func (p *recordingPublisher) count(eventType logging.EventType) int {
	n := 0
	for _, event := range p.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

type entity struct {
	x, y  float64
	label string
	rep   *replica.Replica
}

type testEmbedder struct {
	BaseEmbedder
	node *node

	deny          bool
	valid         []*replica.Replica
	live          []*replica.Replica
	invalid       []*replica.Replica
	forgets       []bool
	released      []*replica.Replica
	requests      [][]byte
	responses     []bool
	confirmations [][]byte
	added         int
	removed       int
}

func (e *testEmbedder) CreateReplica(ctx replica.CreateContext, typ replica.ReplicaType) (*replica.Replica, error) {
	return e.node.newEntity(ctx, typ, replica.DefaultOptions()).rep, nil
}

func (e *testEmbedder) ReleaseReplicas(rs []*replica.Replica) {
	e.released = append(e.released, rs...)
}

func (e *testEmbedder) OnValidReplica(r *replica.Replica) { e.valid = append(e.valid, r) }
func (e *testEmbedder) OnLiveReplica(r *replica.Replica)  { e.live = append(e.live, r) }

func (e *testEmbedder) OnInvalidReplica(r *replica.Replica, isForget bool) {
	e.invalid = append(e.invalid, r)
	e.forgets = append(e.forgets, isForget)
}

func (e *testEmbedder) AddingLink(*Link)   { e.added++ }
func (e *testEmbedder) RemovingLink(*Link) { e.removed++ }

func (e *testEmbedder) ClientConnectRequest(*Link) []byte { return []byte("token") }

func (e *testEmbedder) ServerOnConnectRequest(_ *Link, data []byte) (bool, []byte) {
	e.requests = append(e.requests, data)
	return !e.deny, []byte("welcome")
}

func (e *testEmbedder) ClientOnConnectResponse(_ *Link, accepted bool, _ []byte) []byte {
	e.responses = append(e.responses, accepted)
	return []byte("ready")
}

func (e *testEmbedder) ServerOnConnectConfirmation(_ *Link, data []byte) {
	e.confirmations = append(e.confirmations, data)
}

// node is one process: a peer with a replicator and the types its
// entities use. The "input" channel is client-authority.
type node struct {
	t        *testing.T
	peer     *peer.Peer
	r        *Replicator
	emb      *testEmbedder
	pub      *recordingPublisher
	metrics  *logging.Metrics
	motion   *replica.ChannelType
	input    *replica.ChannelType
	number   *replica.PropertyType
	text     *replica.PropertyType
	entities map[*replica.Replica]*entity
}

func newNode(t *testing.T, role replica.Role, clock *manualClock, peerCfg peer.Config) *node {
	t.Helper()
	n := &node{
		t:        t,
		pub:      &recordingPublisher{},
		metrics:  &logging.Metrics{},
		entities: make(map[*replica.Replica]*entity),
	}
	n.emb = &testEmbedder{node: n}
	n.r = New(Config{Publisher: n.pub, Metrics: telemetry.WrapMetrics(n.metrics)}, n.emb)
	require.NoError(t, n.r.SetRole(role))

	n.motion = n.r.AddChannelType(replica.NewChannelType("motion", replica.DefaultChannelTypeConfig()))
	inputCfg := replica.DefaultChannelTypeConfig()
	inputCfg.AuthorityDefault = replica.AuthorityClient
	n.input = n.r.AddChannelType(replica.NewChannelType("input", inputCfg))
	n.number = n.r.AddPropertyType(replica.NewPropertyType("number", replica.DefaultPropertyTypeConfig()))
	n.text = n.r.AddPropertyType(replica.NewPropertyType("text", replica.DefaultPropertyTypeConfig()))
	require.NotNil(t, n.motion)
	require.NotNil(t, n.input)
	require.NotNil(t, n.number)
	require.NotNil(t, n.text)

	peerCfg.Clock = clock
	peerCfg.Publisher = n.pub
	n.peer = peer.New(peerCfg)
	require.NoError(t, n.peer.AddPlugin(n.r))
	return n
}

func (n *node) newEntity(ctx replica.CreateContext, typ replica.ReplicaType, opts replica.Options) *entity {
	t := n.t
	t.Helper()
	e := &entity{label: "idle"}
	x, err := replica.NewProperty("x", n.number, replica.Bind(&e.x))
	require.NoError(t, err)
	label, err := replica.NewProperty("label", n.text, replica.Bind(&e.label))
	require.NoError(t, err)
	y, err := replica.NewProperty("y", n.number, replica.Bind(&e.y))
	require.NoError(t, err)
	motion, err := replica.NewChannel("motion", n.motion, x, label)
	require.NoError(t, err)
	input, err := replica.NewChannel("input", n.input, y)
	require.NoError(t, err)
	e.rep, err = replica.New(ctx, typ, opts, motion, input)
	require.NoError(t, err)
	n.entities[e.rep] = e
	return e
}

func (n *node) entity(r *replica.Replica) *entity {
	n.t.Helper()
	e, ok := n.entities[r]
	require.True(n.t, ok, "replica %s was not built by this node", r.DisplayName())
	return e
}

// linkTo returns the server-side link of client c.
func (n *node) linkTo(c *node) *Link {
	n.t.Helper()
	links := n.r.GetLinks(Include(c.r.ReplicatorID()))
	require.Len(n.t, links, 1)
	return links[0]
}

type cluster struct {
	t       *testing.T
	clock   *manualClock
	server  *node
	clients []*node
}

func newCluster(t *testing.T, clients int) *cluster {
	return newClusterWith(t, clients, peer.Config{})
}

func newClusterWith(t *testing.T, clients int, serverCfg peer.Config) *cluster {
	t.Helper()
	c := &cluster{t: t, clock: &manualClock{now: time.Unix(1000, 0)}}
	c.server = newNode(t, replica.RoleServer, c.clock, serverCfg)
	for range clients {
		c.addClient()
	}
	return c
}

// addClient connects a new client and completes its handshake.
func (c *cluster) addClient() *node {
	c.t.Helper()
	n := newNode(c.t, replica.RoleClient, c.clock, peer.Config{})
	peer.ConnectPipe(n.peer, c.server.peer)
	c.clients = append(c.clients, n)
	c.pump(3)
	require.NotZero(c.t, n.r.ReplicatorID(), "client handshake did not complete")
	return n
}

// pump advances every peer by frames updates, clients first.
func (c *cluster) pump(frames int) {
	for range frames {
		c.clock.now = c.clock.now.Add(33 * time.Millisecond)
		for _, n := range c.clients {
			n.peer.Update()
		}
		c.server.peer.Update()
	}
}

func requirePrecondition(t *testing.T, fn func()) *PreconditionError {
	t.Helper()
	var pe *PreconditionError
	func() {
		defer func() {
			recovered := recover()
			err, ok := recovered.(error)
			require.True(t, ok, "expected a precondition panic, got %v", recovered)
			require.ErrorAs(t, err, &pe)
		}()
		fn()
	}()
	return pe
}

// requireIndexConsistent checks that the live set and both context maps
// agree and that no map keeps an empty set.
func requireIndexConsistent(t *testing.T, r *Replicator) {
	t.Helper()
	byCreate, byType := 0, 0
	for ctx, set := range r.index.byCreate {
		require.NotEmpty(t, set, "empty create context %q kept", ctx)
		for rep := range set {
			require.Equal(t, ctx, rep.CreateContext())
			require.True(t, r.index.isLive(rep))
		}
		byCreate += len(set)
	}
	for typ, set := range r.index.byType {
		require.NotEmpty(t, set, "empty replica type %q kept", typ)
		for rep := range set {
			require.Equal(t, typ, rep.ReplicaType())
			require.True(t, r.index.isLive(rep))
		}
		byType += len(set)
	}
	require.Equal(t, len(r.index.live), byCreate)
	require.Equal(t, len(r.index.live), byType)
	for ctx, byID := range r.index.emplaced {
		require.NotEmpty(t, byID, "empty emplace context %q kept", ctx)
	}
}
