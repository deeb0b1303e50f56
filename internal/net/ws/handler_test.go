package ws

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/telemetry"
	"replicanet/server/logging"
)

// driver serializes access to a peer the way the app's tick loop does.
type driver struct {
	mu sync.Mutex
	p  *peer.Peer
}

func (d *driver) do(fn func(p *peer.Peer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.p)
}

func (d *driver) update() {
	d.do(func(p *peer.Peer) { p.Update() })
}

type capture struct {
	mu       sync.Mutex
	messages []peer.Message
}

func (c *capture) Name() string                                  { return "capture" }
func (c *capture) OnConnectRequestSend() []byte                  { return nil }
func (c *capture) OnConnectRequestReceive([]byte) (bool, []byte) { return true, nil }
func (c *capture) OnConnectResponseSend(bool)                    {}
func (c *capture) OnConnectResponseReceive(bool, []byte)         {}
func (c *capture) OnDisconnect()                                 {}

func (c *capture) OnMessageReceive(msg peer.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return true
}

func (c *capture) received() []peer.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]peer.Message(nil), c.messages...)
}

func websocketURL(t *testing.T, raw string) string {
	t.Helper()
	if !strings.HasPrefix(raw, "http://") {
		t.Fatalf("unexpected test server url %q", raw)
	}
	return "ws://" + strings.TrimPrefix(raw, "http://")
}

func TestHandlerCarriesPeerHandshakeAndFrames(t *testing.T) {
	server := &driver{p: peer.New(peer.DefaultConfig())}
	server.p.SetConnectResponseMode(peer.ConnectResponseAccept)
	inbound := &capture{}

	handler := NewHandler(AcceptorFunc(func(_ context.Context, transport peer.Transport, remote string) (*peer.Link, error) {
		var link *peer.Link
		server.do(func(p *peer.Peer) {
			link = p.Accept(transport, remote)
			link.AddPlugin(inbound)
		})
		return link, nil
	}), HandlerConfig{})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	metrics := &logging.Metrics{}
	url := websocketURL(t, srv.URL)
	conn, err := Dial(context.Background(), url, Config{CompressThreshold: 128, Metrics: telemetry.WrapMetrics(metrics)})
	require.NoError(t, err)

	client := &driver{p: peer.New(peer.DefaultConfig())}
	var clientLink *peer.Link
	client.do(func(p *peer.Peer) { clientLink = p.Connect(conn, url) })
	go conn.Serve(clientLink)

	connected := func() bool {
		client.update()
		server.update()
		var serverConnected bool
		server.do(func(p *peer.Peer) {
			links := p.Links()
			serverConnected = len(links) == 1 && links[0].Status() == peer.StatusConnected
		})
		return serverConnected && clientLink.Status() == peer.StatusConnected
	}
	require.Eventually(t, connected, 5*time.Second, 10*time.Millisecond)

	payload := bytes.Repeat([]byte("channel data "), 100)
	client.do(func(p *peer.Peer) {
		require.NoError(t, clientLink.Send(peer.NewMessage(peer.UserMessageStart, payload)))
		p.Flush()
	})
	require.Eventually(t, func() bool {
		server.update()
		return len(inbound.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	msg := inbound.received()[0]
	assert.Equal(t, peer.UserMessageStart, msg.Type)
	assert.Equal(t, payload, msg.Data)
	snapshot := metrics.Snapshot()
	assert.GreaterOrEqual(t, snapshot[metricFramesCompressed], uint64(1))
	assert.Positive(t, snapshot[metricBytesSent])

	client.do(func(p *peer.Peer) {
		p.Disconnect(clientLink, "done")
		p.Flush()
	})
	require.Eventually(t, func() bool {
		server.update()
		var remaining int
		server.do(func(p *peer.Peer) { remaining = len(p.Links()) })
		return remaining == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandlerLimitsUpgradesPerHost(t *testing.T) {
	accepted := 0
	var mu sync.Mutex
	handler := NewHandler(AcceptorFunc(func(context.Context, peer.Transport, string) (*peer.Link, error) {
		mu.Lock()
		accepted++
		mu.Unlock()
		return nil, context.Canceled
	}), HandlerConfig{UpgradesPerSecond: 0.001, UpgradeBurst: 1})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	url := websocketURL(t, srv.URL)
	first, err := Dial(context.Background(), url, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })

	_, err = Dial(context.Background(), url, Config{})
	require.Error(t, err)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return accepted == 1
	}, 5*time.Second, 10*time.Millisecond)
}
