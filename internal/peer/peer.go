// Package peer owns the set of links between this process and its remote
// peers. It runs the connect handshake, stages inbound frames delivered by
// transport goroutines, dispatches messages to link plugins and flushes each
// link's outgoing queue once per update.
package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"replicanet/server/internal/telemetry"
	"replicanet/server/logging"
	"replicanet/server/logging/network"
)

// ConnectResponseMode decides how incoming connect requests are answered.
type ConnectResponseMode int

const (
	ConnectResponseDeny ConnectResponseMode = iota
	ConnectResponseAccept
	// ConnectResponseCustom defers the decision to link plugins.
	ConnectResponseCustom
)

// Plugin is a peer-wide extension such as the replicator.
type Plugin interface {
	OnInitialize(p *Peer) error
	OnUninitialize()
	OnUpdate(now Timestamp)
	AddingLink(link *Link)
	RemovingLink(link *Link)
}

type Config struct {
	InboxCapacity      int
	MaxQueuedMessages  int
	LinkBytesPerSecond int
	TickRate           int

	Clock     logging.Clock
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

func DefaultConfig() Config {
	return Config{
		InboxCapacity:     1024,
		MaxQueuedMessages: 4096,
		TickRate:          30,
	}
}

// Peer is driven by a single goroutine calling Update.
type Peer struct {
	cfg          Config
	clock        logging.Clock
	started      time.Time
	frameID      uint64
	links        []*Link
	plugins      []Plugin
	responseMode ConnectResponseMode
	inbox        *inbox
	logger       telemetry.Logger
	publisher    logging.Publisher
}

func New(cfg Config) *Peer {
	defaults := DefaultConfig()
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = defaults.InboxCapacity
	}
	if cfg.MaxQueuedMessages <= 0 {
		cfg.MaxQueuedMessages = defaults.MaxQueuedMessages
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = defaults.TickRate
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	var metrics telemetryMetrics
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	return &Peer{
		cfg:       cfg,
		clock:     clock,
		started:   clock.Now(),
		inbox:     newInbox(cfg.InboxCapacity, metrics),
		logger:    logger,
		publisher: publisher,
	}
}

// LocalTime is the monotonic time since the peer was created.
func (p *Peer) LocalTime() Timestamp {
	return Timestamp(p.clock.Now().Sub(p.started).Milliseconds())
}

// FrameID counts completed updates.
func (p *Peer) FrameID() uint64 {
	return p.frameID
}

func (p *Peer) ConnectResponseMode() ConnectResponseMode {
	return p.responseMode
}

func (p *Peer) SetConnectResponseMode(mode ConnectResponseMode) {
	p.responseMode = mode
}

func (p *Peer) Logger() telemetry.Logger {
	return p.logger
}

func (p *Peer) Publisher() logging.Publisher {
	return p.publisher
}

// Links returns a snapshot of the current link set.
func (p *Peer) Links() []*Link {
	return append([]*Link(nil), p.links...)
}

// AddPlugin initialises plugin and introduces it to the existing links.
func (p *Peer) AddPlugin(plugin Plugin) error {
	for _, existing := range p.plugins {
		if existing == plugin {
			return errors.New("peer: plugin already added")
		}
	}
	if err := plugin.OnInitialize(p); err != nil {
		return fmt.Errorf("initialize plugin: %w", err)
	}
	p.plugins = append(p.plugins, plugin)
	for _, link := range p.Links() {
		plugin.AddingLink(link)
	}
	return nil
}

// RemovePlugin detaches plugin from every link and uninitialises it.
func (p *Peer) RemovePlugin(plugin Plugin) bool {
	for i, existing := range p.plugins {
		if existing != plugin {
			continue
		}
		for _, link := range p.Links() {
			plugin.RemovingLink(link)
		}
		p.plugins = append(p.plugins[:i], p.plugins[i+1:]...)
		plugin.OnUninitialize()
		return true
	}
	return false
}

// Connect creates an initiating link over transport and queues a connect
// request carrying every link plugin's request data.
func (p *Peer) Connect(transport Transport, remote string) *Link {
	link := p.addLink(transport, remote, true)
	request := connectRequest{Data: make(map[string][]byte)}
	for _, plugin := range link.plugins {
		if data := plugin.OnConnectRequestSend(); data != nil {
			request.Data[plugin.Name()] = data
		}
	}
	link.Send(NewMessage(MessageConnectRequest, encodePayload(&request)))
	return link
}

// Accept creates a link for an inbound connection that is expected to send
// a connect request.
func (p *Peer) Accept(transport Transport, remote string) *Link {
	return p.addLink(transport, remote, false)
}

func (p *Peer) addLink(transport Transport, remote string, initiator bool) *Link {
	link := newLink(p, transport, remote, initiator)
	p.links = append(p.links, link)
	for _, plugin := range append([]Plugin(nil), p.plugins...) {
		plugin.AddingLink(link)
	}
	return link
}

// Disconnect sends a disconnect notice and removes link once the notice has
// been flushed.
func (p *Peer) Disconnect(link *Link, reason string) {
	if link.Status() == StatusDisconnected || link.closeAfterFlush {
		return
	}
	link.Send(NewMessage(MessageDisconnectNotice, encodePayload(&disconnectNotice{Reason: reason})))
	link.closeAfterFlush = true
}

func (p *Peer) removeLink(link *Link, reason string) {
	idx := -1
	for i, existing := range p.links {
		if existing == link {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	for _, plugin := range append([]LinkPlugin(nil), link.plugins...) {
		plugin.OnDisconnect()
	}
	link.setStatus(StatusDisconnected)
	for _, plugin := range append([]Plugin(nil), p.plugins...) {
		plugin.RemovingLink(link)
	}
	p.links = append(p.links[:idx], p.links[idx+1:]...)
	if err := link.transport.Close(); err != nil {
		p.logger.Printf("close transport for link %s: %v", link.id, err)
	}
	network.LinkDisconnected(context.Background(), p.publisher, p.frameID, logging.LinkRef(link.id), network.LinkPayload{Remote: link.remote, Reason: reason}, nil)
}

// Update advances one frame: inbound frames are dispatched, plugins update
// and every link's queue is flushed.
func (p *Peer) Update() {
	p.frameID++
	p.receive()
	now := p.LocalTime()
	for _, plugin := range append([]Plugin(nil), p.plugins...) {
		plugin.OnUpdate(now)
	}
	p.Flush()
}

// Flush writes every queued message to its transport.
func (p *Peer) Flush() {
	now := p.LocalTime()
	at := p.clock.Now()
	for _, link := range p.Links() {
		if err := link.flush(now, at); err != nil {
			p.logger.Printf("flush link %s: %v", link.id, err)
			p.removeLink(link, "send failed")
			continue
		}
		if link.closeAfterFlush {
			p.removeLink(link, "disconnect")
		}
	}
}

func (p *Peer) receive() {
	entries, dropped := p.inbox.drain()
	if dropped > 0 {
		network.InboxOverflow(context.Background(), p.publisher, p.frameID, network.InboxOverflowPayload{Dropped: dropped, Capacity: p.inbox.capacity()}, nil)
	}
	for _, entry := range entries {
		if entry.link.Status() == StatusDisconnected {
			continue
		}
		if entry.closed {
			p.removeLink(entry.link, "transport closed")
			continue
		}
		f, err := decodeFrame(entry.frame)
		if err != nil {
			p.logger.Printf("link %s: %v", entry.link.id, err)
			continue
		}
		arrival := p.LocalTime()
		entry.link.observeRemoteClock(f.SentAt, arrival)
		for _, msg := range f.Messages {
			if msg.HasTimestamp {
				msg.Timestamp = entry.link.LocalTime(msg.Timestamp)
			} else {
				msg.Timestamp = entry.link.LocalTime(f.SentAt)
			}
			msg.HasTimestamp = true
			p.dispatch(entry.link, msg)
			if entry.link.Status() == StatusDisconnected {
				break
			}
		}
	}
}

func (p *Peer) dispatch(link *Link, msg Message) {
	switch msg.Type {
	case MessageConnectRequest:
		p.handleConnectRequest(link, msg)
		return
	case MessageConnectResponse:
		p.handleConnectResponse(link, msg)
		return
	case MessageDisconnectNotice:
		var notice disconnectNotice
		if err := msgpack.Unmarshal(msg.Data, &notice); err != nil {
			p.logger.Printf("link %s: decode disconnect notice: %v", link.id, err)
			notice.Reason = "malformed disconnect notice"
		}
		p.removeLink(link, notice.Reason)
		return
	}
	if link.Status() != StatusConnected {
		p.logger.Printf("link %s: dropping message type %d before connect", link.id, msg.Type)
		return
	}
	for _, plugin := range append([]LinkPlugin(nil), link.plugins...) {
		if plugin.OnMessageReceive(msg) {
			return
		}
	}
	p.logger.Printf("link %s: unhandled message type %d", link.id, msg.Type)
}

func (p *Peer) handleConnectRequest(link *Link, msg Message) {
	if link.initiator || link.Status() != StatusAttemptingConnection {
		p.logger.Printf("link %s: unexpected connect request", link.id)
		return
	}
	var request connectRequest
	if err := msgpack.Unmarshal(msg.Data, &request); err != nil {
		p.logger.Printf("link %s: decode connect request: %v", link.id, err)
		return
	}

	response := connectResponse{Data: make(map[string][]byte)}
	switch p.responseMode {
	case ConnectResponseAccept:
		response.Accepted = true
	case ConnectResponseCustom:
		response.Accepted = true
		for _, plugin := range link.plugins {
			accept, data := plugin.OnConnectRequestReceive(request.Data[plugin.Name()])
			if data != nil {
				response.Data[plugin.Name()] = data
			}
			if !accept {
				response.Accepted = false
			}
		}
	}

	link.Send(NewMessage(MessageConnectResponse, encodePayload(&response)))
	if response.Accepted {
		link.setStatus(StatusConnected)
		network.LinkConnected(context.Background(), p.publisher, p.frameID, logging.LinkRef(link.id), network.LinkPayload{Remote: link.remote}, nil)
	} else {
		network.ConnectDenied(context.Background(), p.publisher, p.frameID, logging.LinkRef(link.id), network.LinkPayload{Remote: link.remote}, nil)
		link.closeAfterFlush = true
	}
	for _, plugin := range append([]LinkPlugin(nil), link.plugins...) {
		plugin.OnConnectResponseSend(response.Accepted)
	}
}

func (p *Peer) handleConnectResponse(link *Link, msg Message) {
	if !link.initiator || link.Status() != StatusAttemptingConnection {
		p.logger.Printf("link %s: unexpected connect response", link.id)
		return
	}
	var response connectResponse
	if err := msgpack.Unmarshal(msg.Data, &response); err != nil {
		p.logger.Printf("link %s: decode connect response: %v", link.id, err)
		return
	}
	if response.Accepted {
		link.setStatus(StatusConnected)
		network.LinkConnected(context.Background(), p.publisher, p.frameID, logging.LinkRef(link.id), network.LinkPayload{Remote: link.remote}, nil)
	}
	for _, plugin := range append([]LinkPlugin(nil), link.plugins...) {
		plugin.OnConnectResponseReceive(response.Accepted, response.Data[plugin.Name()])
	}
	if !response.Accepted {
		network.ConnectDenied(context.Background(), p.publisher, p.frameID, logging.LinkRef(link.id), network.LinkPayload{Remote: link.remote}, nil)
		p.removeLink(link, "connect denied")
	}
}

// Close disconnects every link and flushes the notices.
func (p *Peer) Close() {
	for _, link := range p.Links() {
		p.Disconnect(link, "peer closed")
	}
	p.Flush()
}
