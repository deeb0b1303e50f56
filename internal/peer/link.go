package peer

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrLinkClosed is returned when sending on a disconnected link.
	ErrLinkClosed = errors.New("peer: link closed")
	// ErrQueueFull is returned when a link's outgoing queue is saturated.
	ErrQueueFull = errors.New("peer: outgoing queue full")
)

type LinkStatus int32

const (
	StatusDisconnected LinkStatus = iota
	StatusAttemptingConnection
	StatusConnected
)

func (s LinkStatus) String() string {
	switch s {
	case StatusAttemptingConnection:
		return "attempting_connection"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport moves encoded frames to the remote peer. Implementations call
// Link.Deliver for every inbound frame and Link.TransportClosed once when the
// underlying connection ends.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// LinkPlugin participates in a link's handshake and receives its messages.
type LinkPlugin interface {
	// Name keys this plugin's handshake data on the wire.
	Name() string
	// OnConnectRequestSend returns data attached to an outgoing connect request.
	OnConnectRequestSend() []byte
	// OnConnectRequestReceive decides an incoming request when the peer is in
	// custom response mode.
	OnConnectRequestReceive(data []byte) (accept bool, response []byte)
	// OnConnectResponseSend runs after the response was queued.
	OnConnectResponseSend(accepted bool)
	// OnConnectResponseReceive runs on the requesting side.
	OnConnectResponseReceive(accepted bool, data []byte)
	// OnDisconnect runs before the link is removed from the peer.
	OnDisconnect()
	// OnMessageReceive reports whether the plugin consumed msg.
	OnMessageReceive(msg Message) bool
}

// Link is one connection between this peer and a remote peer. All methods
// except Deliver and TransportClosed must be called on the peer's update
// goroutine.
type Link struct {
	id         string
	remote     string
	peer       *Peer
	transport  Transport
	initiator  bool
	status     atomic.Int32
	extensions Registry
	plugins    []LinkPlugin

	outgoing  []Message
	maxQueued int

	budget    *rate.Limiter
	frameFill float64

	remoteOffset    Timestamp
	hasRemoteOffset bool
	closeAfterFlush bool

	bytesSent       atomic.Uint64
	messagesSent    atomic.Uint64
	messagesDropped atomic.Uint64
}

func newLink(p *Peer, transport Transport, remote string, initiator bool) *Link {
	l := &Link{
		id:        uuid.NewString(),
		remote:    remote,
		peer:      p,
		transport: transport,
		initiator: initiator,
		maxQueued: p.cfg.MaxQueuedMessages,
	}
	if p.cfg.LinkBytesPerSecond > 0 {
		burst := p.cfg.LinkBytesPerSecond / max(1, p.cfg.TickRate)
		l.budget = rate.NewLimiter(rate.Limit(p.cfg.LinkBytesPerSecond), max(1, burst))
	}
	l.status.Store(int32(StatusAttemptingConnection))
	return l
}

// ID is a random identifier unique to this link.
func (l *Link) ID() string {
	return l.id
}

// Remote describes the remote endpoint, usually an address.
func (l *Link) Remote() string {
	return l.remote
}

// Initiator reports whether this side sent the connect request.
func (l *Link) Initiator() bool {
	return l.initiator
}

func (l *Link) Status() LinkStatus {
	return LinkStatus(l.status.Load())
}

func (l *Link) setStatus(status LinkStatus) {
	l.status.Store(int32(status))
}

// Peer returns the owning peer.
func (l *Link) Peer() *Peer {
	return l.peer
}

// Extensions is the link's typed extension registry.
func (l *Link) Extensions() *Registry {
	return &l.extensions
}

// AddPlugin registers plugin for handshake callbacks and message dispatch.
func (l *Link) AddPlugin(plugin LinkPlugin) {
	l.plugins = append(l.plugins, plugin)
}

// RemovePlugin unregisters plugin.
func (l *Link) RemovePlugin(plugin LinkPlugin) {
	for i, existing := range l.plugins {
		if existing == plugin {
			l.plugins = append(l.plugins[:i], l.plugins[i+1:]...)
			return
		}
	}
}

// Send appends msg to the outgoing queue. Frames are written when the peer
// flushes at the end of its update. A full queue refuses reliable messages
// with ErrQueueFull and silently drops unreliable ones.
func (l *Link) Send(msg Message) error {
	if l.Status() == StatusDisconnected {
		return ErrLinkClosed
	}
	if l.maxQueued > 0 && len(l.outgoing) >= l.maxQueued {
		if !msg.Reliable {
			l.messagesDropped.Add(1)
			return nil
		}
		return ErrQueueFull
	}
	l.outgoing = append(l.outgoing, msg)
	return nil
}

// QueuedMessages reports the number of messages awaiting flush.
func (l *Link) QueuedMessages() int {
	return len(l.outgoing)
}

// FrameFill reports the share of the per-frame bandwidth budget used by the
// last flushed frame. Links without a budget always report zero.
func (l *Link) FrameFill() float64 {
	return l.frameFill
}

// Deliver stages an inbound frame. Safe for concurrent use.
func (l *Link) Deliver(frame []byte) {
	l.peer.inbox.push(inbound{link: l, frame: frame})
}

// TransportClosed reports that the underlying connection ended. Safe for
// concurrent use.
func (l *Link) TransportClosed() {
	l.peer.inbox.push(inbound{link: l, closed: true})
}

// LocalTime converts a remote timestamp into this peer's clock using the
// smallest observed send-to-receive offset.
func (l *Link) LocalTime(remote Timestamp) Timestamp {
	if !remote.IsValid() || !l.hasRemoteOffset {
		return remote
	}
	return remote + l.remoteOffset
}

func (l *Link) observeRemoteClock(sentAt, arrival Timestamp) {
	offset := arrival - sentAt
	if !l.hasRemoteOffset || offset < l.remoteOffset {
		l.remoteOffset = offset
		l.hasRemoteOffset = true
	}
}

// DroppedMessages reports unreliable messages discarded on a full queue.
func (l *Link) DroppedMessages() uint64 {
	return l.messagesDropped.Load()
}

// BytesSent reports the total encoded bytes handed to the transport.
func (l *Link) BytesSent() uint64 {
	return l.bytesSent.Load()
}

func (l *Link) flush(now Timestamp, at time.Time) error {
	if len(l.outgoing) == 0 {
		l.frameFill = 0
		return nil
	}
	messages := l.outgoing
	l.outgoing = nil
	data, err := encodeFrame(now, messages)
	if err != nil {
		return err
	}
	l.measure(len(data), at)
	if err := l.transport.Send(data); err != nil {
		return err
	}
	l.bytesSent.Add(uint64(len(data)))
	l.messagesSent.Add(uint64(len(messages)))
	return nil
}

func (l *Link) measure(size int, at time.Time) {
	if l.budget == nil {
		l.frameFill = 0
		return
	}
	available := l.budget.TokensAt(at)
	l.budget.AllowN(at, size)
	if available <= 0 {
		l.frameFill = 1
		return
	}
	l.frameFill = float64(size) / available
}
