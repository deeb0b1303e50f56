// Package ws carries peer frames over gorilla websockets. Each frame travels
// as one binary message, lz4 compressed above a size threshold.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/telemetry"
)

const (
	metricBytesSent        = "ws_bytes_sent_total"
	metricFramesCompressed = "ws_frames_compressed_total"
)

type Config struct {
	// CompressThreshold is the frame size from which lz4 is attempted.
	// Zero disables compression.
	CompressThreshold int
	// MaxFrameBytes bounds inbound messages before and after inflation.
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	PongTimeout   time.Duration
	// PingInterval must be shorter than PongTimeout.
	PingInterval time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

func DefaultConfig() Config {
	return Config{
		CompressThreshold: 512,
		MaxFrameBytes:     1 << 20,
		WriteTimeout:      5 * time.Second,
		PongTimeout:       30 * time.Second,
		PingInterval:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaults.PongTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout / 3
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	return c
}

// Conn is a peer.Transport over one websocket connection. Send and Close
// may be called from any goroutine; Serve owns the read side.
type Conn struct {
	cfg    Config
	conn   *websocket.Conn
	remote string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ peer.Transport = (*Conn)(nil)

func newConn(conn *websocket.Conn, remote string, cfg Config) *Conn {
	conn.SetReadLimit(cfg.MaxFrameBytes + 1)
	return &Conn{cfg: cfg, conn: conn, remote: remote, done: make(chan struct{})}
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.WriteTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return newConn(conn, url, cfg), nil
}

// Remote is the address of the other end.
func (c *Conn) Remote() string {
	return c.remote
}

func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return peer.ErrLinkClosed
	default:
	}
	data, compressed, err := encodeFrame(frame, c.cfg.CompressThreshold)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Add(metricBytesSent, uint64(len(data)))
		if compressed {
			c.cfg.Metrics.Add(metricFramesCompressed, 1)
		}
	}
	return nil
}

// Close sends a close message and tears the connection down. Repeated calls
// are no-ops.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Serve delivers inbound frames to link until the connection ends, then
// reports the closure to the link. It blocks; run it on its own goroutine.
func (c *Conn) Serve(link *peer.Link) error {
	defer link.TransportClosed()
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	go c.ping()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return fmt.Errorf("ws: read: %w", err)
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		if kind != websocket.BinaryMessage {
			c.cfg.Logger.Printf("ws %s: discarding non-binary message", c.remote)
			continue
		}
		frame, err := decodeFrame(data, c.cfg.MaxFrameBytes)
		if err != nil {
			c.cfg.Logger.Printf("ws %s: %v", c.remote, err)
			continue
		}
		link.Deliver(frame)
	}
}

func (c *Conn) ping() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
