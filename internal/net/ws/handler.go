package ws

import (
	"context"
	"net"
	nethttp "net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/telemetry"
)

// Acceptor registers an inbound transport with a peer. Implementations
// hand the call to the goroutine that drives the peer.
type Acceptor interface {
	Accept(ctx context.Context, transport peer.Transport, remote string) (*peer.Link, error)
}

// AcceptorFunc adapts a function into an Acceptor.
type AcceptorFunc func(ctx context.Context, transport peer.Transport, remote string) (*peer.Link, error)

func (f AcceptorFunc) Accept(ctx context.Context, transport peer.Transport, remote string) (*peer.Link, error) {
	return f(ctx, transport, remote)
}

type HandlerConfig struct {
	Conn Config
	// UpgradesPerSecond limits websocket upgrades per remote host. Zero
	// disables the limit.
	UpgradesPerSecond float64
	UpgradeBurst      int
	Logger            telemetry.Logger
}

// Handler upgrades HTTP requests and attaches each connection to a peer
// link through its Acceptor.
type Handler struct {
	acceptor Acceptor
	cfg      HandlerConfig
	logger   telemetry.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHandler(acceptor Acceptor, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if cfg.Conn.Logger == nil {
		cfg.Conn.Logger = logger
	}
	cfg.Conn = cfg.Conn.withDefaults()
	if cfg.UpgradeBurst <= 0 {
		cfg.UpgradeBurst = 1
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		acceptor: acceptor,
		cfg:      cfg,
		logger:   logger,
		upgrader: upgrader,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	if !h.allow(r.RemoteAddr) {
		nethttp.Error(w, "too many connections", nethttp.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	transport := newConn(conn, r.RemoteAddr, h.cfg.Conn)
	link, err := h.acceptor.Accept(r.Context(), transport, r.RemoteAddr)
	if err != nil {
		h.logger.Printf("accept %s: %v", r.RemoteAddr, err)
		transport.Close()
		return
	}
	if err := transport.Serve(link); err != nil {
		h.logger.Printf("session %s ended: %v", r.RemoteAddr, err)
	}
}

func (h *Handler) allow(remoteAddr string) bool {
	if h.cfg.UpgradesPerSecond <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	limiter, ok := h.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.UpgradesPerSecond), h.cfg.UpgradeBurst)
		h.limiters[host] = limiter
	}
	return limiter.Allow()
}
