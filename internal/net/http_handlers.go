// Package net serves the HTTP surface of a replication node: health,
// diagnostics, the websocket endpoint and debug replica controls.
package net

import (
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"time"

	"replicanet/server/internal/net/ws"
	"replicanet/server/internal/observability"
	"replicanet/server/internal/replicator"
	"replicanet/server/internal/telemetry"
)

// ErrNodeUnavailable is wrapped by Node errors raised when the node can no
// longer run requests.
var ErrNodeUnavailable = errors.New("node unavailable")

// Node is the view of a replication node the HTTP handlers need. Calls may
// block until the node's loop runs them. Spawn returns a non-zero id with an
// error wrapping replicator.ErrRouteFailed when the replica exists but no
// client accepted it; Destroy reports found alongside the same error.
type Node interface {
	ws.Acceptor
	Diagnostics(ctx context.Context) (any, error)
	Spawn(ctx context.Context, createContext, replicaType string) (uint16, error)
	Destroy(ctx context.Context, id uint16) (bool, error)
}

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Metrics       func() map[string]uint64
	WebSocket     ws.HandlerConfig
	Observability observability.Config
	// EnableControl mounts POST /replicas and DELETE /replicas.
	EnableControl bool
	// RequestTimeout bounds how long a request waits for the node loop.
	RequestTimeout time.Duration
}

func NewHTTPHandler(node Node, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if cfg.WebSocket.Logger == nil {
		cfg.WebSocket.Logger = logger
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		snapshot, err := node.Diagnostics(ctx)
		if err != nil {
			httpError(w, "node unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		payload := struct {
			Status     string            `json:"status"`
			ServerTime int64             `json:"serverTime"`
			Node       any               `json:"node"`
			Telemetry  map[string]uint64 `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Node:       snapshot,
		}
		if cfg.Metrics != nil {
			payload.Telemetry = cfg.Metrics()
		}
		writeJSON(w, logger, nethttp.StatusOK, payload)
	})

	if cfg.EnableControl {
		mux.HandleFunc("/replicas", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			switch r.Method {
			case nethttp.MethodPost:
				var req struct {
					CreateContext string `json:"createContext"`
					ReplicaType   string `json:"replicaType"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReplicaType == "" {
					httpError(w, "invalid request", nethttp.StatusBadRequest)
					return
				}
				if req.CreateContext == "" {
					req.CreateContext = "http"
				}
				id, err := node.Spawn(ctx, req.CreateContext, req.ReplicaType)
				switch {
				case err == nil:
					writeJSON(w, logger, nethttp.StatusCreated, replicaResponse{ID: id, Delivered: true})
				case unavailable(err):
					httpError(w, "node unavailable", nethttp.StatusServiceUnavailable)
				case id != 0 && errors.Is(err, replicator.ErrRouteFailed):
					logger.Printf("spawn %s: %v", req.ReplicaType, err)
					writeJSON(w, logger, nethttp.StatusCreated, replicaResponse{ID: id})
				default:
					httpError(w, err.Error(), nethttp.StatusUnprocessableEntity)
				}
			case nethttp.MethodDelete:
				var req struct {
					ID uint16 `json:"id"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
					httpError(w, "invalid request", nethttp.StatusBadRequest)
					return
				}
				found, err := node.Destroy(ctx, req.ID)
				switch {
				case err != nil && unavailable(err):
					httpError(w, "node unavailable", nethttp.StatusServiceUnavailable)
				case !found:
					httpError(w, "unknown replica", nethttp.StatusNotFound)
				case err != nil:
					logger.Printf("destroy %d: %v", req.ID, err)
					writeJSON(w, logger, nethttp.StatusOK, replicaResponse{ID: req.ID})
				default:
					w.WriteHeader(nethttp.StatusNoContent)
				}
			default:
				httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			}
		})
	}

	mux.Handle("/ws", ws.NewHandler(node, cfg.WebSocket))
	observability.Register(mux, cfg.Observability)

	return mux
}

// replicaResponse reports a control operation. Delivered is false when the
// replica changed locally but no client was told.
type replicaResponse struct {
	ID        uint16 `json:"id"`
	Delivered bool   `json:"delivered"`
}

func unavailable(err error) bool {
	return errors.Is(err, ErrNodeUnavailable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
