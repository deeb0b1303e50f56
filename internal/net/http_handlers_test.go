package net

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"replicanet/server/internal/observability"
	"replicanet/server/internal/peer"
	"replicanet/server/internal/replicator"
)

type fakeNode struct {
	spawned   []string
	destroyed []uint16
	down      bool
	isolated  bool
}

func (n *fakeNode) Accept(context.Context, peer.Transport, string) (*peer.Link, error) {
	return nil, errors.New("not accepting")
}

func (n *fakeNode) Diagnostics(context.Context) (any, error) {
	if n.down {
		return nil, errors.New("stopped")
	}
	return map[string]int{"replicas": len(n.spawned) - len(n.destroyed)}, nil
}

func (n *fakeNode) Spawn(_ context.Context, createContext, replicaType string) (uint16, error) {
	if n.down {
		return 0, fmt.Errorf("loop: %w", ErrNodeUnavailable)
	}
	if replicaType == "dragon" {
		return 0, errors.New("unknown replica type")
	}
	n.spawned = append(n.spawned, createContext+"/"+replicaType)
	id := uint16(len(n.spawned))
	if n.isolated {
		return id, fmt.Errorf("spawn: %w", replicator.ErrRouteFailed)
	}
	return id, nil
}

func (n *fakeNode) Destroy(ctx context.Context, id uint16) (bool, error) {
	if n.down {
		return false, context.DeadlineExceeded
	}
	if int(id) > len(n.spawned) {
		return false, nil
	}
	n.destroyed = append(n.destroyed, id)
	if n.isolated {
		return true, fmt.Errorf("destroy: %w", replicator.ErrRouteFailed)
	}
	return true, nil
}

func serve(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestHealth(t *testing.T) {
	handler := NewHTTPHandler(&fakeNode{}, HTTPHandlerConfig{})
	resp := serve(t, handler, http.MethodGet, "/health", "")
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestDiagnosticsIncludesNodeAndTelemetry(t *testing.T) {
	node := &fakeNode{spawned: []string{"a/b"}}
	handler := NewHTTPHandler(node, HTTPHandlerConfig{
		Metrics: func() map[string]uint64 { return map[string]uint64{"replicator_replicas_live": 1} },
	})

	resp := serve(t, handler, http.MethodGet, "/diagnostics", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 OK, got %d", resp.Code)
	}
	if contentType := resp.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", contentType)
	}
	var payload struct {
		Status    string            `json:"status"`
		Node      map[string]int    `json:"node"`
		Telemetry map[string]uint64 `json:"telemetry"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode diagnostics payload: %v", err)
	}
	if payload.Status != "ok" || payload.Node["replicas"] != 1 {
		t.Fatalf("unexpected diagnostics payload %s", resp.Body.String())
	}
	if payload.Telemetry["replicator_replicas_live"] != 1 {
		t.Fatalf("expected telemetry in payload, got %s", resp.Body.String())
	}

	node.down = true
	resp = serve(t, handler, http.MethodGet, "/diagnostics", "")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the node is down, got %d", resp.Code)
	}
}

func TestReplicaControl(t *testing.T) {
	node := &fakeNode{}
	handler := NewHTTPHandler(node, HTTPHandlerConfig{EnableControl: true})

	resp := serve(t, handler, http.MethodPost, "/replicas", `{"replicaType":"marker"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(node.spawned) != 1 || node.spawned[0] != "http/marker" {
		t.Fatalf("expected default create context, got %v", node.spawned)
	}
	var created replicaResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil || created.ID != 1 || !created.Delivered {
		t.Fatalf("unexpected spawn response %s", resp.Body.String())
	}

	cases := []struct {
		method string
		body   string
		want   int
	}{
		{http.MethodPost, `{"replicaType":"dragon"}`, http.StatusUnprocessableEntity},
		{http.MethodPost, `{}`, http.StatusBadRequest},
		{http.MethodDelete, `{"id":1}`, http.StatusNoContent},
		{http.MethodDelete, `{"id":7}`, http.StatusNotFound},
		{http.MethodDelete, `{"id":0}`, http.StatusBadRequest},
		{http.MethodGet, "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		resp := serve(t, handler, tc.method, "/replicas", tc.body)
		if resp.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.body, tc.want, resp.Code)
		}
	}
}

func TestReplicaControlReportsUndeliveredAndUnavailable(t *testing.T) {
	node := &fakeNode{isolated: true}
	handler := NewHTTPHandler(node, HTTPHandlerConfig{EnableControl: true})

	resp := serve(t, handler, http.MethodPost, "/replicas", `{"replicaType":"marker"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a replica no client heard about, got %d: %s", resp.Code, resp.Body.String())
	}
	var created replicaResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil || created.ID != 1 || created.Delivered {
		t.Fatalf("expected undelivered replica 1, got %s", resp.Body.String())
	}

	resp = serve(t, handler, http.MethodDelete, "/replicas", `{"id":1}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for a local-only destroy, got %d", resp.Code)
	}
	var destroyed replicaResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &destroyed); err != nil || destroyed.ID != 1 || destroyed.Delivered {
		t.Fatalf("expected undelivered destroy of 1, got %s", resp.Body.String())
	}

	node.down = true
	if resp := serve(t, handler, http.MethodPost, "/replicas", `{"replicaType":"marker"}`); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from a stopped node on POST, got %d", resp.Code)
	}
	if resp := serve(t, handler, http.MethodDelete, "/replicas", `{"id":1}`); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from a stopped node on DELETE, got %d", resp.Code)
	}
}

func TestControlAndPprofAreOptIn(t *testing.T) {
	handler := NewHTTPHandler(&fakeNode{}, HTTPHandlerConfig{})
	if resp := serve(t, handler, http.MethodPost, "/replicas", `{"replicaType":"marker"}`); resp.Code != http.StatusNotFound {
		t.Fatalf("expected control endpoints to be disabled, got %d", resp.Code)
	}
	if resp := serve(t, handler, http.MethodGet, "/debug/pprof/", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected pprof to be disabled, got %d", resp.Code)
	}

	handler = NewHTTPHandler(&fakeNode{}, HTTPHandlerConfig{Observability: observability.Config{EnablePprof: true}})
	if resp := serve(t, handler, http.MethodGet, "/debug/pprof/", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected pprof index, got %d", resp.Code)
	}
}
