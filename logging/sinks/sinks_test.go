package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"replicanet/server/logging"
)

func TestJSONSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf)

	event := logging.Event{
		Type:     "replication.replicas_spawned",
		Tick:     12,
		Time:     time.Unix(1700000000, 0).UTC(),
		Actor:    logging.ReplicaRef(3, ""),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  map[string]int{"count": 2},
		Extra:    map[string]any{"role": "server"},
	}
	if err := sink.Write(event); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("expected a json line, got %q: %v", buf.String(), err)
	}
	if decoded["type"] != "replication.replicas_spawned" {
		t.Fatalf("unexpected type: %v", decoded["type"])
	}
	if decoded["level"] != "warn" {
		t.Fatalf("expected warn level, got %v", decoded["level"])
	}
	if decoded["actor"] != "replica:3" {
		t.Fatalf("unexpected actor: %v", decoded["actor"])
	}
	if decoded["role"] != "server" {
		t.Fatalf("expected extra fields to be flattened, got %v", decoded)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestConsoleSinkFormatsExtraInKeyOrder(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{})
	sink.Write(logging.Event{
		Type:     "network.link_connected",
		Actor:    logging.LinkRef("abc"),
		Severity: logging.SeverityInfo,
		Extra:    map[string]any{"b": 2, "a": 1},
	})
	line := buf.String()
	if !strings.Contains(line, "actor=link:abc") {
		t.Fatalf("expected actor in %q", line)
	}
	if !strings.Contains(line, " a=1 b=2") {
		t.Fatalf("expected sorted extra fields in %q", line)
	}
}

func TestBuildRejectsUnknownSink(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"carrier-pigeon"}
	if _, err := Build(cfg, nil); err == nil {
		t.Fatalf("expected unknown sink to fail")
	}
}

func TestConsoleSinkCollapsesLargeBatches(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{})
	targets := make([]logging.EntityRef, 20)
	for i := range targets {
		targets[i] = logging.ReplicaRef(uint16(i+1), "")
	}
	sink.Write(logging.Event{
		Type:     "replication.replicas_cloned",
		Tick:     4,
		Targets:  targets,
		Category: logging.CategoryReplication,
	})
	line := buf.String()
	if !strings.Contains(line, "frame=4") || !strings.Contains(line, "category=replication") {
		t.Fatalf("expected frame and category in %q", line)
	}
	if !strings.Contains(line, "targets=replica:1,...(20)") {
		t.Fatalf("expected collapsed targets in %q", line)
	}
}

func TestBoundedMemorySinkKeepsNewestEvents(t *testing.T) {
	sink := NewBoundedMemorySink(3)
	for i := uint64(1); i <= 5; i++ {
		sink.Write(logging.Event{Type: "tick.budget_overrun", Tick: i})
	}
	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(events))
	}
	for i, want := range []uint64{3, 4, 5} {
		if events[i].Tick != want {
			t.Fatalf("expected tick %d at %d, got %d", want, i, events[i].Tick)
		}
	}
	if got := sink.Overwritten(); got != 2 {
		t.Fatalf("expected 2 overwritten events, got %d", got)
	}
	if got := len(sink.EventsOfType("tick.budget_overrun")); got != 3 {
		t.Fatalf("expected 3 events of type, got %d", got)
	}

	sink.Reset()
	sink.Write(logging.Event{Tick: 9})
	if events := sink.Events(); len(events) != 1 || events[0].Tick != 9 {
		t.Fatalf("expected reset sink to start over, got %v", events)
	}
}
