package logging

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Write(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestRouterFiltersSeverityAndMergesFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinimumSeverity = SeverityInfo
	cfg.Fields = map[string]any{"session": "s1"}
	sink := &recordingSink{}
	metrics := &Metrics{}
	router, err := NewRouter(ClockFunc(func() time.Time { return time.Unix(5, 0) }), cfg, []NamedSink{{Name: "rec", Sink: sink}}, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("unexpected router error: %v", err)
	}

	router.Publish(context.Background(), Event{Type: "debug.only", Severity: SeverityDebug})
	router.Publish(context.Background(), Event{Type: "kept", Severity: SeverityWarn, Extra: map[string]any{"session": "override"}})
	router.Publish(context.Background(), Event{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Extra["session"] != "override" {
		t.Fatalf("expected event field to win, got %v", events[0].Extra["session"])
	}
	if !events[0].Time.Equal(time.Unix(5, 0)) {
		t.Fatalf("expected clock time to be stamped, got %v", events[0].Time)
	}
	if got := metrics.Snapshot()[metricEventsTotal]; got != 1 {
		t.Fatalf("expected 1 counted event, got %d", got)
	}
	if stats := router.Stats(); stats.EventsTotal != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	router.Publish(context.Background(), Event{Type: "after.close", Severity: SeverityError})
	if len(sink.snapshot()) != 1 {
		t.Fatalf("expected publish after close to be ignored")
	}
}

func TestParseSeverity(t *testing.T) {
	for raw, want := range map[string]Severity{"debug": SeverityDebug, "": SeverityInfo, "WARN": SeverityWarn, "error": SeverityError} {
		got, err := ParseSeverity(raw)
		if err != nil || got != want {
			t.Fatalf("ParseSeverity(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Fatalf("expected unknown severity to fail")
	}
}
