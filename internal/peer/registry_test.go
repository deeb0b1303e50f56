package peer

import "testing"

type counter struct{ n int }

func TestRegistryTypedSlots(t *testing.T) {
	first := NewKey[*counter]("counter")
	second := NewKey[*counter]("counter")
	names := NewKey[string]("name")

	var r Registry
	c := &counter{n: 3}
	if !Attach(&r, first, c) {
		t.Fatalf("expected attach to succeed")
	}
	if Attach(&r, first, &counter{}) {
		t.Fatalf("expected second attach to the same key to fail")
	}
	if _, ok := Lookup(&r, second); ok {
		t.Fatalf("expected keys with the same name to be distinct")
	}
	Attach(&r, names, "replicator")

	got, ok := Lookup(&r, first)
	if !ok || got != c {
		t.Fatalf("expected attached counter, got %v (ok=%t)", got, ok)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 slots, got %d", r.Len())
	}
	if detached, ok := Detach(&r, first); !ok || detached.n != 3 {
		t.Fatalf("expected detach to return the counter")
	}
	if _, ok := Lookup(&r, first); ok {
		t.Fatalf("expected slot to be empty after detach")
	}
}
