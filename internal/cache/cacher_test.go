package cache

import "testing"

type context string

func TestCacherServerMapping(t *testing.T) {
	c := New[context](2)

	id, isNew, ok := c.MapItem("arena")
	if !ok || !isNew || id != 1 {
		t.Fatalf("expected new id 1, got id=%d new=%t ok=%t", id, isNew, ok)
	}
	again, isNew, ok := c.MapItem("arena")
	if !ok || isNew || again != id {
		t.Fatalf("expected existing id %d, got id=%d new=%t ok=%t", id, again, isNew, ok)
	}
	if !c.IsItemMapped("arena") {
		t.Fatalf("expected arena to be mapped")
	}

	c.MapItem("lobby")
	c.MapItem("vault")
	if _, _, ok := c.MapItem("overflow"); ok {
		t.Fatalf("expected mapping beyond 2-bit key space to fail")
	}
	if _, _, ok := c.MapItem(""); ok {
		t.Fatalf("expected empty value to be rejected")
	}

	items := c.Items()
	if len(items) != 3 || items[0].Value != "arena" || items[2].Value != "vault" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestCacherUnmapReleasesKey(t *testing.T) {
	c := New[context](10)
	id, _, _ := c.MapItem("arena")
	if !c.UnmapItem("arena") {
		t.Fatalf("expected unmap to succeed")
	}
	if c.IsItemMapped("arena") || c.IsIDMapped(id) {
		t.Fatalf("expected mapping to be removed")
	}
	if c.UnmapItem("arena") {
		t.Fatalf("expected second unmap to fail")
	}
	next, _, _ := c.MapItem("lobby")
	if next != id {
		t.Fatalf("expected released key %d to be reused, got %d", id, next)
	}
}

func TestCacherClientMapping(t *testing.T) {
	c := New[context](10)
	if c.MapID(0, "arena") {
		t.Fatalf("expected zero key to be rejected")
	}
	if !c.MapID(7, "arena") {
		t.Fatalf("expected key definition to be accepted")
	}
	value, ok := c.MappedIDItem(7)
	if !ok || value != "arena" {
		t.Fatalf("expected arena, got %q (ok=%t)", value, ok)
	}
	if _, ok := c.MappedIDItem(8); ok {
		t.Fatalf("expected unknown key lookup to miss")
	}

	c.MapID(7, "lobby")
	if c.IsItemMapped("arena") {
		t.Fatalf("expected redefined key to drop the previous value")
	}

	c.Reset()
	if c.Len() != 0 || c.IsIDMapped(7) {
		t.Fatalf("expected reset to clear mappings")
	}
}
