package cache

import (
	"testing"
	"time"
)

func TestAssignmentCache_BasicOperations(t *testing.T) {
	c, err := NewAssignmentCache[string](3, 0) // no TTL
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("u1|exp1", "control")
	if got, ok := c.Get("u1|exp1"); !ok || got != "control" {
		t.Errorf("Get(u1|exp1) = (%q, %v), want (control, true)", got, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should return false")
	}

	// LRU eviction at capacity 3.
	c.Set("u2|exp1", "treatment")
	c.Set("u3|exp1", "control")
	c.Set("u4|exp1", "treatment") // evicts u1|exp1

	if _, ok := c.Get("u1|exp1"); ok {
		t.Error("u1|exp1 should have been evicted")
	}
	if got, ok := c.Get("u4|exp1"); !ok || got != "treatment" {
		t.Errorf("Get(u4|exp1) = (%q, %v), want (treatment, true)", got, ok)
	}
}

func TestAssignmentCache_Expiration(t *testing.T) {
	c, err := NewAssignmentCache[string](10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("u1|exp1", "control")
	if _, ok := c.Get("u1|exp1"); !ok {
		t.Error("entry should be present before expiration")
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("u1|exp1"); ok {
		t.Error("entry should have expired")
	}
}

func TestAssignmentCache_PurgeAndStats(t *testing.T) {
	c, err := NewAssignmentCache[string](5, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("a", "control")
	c.Set("b", "treatment")

	c.Get("a")       // hit
	c.Get("a")       // hit
	c.Get("missing") // miss

	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("Stats() = (%d, %d), want (2, 1)", hits, misses)
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Purge, want 0", c.Len())
	}
}
