package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreGetSet(t *testing.T) {
	ms := NewMemoryStore("")
	ctx := context.Background()

	if got, err := ms.Get(ctx, "missing"); err != nil || got != nil {
		t.Errorf("Get(missing) = (%v, %v), want (nil, nil)", got, err)
	}

	if err := ms.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := ms.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Errorf("Get(k) = (%q, %v), want (v1, nil)", got, err)
	}

	if err := ms.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, _ := ms.Get(ctx, "k"); got != nil {
		t.Errorf("Get after Delete = %q, want nil", got)
	}
}

func TestMemoryStoreSetNX(t *testing.T) {
	ms := NewMemoryStore("")
	ctx := context.Background()

	set, err := ms.SetNX(ctx, "k", []byte("first"), 0)
	if err != nil || !set {
		t.Fatalf("SetNX(first) = (%v, %v), want (true, nil)", set, err)
	}

	set, err = ms.SetNX(ctx, "k", []byte("second"), 0)
	if err != nil || set {
		t.Fatalf("SetNX(second) = (%v, %v), want (false, nil)", set, err)
	}

	got, _ := ms.Get(ctx, "k")
	if string(got) != "first" {
		t.Errorf("first write should win, got %q", got)
	}
}

func TestMemoryStoreSetNXExpiry(t *testing.T) {
	ms := NewMemoryStore("")
	ctx := context.Background()

	if set, _ := ms.SetNX(ctx, "k", []byte("v"), 30*time.Millisecond); !set {
		t.Fatal("initial SetNX should succeed")
	}
	time.Sleep(60 * time.Millisecond)

	if got, _ := ms.Get(ctx, "k"); got != nil {
		t.Errorf("expired key returned %q, want nil", got)
	}
	if set, _ := ms.SetNX(ctx, "k", []byte("v2"), 0); !set {
		t.Error("SetNX should succeed after expiry")
	}
}

func TestMemoryStoreCountersConcurrent(t *testing.T) {
	ms := NewMemoryStore("")
	ctx := context.Background()

	const workers = 16
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := ms.IncrByFloat(ctx, "agg", "conversion.count", 1); err != nil {
					t.Errorf("IncrByFloat failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	fields, err := ms.Fields(ctx, "agg")
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
	if got := fields["conversion.count"]; got != workers*perWorker {
		t.Errorf("conversion.count = %v, want %d", got, workers*perWorker)
	}
}

func TestMemoryStoreUpdateSerialized(t *testing.T) {
	ms := NewMemoryStore("")
	ctx := context.Background()

	type counter struct {
		N int `json:"n"`
	}

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := ms.Update(ctx, "c", func(current []byte) ([]byte, error) {
					var c counter
					if current != nil {
						if err := json.Unmarshal(current, &c); err != nil {
							return nil, err
						}
					}
					c.N++
					return json.Marshal(c)
				})
				if err != nil {
					t.Errorf("Update failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	raw, _ := ms.Get(ctx, "c")
	var c counter
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.N != workers*perWorker {
		t.Errorf("counter = %d after concurrent updates, want %d", c.N, workers*perWorker)
	}
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	ms := NewMemoryStore(path)
	ms.Set(ctx, "k", []byte(`{"a":1}`))
	ms.IncrByFloat(ctx, "agg", "users", 3)
	if err := ms.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := NewMemoryStore(path)
	got, _ := reopened.Get(ctx, "k")
	if string(got) != `{"a":1}` {
		t.Errorf("reloaded value = %q, want %q", got, `{"a":1}`)
	}
	fields, _ := reopened.Fields(ctx, "agg")
	if fields["users"] != 3 {
		t.Errorf("reloaded counter = %v, want 3", fields["users"])
	}
}
