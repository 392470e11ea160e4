package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// MemoryStore is the in-process backend with an optional JSON snapshot for
// restarts. Suitable for development and tests; production deployments use
// Redis or Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string]memEntry
	counters map[string]map[string]float64
	snapshot string
}

type memEntry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (e memEntry) expired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

type memSnapshot struct {
	Values   map[string]memEntry           `json:"values"`
	Counters map[string]map[string]float64 `json:"counters"`
}

// NewMemoryStore creates an in-memory store. A non-empty snapshotPath is
// loaded on startup and written on Close.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		values:   make(map[string]memEntry),
		counters: make(map[string]map[string]float64),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		ms.loadSnapshot()
	}
	return ms
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.values[key]
	if !ok || e.expired() {
		return nil, nil
	}
	return e.Value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = memEntry{Value: value}
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.values[key]; ok && !e.expired() {
		return false, nil
	}
	e := memEntry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}
	m.values[key] = e
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	delete(m.counters, key)
	return nil
}

func (m *MemoryStore) IncrByFloat(ctx context.Context, key, field string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields, ok := m.counters[key]
	if !ok {
		fields = make(map[string]float64)
		m.counters[key] = fields
	}
	fields[field] += delta
	return nil
}

func (m *MemoryStore) Fields(ctx context.Context, key string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(m.counters[key]))
	for field, value := range m.counters[key] {
		out[field] = value
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if e, ok := m.values[key]; ok && !e.expired() {
		current = e.Value
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	m.values[key] = memEntry{Value: next}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap memSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range snap.Values {
		if !e.expired() {
			m.values[k] = e
		}
	}
	for k, fields := range snap.Counters {
		m.counters[k] = fields
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	snap := memSnapshot{
		Values:   make(map[string]memEntry, len(m.values)),
		Counters: make(map[string]map[string]float64, len(m.counters)),
	}
	for k, e := range m.values {
		if !e.expired() {
			snap.Values[k] = e
		}
	}
	for k, fields := range m.counters {
		snap.Counters[k] = fields
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}
