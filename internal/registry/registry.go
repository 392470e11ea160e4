// Package registry manages experiment configurations and their
// lifecycle state over the shared store.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stagegate/stagegate/internal/api"
	"github.com/stagegate/stagegate/internal/split"
	"github.com/stagegate/stagegate/internal/store"
)

// Registry persists experiment configs and enforces lifecycle
// transitions. All writes go through Store.Update so concurrent
// transitions on the same experiment serialize.
type Registry struct {
	store store.Store
}

func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Create validates and persists a new experiment in draft state.
// The traffic split is normalized to sum to 100 before it is stored.
func (r *Registry) Create(ctx context.Context, cfg *api.ExperimentConfig) error {
	if cfg.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ExperimentID
	}
	if len(cfg.SuccessMetrics) == 0 {
		return fmt.Errorf("experiment %s: at least one success metric is required", cfg.ExperimentID)
	}
	declared := make(map[string]bool, len(cfg.SuccessMetrics))
	for _, m := range cfg.SuccessMetrics {
		if !m.Type.Valid() {
			return fmt.Errorf("experiment %s: metric %s has unknown type %q", cfg.ExperimentID, m.Name, m.Type)
		}
		declared[m.Name] = true
	}
	if cfg.PrimaryMetric == "" {
		cfg.PrimaryMetric = cfg.SuccessMetrics[0].Name
	}
	if !declared[cfg.PrimaryMetric] {
		return fmt.Errorf("experiment %s: primary metric %s is not declared", cfg.ExperimentID, cfg.PrimaryMetric)
	}
	if cfg.ConfidenceLevel == 0 {
		cfg.ConfidenceLevel = 0.95
	}
	normalized, err := split.Normalize(cfg.TrafficSplit)
	if err != nil {
		return fmt.Errorf("experiment %s: %w", cfg.ExperimentID, err)
	}
	cfg.TrafficSplit = normalized
	cfg.Status = api.StatusDraft
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal experiment %s: %w", cfg.ExperimentID, err)
	}
	created, err := r.store.SetNX(ctx, api.ConfigKey(cfg.ExperimentID), raw, 0)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("experiment %s already exists: %w", cfg.ExperimentID, api.ErrInvalidTransition)
	}
	return nil
}

// GetConfig loads an experiment config. Missing experiments return
// api.ErrNotFound. Implements segment.ConfigSource.
func (r *Registry) GetConfig(ctx context.Context, experimentID string) (*api.ExperimentConfig, error) {
	raw, err := r.store.Get(ctx, api.ConfigKey(experimentID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("experiment %s: %w", experimentID, api.ErrNotFound)
	}
	var cfg api.ExperimentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode experiment %s: %w", experimentID, err)
	}
	return &cfg, nil
}

// Start moves a draft experiment to running.
func (r *Registry) Start(ctx context.Context, experimentID string) error {
	return r.transition(ctx, experimentID, func(cfg *api.ExperimentConfig) error {
		if cfg.Status != api.StatusDraft {
			return fmt.Errorf("experiment %s is %s, not draft: %w", experimentID, cfg.Status, api.ErrInvalidTransition)
		}
		cfg.Status = api.StatusRunning
		if cfg.StartDate.IsZero() {
			cfg.StartDate = time.Now().UTC()
		}
		return nil
	})
}

// Stop moves a running experiment to stopped. Stopping an already
// stopped experiment is a no-op.
func (r *Registry) Stop(ctx context.Context, experimentID string) error {
	return r.transition(ctx, experimentID, func(cfg *api.ExperimentConfig) error {
		switch cfg.Status {
		case api.StatusRunning:
			cfg.Status = api.StatusStopped
			cfg.EndDate = time.Now().UTC()
			return nil
		case api.StatusStopped:
			return nil
		default:
			return fmt.Errorf("experiment %s is %s, not running: %w", experimentID, cfg.Status, api.ErrInvalidTransition)
		}
	})
}

// Complete marks an experiment as completed. Running experiments
// complete directly, for example when a promoted canary or a reached
// sample-size target ends the experiment without a stop in between.
func (r *Registry) Complete(ctx context.Context, experimentID string) error {
	return r.transition(ctx, experimentID, func(cfg *api.ExperimentConfig) error {
		switch cfg.Status {
		case api.StatusRunning:
			cfg.EndDate = time.Now().UTC()
		case api.StatusStopped:
		default:
			return fmt.Errorf("experiment %s is %s, not running or stopped: %w", experimentID, cfg.Status, api.ErrInvalidTransition)
		}
		cfg.Status = api.StatusCompleted
		return nil
	})
}

// SetTrafficSplit replaces the split of a running experiment. The new
// split must already be valid; the canary manager uses this to carve
// and restore canary slices.
func (r *Registry) SetTrafficSplit(ctx context.Context, experimentID string, newSplit map[string]float64) error {
	if !split.Validate(newSplit) {
		return api.ErrInvalidSplit
	}
	return r.transition(ctx, experimentID, func(cfg *api.ExperimentConfig) error {
		if cfg.Status != api.StatusRunning {
			return fmt.Errorf("experiment %s is %s, not running: %w", experimentID, cfg.Status, api.ErrInvalidTransition)
		}
		cfg.TrafficSplit = newSplit
		return nil
	})
}

func (r *Registry) transition(ctx context.Context, experimentID string, apply func(*api.ExperimentConfig) error) error {
	return r.store.Update(ctx, api.ConfigKey(experimentID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("experiment %s: %w", experimentID, api.ErrNotFound)
		}
		var cfg api.ExperimentConfig
		if err := json.Unmarshal(current, &cfg); err != nil {
			return nil, fmt.Errorf("decode experiment %s: %w", experimentID, err)
		}
		if err := apply(&cfg); err != nil {
			return nil, err
		}
		cfg.UpdatedAt = time.Now().UTC()
		return json.Marshal(&cfg)
	})
}
