package registry

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stagegate/stagegate/internal/api"
	"github.com/stagegate/stagegate/internal/store"
)

func testConfig(id string) *api.ExperimentConfig {
	return &api.ExperimentConfig{
		ExperimentID: id,
		Name:         "checkout flow test",
		TrafficSplit: map[string]float64{"control": 50, "treatment": 50},
		SuccessMetrics: []api.MetricSpec{
			{Name: "latency_ms", Type: api.MetricContinuous},
			{Name: "converted", Type: api.MetricBinary},
		},
		PrimaryMetric:     "latency_ms",
		MinimumSampleSize: 100,
		ConfidenceLevel:   0.95,
	}
}

func TestCreateAndGet(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	ctx := context.Background()

	if err := r.Create(ctx, testConfig("exp-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := r.GetConfig(ctx, "exp-1")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.Status != api.StatusDraft {
		t.Errorf("status = %s, want draft", got.Status)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set on create")
	}
}

func TestCreateNormalizesSplit(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	ctx := context.Background()

	cfg := testConfig("exp-norm")
	cfg.TrafficSplit = map[string]float64{"control": 1, "treatment": 3}
	if err := r.Create(ctx, cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := r.GetConfig(ctx, "exp-norm")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if math.Abs(got.TrafficSplit["control"]-25) > 0.01 {
		t.Errorf("control = %.2f, want 25", got.TrafficSplit["control"])
	}
	if math.Abs(got.TrafficSplit["treatment"]-75) > 0.01 {
		t.Errorf("treatment = %.2f, want 75", got.TrafficSplit["treatment"])
	}
}

func TestCreateValidation(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*api.ExperimentConfig)
	}{
		{"missing id", func(c *api.ExperimentConfig) { c.ExperimentID = "" }},
		{"no metrics", func(c *api.ExperimentConfig) { c.SuccessMetrics = nil }},
		{"bad metric type", func(c *api.ExperimentConfig) { c.SuccessMetrics[0].Type = "gauge" }},
		{"undeclared primary", func(c *api.ExperimentConfig) { c.PrimaryMetric = "revenue" }},
		{"zero split", func(c *api.ExperimentConfig) { c.TrafficSplit = map[string]float64{"a": 0} }},
		{"negative split", func(c *api.ExperimentConfig) { c.TrafficSplit = map[string]float64{"a": 60, "b": -10} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig("exp-bad")
			tc.mutate(cfg)
			if err := r.Create(ctx, cfg); err == nil {
				t.Error("Create succeeded, want error")
			}
		})
	}
}

func TestCreateDuplicate(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	ctx := context.Background()

	if err := r.Create(ctx, testConfig("exp-dup")); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	err := r.Create(ctx, testConfig("exp-dup"))
	if !errors.Is(err, api.ErrInvalidTransition) {
		t.Errorf("duplicate Create err = %v, want ErrInvalidTransition", err)
	}
}

func TestGetConfigMissing(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	_, err := r.GetConfig(context.Background(), "nope")
	if !errors.Is(err, api.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLifecycle(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	ctx := context.Background()

	if err := r.Create(ctx, testConfig("exp-life")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(ctx, "exp-life"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := r.GetConfig(ctx, "exp-life")
	if got.Status != api.StatusRunning {
		t.Fatalf("status after Start = %s, want running", got.Status)
	}
	if got.StartDate.IsZero() {
		t.Error("StartDate not set on Start")
	}

	// starting twice is invalid
	if err := r.Start(ctx, "exp-life"); !errors.Is(err, api.ErrInvalidTransition) {
		t.Errorf("second Start err = %v, want ErrInvalidTransition", err)
	}

	if err := r.Stop(ctx, "exp-life"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// stopping an already stopped experiment is a no-op
	if err := r.Stop(ctx, "exp-life"); err != nil {
		t.Errorf("repeat Stop err = %v, want nil", err)
	}

	if err := r.Complete(ctx, "exp-life"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ = r.GetConfig(ctx, "exp-life")
	if got.Status != api.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestCompleteFromRunning(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	ctx := context.Background()

	if err := r.Create(ctx, testConfig("exp-done")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(ctx, "exp-done"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Complete(ctx, "exp-done"); err != nil {
		t.Fatalf("Complete from running: %v", err)
	}
	got, _ := r.GetConfig(ctx, "exp-done")
	if got.Status != api.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.EndDate.IsZero() {
		t.Error("EndDate not set on Complete from running")
	}

	// completing a draft is invalid
	if err := r.Create(ctx, testConfig("exp-draft")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Complete(ctx, "exp-draft"); !errors.Is(err, api.ErrInvalidTransition) {
		t.Errorf("Complete on draft err = %v, want ErrInvalidTransition", err)
	}
}

func TestStartFromStopped(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	ctx := context.Background()

	if err := r.Create(ctx, testConfig("exp-restart")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(ctx, "exp-restart"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(ctx, "exp-restart"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Start(ctx, "exp-restart"); !errors.Is(err, api.ErrInvalidTransition) {
		t.Errorf("Start from stopped err = %v, want ErrInvalidTransition", err)
	}
}

func TestSetTrafficSplit(t *testing.T) {
	r := New(store.NewMemoryStore(""))
	ctx := context.Background()

	if err := r.Create(ctx, testConfig("exp-split")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	newSplit := map[string]float64{"control": 45, "treatment": 45, "canary": 10}

	// not running yet
	if err := r.SetTrafficSplit(ctx, "exp-split", newSplit); !errors.Is(err, api.ErrInvalidTransition) {
		t.Errorf("SetTrafficSplit on draft err = %v, want ErrInvalidTransition", err)
	}

	if err := r.Start(ctx, "exp-split"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.SetTrafficSplit(ctx, "exp-split", newSplit); err != nil {
		t.Fatalf("SetTrafficSplit: %v", err)
	}
	got, _ := r.GetConfig(ctx, "exp-split")
	if got.TrafficSplit["canary"] != 10 {
		t.Errorf("canary share = %.2f, want 10", got.TrafficSplit["canary"])
	}

	// invalid splits rejected
	if err := r.SetTrafficSplit(ctx, "exp-split", map[string]float64{"a": 30}); !errors.Is(err, api.ErrInvalidSplit) {
		t.Errorf("invalid split err = %v, want ErrInvalidSplit", err)
	}
}
