package impact

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stagegate/stagegate/internal/api"
	"github.com/stagegate/stagegate/internal/registry"
	"github.com/stagegate/stagegate/internal/store"
	"github.com/stagegate/stagegate/internal/tracker"
)

func setup(t *testing.T) (*Analyzer, *tracker.Tracker) {
	t.Helper()
	s := store.NewMemoryStore("")
	reg := registry.New(s)
	tr := tracker.New(s, nil, nil, nil)

	cfg := &api.ExperimentConfig{
		ExperimentID: "exp-1",
		Name:         "pricing page test",
		TrafficSplit: map[string]float64{"control": 70, "treatment": 30},
		SuccessMetrics: []api.MetricSpec{
			{Name: "revenue", Type: api.MetricContinuous},
			{Name: "converted", Type: api.MetricBinary},
		},
		PrimaryMetric:     "revenue",
		MinimumSampleSize: 5,
	}
	ctx := context.Background()
	if err := reg.Create(ctx, cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Start(ctx, "exp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return NewAnalyzer(reg, tr), tr
}

func track(t *testing.T, tr *tracker.Tracker, variant string, n int, revenue float64, fail bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		errVal := 0.0
		if fail && i == 0 {
			errVal = 1
		}
		rec := &api.MetricRecord{
			ExperimentID: "exp-1",
			VariantName:  variant,
			UserID:       "u",
			Metrics:      map[string]float64{"revenue": revenue, "error": errVal},
		}
		if err := tr.TrackResult(ctx, rec); err != nil {
			t.Fatalf("TrackResult: %v", err)
		}
	}
}

func TestGenerateReportRevenueLift(t *testing.T) {
	a, tr := setup(t)
	track(t, tr, "control", 20, 10, false)
	track(t, tr, "treatment", 20, 12, false)

	report, err := a.GenerateReport(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if report.Baseline != "control" {
		t.Errorf("baseline = %s, want control (largest share)", report.Baseline)
	}
	if len(report.Variants) != 1 {
		t.Fatalf("variants = %d, want 1", len(report.Variants))
	}
	v := report.Variants[0]
	if v.RevenueDeltaPerUser == nil || math.Abs(*v.RevenueDeltaPerUser-2) > 1e-9 {
		t.Errorf("revenue delta = %v, want 2", v.RevenueDeltaPerUser)
	}
	if math.Abs(v.ProjectedRevenueTotal-40) > 1e-9 {
		t.Errorf("projected total = %.2f, want 40", v.ProjectedRevenueTotal)
	}

	if len(report.Recommendations) != 1 || report.Recommendations[0].Action != "adopt" {
		t.Errorf("recommendations = %+v, want adopt", report.Recommendations)
	}
	if report.ConfidenceLevel != "high" {
		t.Errorf("confidence = %s, want high (20 users vs minimum 5)", report.ConfidenceLevel)
	}
	if report.Risk.Level != "low" {
		t.Errorf("risk = %s, want low", report.Risk.Level)
	}
}

func TestGenerateReportHighRisk(t *testing.T) {
	a, tr := setup(t)
	track(t, tr, "control", 10, 10, false)
	// one failure in ten users, 10% failure rate
	track(t, tr, "treatment", 10, 15, true)

	report, err := a.GenerateReport(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if report.Risk.Level != "high" {
		t.Errorf("risk = %s, want high", report.Risk.Level)
	}
	if report.Recommendations[0].Action != "investigate" {
		t.Errorf("action = %s, want investigate", report.Recommendations[0].Action)
	}
}

func TestGenerateReportUnderpowered(t *testing.T) {
	a, tr := setup(t)
	track(t, tr, "control", 10, 10, false)
	track(t, tr, "treatment", 2, 12, false)

	report, err := a.GenerateReport(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if report.Recommendations[0].Action != "continue" {
		t.Errorf("action = %s, want continue", report.Recommendations[0].Action)
	}
	if report.ConfidenceLevel != "low" {
		t.Errorf("confidence = %s, want low", report.ConfidenceLevel)
	}
}

func TestGenerateReportNoBaselineData(t *testing.T) {
	a, tr := setup(t)
	track(t, tr, "treatment", 5, 12, false)

	_, err := a.GenerateReport(context.Background(), "exp-1")
	if !errors.Is(err, api.ErrInsufficientData) {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
}

func TestGenerateReportMissingExperiment(t *testing.T) {
	a, _ := setup(t)
	_, err := a.GenerateReport(context.Background(), "ghost")
	if !errors.Is(err, api.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
