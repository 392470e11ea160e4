// Package impact derives business-facing reports from experiment
// aggregates. Reports are read-only: nothing here touches traffic or
// experiment state.
package impact

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stagegate/stagegate/internal/api"
	"github.com/stagegate/stagegate/internal/registry"
	"github.com/stagegate/stagegate/internal/tracker"
)

// Metric names with business meaning when present in tracked records.
const (
	MetricRevenue    = "revenue"
	MetricCost       = "cost"
	MetricLatency    = "latency_ms"
	MetricSatisfied  = "satisfied"
	MetricConversion = "converted"
)

// Report is the business impact view of one experiment.
type Report struct {
	ExperimentID    string           `json:"experiment_id"`
	ExperimentName  string           `json:"experiment_name"`
	Baseline        string           `json:"baseline"`
	Variants        []VariantImpact  `json:"variants"`
	Risk            RiskAssessment   `json:"risk"`
	Recommendations []Recommendation `json:"recommendations"`
	ConfidenceLevel string           `json:"confidence_level"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// VariantImpact compares one variant against the baseline.
type VariantImpact struct {
	Variant string `json:"variant"`
	Users   int64  `json:"users"`

	// Per-user deltas against the baseline, present only when the
	// corresponding metric was tracked.
	RevenueDeltaPerUser   *float64 `json:"revenue_delta_per_user,omitempty"`
	CostDeltaPerUser      *float64 `json:"cost_delta_per_user,omitempty"`
	LatencyDeltaMs        *float64 `json:"latency_delta_ms,omitempty"`
	SatisfactionDelta     *float64 `json:"satisfaction_delta,omitempty"`
	ConversionDelta       *float64 `json:"conversion_delta,omitempty"`
	ProjectedRevenueTotal float64  `json:"projected_revenue_total"`
	FailureRate           float64  `json:"failure_rate"`
}

// RiskAssessment summarizes downside exposure across variants.
type RiskAssessment struct {
	Level   string   `json:"level"`
	Reasons []string `json:"reasons,omitempty"`
}

// Recommendation is one suggested action.
type Recommendation struct {
	Action   string `json:"action"`
	Variant  string `json:"variant,omitempty"`
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

// Analyzer produces reports from the registry and tracker.
type Analyzer struct {
	registry *registry.Registry
	tracker  *tracker.Tracker
}

func NewAnalyzer(r *registry.Registry, t *tracker.Tracker) *Analyzer {
	return &Analyzer{registry: r, tracker: t}
}

// GenerateReport builds the impact report for one experiment. The
// baseline for comparison is the variant holding the largest traffic
// share, ties broken by name.
func (a *Analyzer) GenerateReport(ctx context.Context, experimentID string) (*Report, error) {
	cfg, err := a.registry.GetConfig(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	aggs, err := a.tracker.GetMetrics(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	baseline := largestShare(cfg.TrafficSplit)
	base, ok := aggs[baseline]
	if !ok {
		return nil, fmt.Errorf("no data for baseline variant %s: %w", baseline, api.ErrInsufficientData)
	}

	report := &Report{
		ExperimentID:   experimentID,
		ExperimentName: cfg.Name,
		Baseline:       baseline,
		GeneratedAt:    time.Now().UTC(),
	}

	names := make([]string, 0, len(aggs))
	for name := range aggs {
		if name != baseline {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	minUsers := int64(1<<62 - 1)
	for _, name := range names {
		agg := aggs[name]
		vi := VariantImpact{Variant: name, Users: agg.Users}
		if agg.Users < minUsers {
			minUsers = agg.Users
		}

		vi.RevenueDeltaPerUser = meanDelta(agg, base, MetricRevenue)
		vi.CostDeltaPerUser = meanDelta(agg, base, MetricCost)
		vi.LatencyDeltaMs = meanDelta(agg, base, MetricLatency)
		vi.SatisfactionDelta = meanDelta(agg, base, MetricSatisfied)
		vi.ConversionDelta = meanDelta(agg, base, MetricConversion)
		if vi.RevenueDeltaPerUser != nil {
			vi.ProjectedRevenueTotal = *vi.RevenueDeltaPerUser * float64(agg.Users)
		}
		if agg.Users > 0 {
			if em, ok := agg.Metrics[tracker.ErrorMetric]; ok {
				vi.FailureRate = em.Sum / float64(agg.Users)
			}
		}
		report.Variants = append(report.Variants, vi)
	}

	report.Risk = assessRisk(report.Variants, base)
	report.Recommendations = recommend(report.Variants, cfg)
	report.ConfidenceLevel = confidenceLabel(minUsers, base.Users, cfg.MinimumSampleSize)
	return report, nil
}

// meanDelta returns variant mean minus baseline mean for one metric, or
// nil when either side lacks samples.
func meanDelta(v, base tracker.VariantAggregate, metric string) *float64 {
	vm, ok1 := v.Metrics[metric]
	bm, ok2 := base.Metrics[metric]
	if !ok1 || !ok2 || vm.Count == 0 || bm.Count == 0 {
		return nil
	}
	d := vm.Mean - bm.Mean
	return &d
}

func assessRisk(variants []VariantImpact, base tracker.VariantAggregate) RiskAssessment {
	baseRate := 0.0
	if base.Users > 0 {
		if em, ok := base.Metrics[tracker.ErrorMetric]; ok {
			baseRate = em.Sum / float64(base.Users)
		}
	}

	risk := RiskAssessment{Level: "low"}
	for _, v := range variants {
		switch {
		case v.FailureRate >= baseRate+0.05:
			risk.Level = "high"
			risk.Reasons = append(risk.Reasons,
				fmt.Sprintf("variant %s failure rate %.3f is %.3f above baseline", v.Variant, v.FailureRate, v.FailureRate-baseRate))
		case v.FailureRate >= baseRate+0.01 && risk.Level != "high":
			risk.Level = "medium"
			risk.Reasons = append(risk.Reasons,
				fmt.Sprintf("variant %s failure rate %.3f slightly above baseline", v.Variant, v.FailureRate))
		}
		if v.CostDeltaPerUser != nil && *v.CostDeltaPerUser > 0 && risk.Level == "low" {
			risk.Level = "medium"
			risk.Reasons = append(risk.Reasons,
				fmt.Sprintf("variant %s costs %.4f more per user", v.Variant, *v.CostDeltaPerUser))
		}
	}
	return risk
}

func recommend(variants []VariantImpact, cfg *api.ExperimentConfig) []Recommendation {
	var recs []Recommendation
	for _, v := range variants {
		underpowered := v.Users < int64(cfg.MinimumSampleSize)
		switch {
		case underpowered:
			recs = append(recs, Recommendation{
				Action:   "continue",
				Variant:  v.Variant,
				Priority: "low",
				Reason:   fmt.Sprintf("%d users below minimum sample size %d", v.Users, cfg.MinimumSampleSize),
			})
		case v.FailureRate > 0.05:
			recs = append(recs, Recommendation{
				Action:   "investigate",
				Variant:  v.Variant,
				Priority: "high",
				Reason:   fmt.Sprintf("failure rate %.3f", v.FailureRate),
			})
		case v.RevenueDeltaPerUser != nil && *v.RevenueDeltaPerUser > 0:
			recs = append(recs, Recommendation{
				Action:   "adopt",
				Variant:  v.Variant,
				Priority: "medium",
				Reason:   fmt.Sprintf("projected revenue lift %.2f total", v.ProjectedRevenueTotal),
			})
		case v.ConversionDelta != nil && *v.ConversionDelta > 0:
			recs = append(recs, Recommendation{
				Action:   "adopt",
				Variant:  v.Variant,
				Priority: "medium",
				Reason:   fmt.Sprintf("conversion rate up %.4f", *v.ConversionDelta),
			})
		default:
			recs = append(recs, Recommendation{
				Action:   "hold",
				Variant:  v.Variant,
				Priority: "low",
				Reason:   "no measurable improvement over baseline",
			})
		}
	}
	return recs
}

func confidenceLabel(minVariantUsers, baseUsers int64, minimum int) string {
	least := minVariantUsers
	if baseUsers < least {
		least = baseUsers
	}
	switch {
	case minimum > 0 && least >= int64(minimum)*2:
		return "high"
	case minimum > 0 && least >= int64(minimum):
		return "medium"
	default:
		return "low"
	}
}

func largestShare(split map[string]float64) string {
	names := make([]string, 0, len(split))
	for name := range split {
		names = append(names, name)
	}
	sort.Strings(names)
	best := ""
	share := -1.0
	for _, name := range names {
		if split[name] > share {
			best = name
			share = split[name]
		}
	}
	return best
}
