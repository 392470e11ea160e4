// Package stats selects and runs the hypothesis test for a declared metric
// type, comparing two raw per-user samples.
//
// Every test has an exact path (precise sampling distribution, real p-value)
// and an approximate path. The approximate path still computes the test
// statistic, sample sizes, effect size, and confidence interval exactly, but
// withholds the p-value instead of fabricating one: a nil p-value means
// "inconclusive" and is a valid, distinct outcome.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stagegate/stagegate/internal/api"
	"gonum.org/v1/gonum/stat/distuv"
)

// Params holds analyzer tuning knobs.
type Params struct {
	// ExactPValues enables the precise-distribution path. When false every
	// test runs its approximation and withholds the p-value.
	ExactPValues bool

	// MaxExactSampleSize is the per-sample size above which the analyzer
	// switches to the approximate path. The threshold is configuration, not
	// a guessed constant.
	MaxExactSampleSize int

	// Timeout bounds one analysis run when the caller's context carries no
	// earlier deadline.
	Timeout time.Duration
}

// DefaultParams returns production defaults.
func DefaultParams() Params {
	return Params{
		ExactPValues:       true,
		MaxExactSampleSize: 200000,
		Timeout:            30 * time.Second,
	}
}

// Request describes one two-sample comparison.
type Request struct {
	ExperimentID      string
	SampleA           []float64
	SampleB           []float64
	NameA             string
	NameB             string
	MetricType        api.MetricType
	ConfidenceLevel   float64
	MinimumSampleSize int
}

// HypothesisTest is the strategy run for one metric type. Adding a metric
// type means adding an implementation, never widening a branch elsewhere.
type HypothesisTest interface {
	// Name is the stable test identifier reported in results.
	Name() string

	// Run compares sample a against sample b. When exact is false the
	// p-value must be withheld, not approximated.
	Run(ctx context.Context, a, b []float64, exact bool, confidence float64) (api.TestResult, error)
}

// Analyzer runs hypothesis tests with timeout and fallback handling.
type Analyzer struct {
	params Params
	tests  map[api.MetricType]HypothesisTest
}

// NewAnalyzer creates an analyzer with the standard test registry.
func NewAnalyzer(params Params) *Analyzer {
	if params.Timeout <= 0 {
		params.Timeout = DefaultParams().Timeout
	}
	return &Analyzer{
		params: params,
		tests: map[api.MetricType]HypothesisTest{
			api.MetricContinuous: &WelchT{},
			api.MetricBinary:     &ChiSquare{},
			api.MetricCount:      &MannWhitneyU{},
		},
	}
}

// Analyze runs the hypothesis test selected by the request's metric type.
//
// Empty samples fail with ErrInsufficientData. Samples below the declared
// minimum are still analyzed but flagged underpowered. Exceeding the time
// budget fails with ErrAnalysisTimeout and no partial result.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*api.StatisticalAnalysis, error) {
	if len(req.SampleA) == 0 || len(req.SampleB) == 0 {
		return nil, fmt.Errorf("%w: sample sizes %d and %d", api.ErrInsufficientData, len(req.SampleA), len(req.SampleB))
	}
	test, ok := a.tests[req.MetricType]
	if !ok {
		return nil, fmt.Errorf("unknown metric type %q", req.MetricType)
	}

	confidence := req.ConfidenceLevel
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.params.Timeout)
		defer cancel()
	}

	exact := a.params.ExactPValues &&
		len(req.SampleA) <= a.params.MaxExactSampleSize &&
		len(req.SampleB) <= a.params.MaxExactSampleSize

	result, err := test.Run(ctx, req.SampleA, req.SampleB, exact, confidence)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s on %s", api.ErrAnalysisTimeout, test.Name(), req.ExperimentID)
		}
		return nil, err
	}

	analysis := &api.StatisticalAnalysis{
		ExperimentID: req.ExperimentID,
		VariantA:     req.NameA,
		VariantB:     req.NameB,
		SampleSizeA:  len(req.SampleA),
		SampleSizeB:  len(req.SampleB),
		MetricType:   req.MetricType,
		PrimaryTest:  result,
		MeanA:        mean(req.SampleA),
		MeanB:        mean(req.SampleB),
		AnalyzedAt:   time.Now().UTC(),
	}
	if req.MinimumSampleSize > 0 &&
		(len(req.SampleA) < req.MinimumSampleSize || len(req.SampleB) < req.MinimumSampleSize) {
		analysis.Underpowered = true
	}
	return analysis, nil
}

// checkCtx is polled inside test loops so large-sample runs stay cancelable.
func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// zQuantile is the standard-normal quantile used for approximate-path
// confidence intervals.
func zQuantile(confidence float64) float64 {
	return distuv.UnitNormal.Quantile(0.5 + confidence/2)
}

func ptr(v float64) *float64 { return &v }
