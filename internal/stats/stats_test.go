package stats

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stagegate/stagegate/internal/api"
)

func analyzer() *Analyzer {
	return NewAnalyzer(DefaultParams())
}

func approxAnalyzer() *Analyzer {
	p := DefaultParams()
	p.ExactPValues = false
	return NewAnalyzer(p)
}

func normalSample(rng *rand.Rand, n int, mean, sd float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()*sd + mean
	}
	return out
}

func binarySample(n, successes int) []float64 {
	out := make([]float64, n)
	for i := 0; i < successes; i++ {
		out[i] = 1
	}
	return out
}

func TestAnalyzeContinuousDetectsShift(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := normalSample(rng, 400, 10.5, 2)
	b := normalSample(rng, 400, 10.0, 2)

	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID:    "exp-1",
		SampleA:         a,
		SampleB:         b,
		NameA:           "treatment",
		NameB:           "control",
		MetricType:      api.MetricContinuous,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if res.PrimaryTest.Name != "welch_t_test" {
		t.Errorf("test name = %q, want welch_t_test", res.PrimaryTest.Name)
	}
	if res.PrimaryTest.PValue == nil {
		t.Fatal("exact path should produce a p-value")
	}
	if *res.PrimaryTest.PValue >= 0.05 {
		t.Errorf("p-value = %v, want < 0.05 for a 0.25-sigma shift at n=400", *res.PrimaryTest.PValue)
	}
	if res.PrimaryTest.Statistic <= 0 {
		t.Errorf("statistic = %v, want positive (sample A shifted up)", res.PrimaryTest.Statistic)
	}
	lo, hi := res.PrimaryTest.ConfidenceInterval[0], res.PrimaryTest.ConfidenceInterval[1]
	if lo >= hi {
		t.Errorf("confidence interval [%v, %v] is not ordered", lo, hi)
	}
}

func TestAnalyzeContinuousNoDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := normalSample(rng, 300, 5, 1)
	b := normalSample(rng, 300, 5, 1)

	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      a, SampleB: b,
		NameA: "a", NameB: "b",
		MetricType:      api.MetricContinuous,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.PrimaryTest.PValue == nil {
		t.Fatal("expected a p-value")
	}
	if *res.PrimaryTest.PValue < 0.01 {
		t.Errorf("p-value = %v for identical distributions, want not extreme", *res.PrimaryTest.PValue)
	}
}

func TestAnalyzeApproximateWithholdsPValue(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	a := normalSample(rng, 200, 12, 3)
	b := normalSample(rng, 200, 10, 3)

	res, err := approxAnalyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      a, SampleB: b,
		NameA: "a", NameB: "b",
		MetricType:      api.MetricContinuous,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if res.PrimaryTest.PValue != nil {
		t.Errorf("approximate path fabricated a p-value: %v", *res.PrimaryTest.PValue)
	}
	// Statistic, sample sizes, and interval are still computed exactly.
	if res.PrimaryTest.Statistic == 0 {
		t.Error("statistic should be computed on the approximate path")
	}
	if res.SampleSizeA != 200 || res.SampleSizeB != 200 {
		t.Errorf("sample sizes = (%d, %d), want (200, 200)", res.SampleSizeA, res.SampleSizeB)
	}
	if res.PrimaryTest.ConfidenceInterval[0] >= res.PrimaryTest.ConfidenceInterval[1] {
		t.Error("confidence interval should be computed on the approximate path")
	}
	if res.Conclusive() {
		t.Error("nil p-value must report as inconclusive")
	}
	if res.Significant(0.95) {
		t.Error("inconclusive analysis must never report significant")
	}
}

func TestAnalyzeBinaryScenario(t *testing.T) {
	// 500 users per variant, 52% vs 48% conversion.
	treatment := binarySample(500, 260)
	control := binarySample(500, 240)

	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      treatment, SampleB: control,
		NameA: "treatment", NameB: "control",
		MetricType:      api.MetricBinary,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if res.SampleSizeA != 500 || res.SampleSizeB != 500 {
		t.Errorf("sample sizes = (%d, %d), want (500, 500)", res.SampleSizeA, res.SampleSizeB)
	}
	if res.PrimaryTest.Name != "chi_square" {
		t.Errorf("test name = %q, want chi_square", res.PrimaryTest.Name)
	}
	if res.PrimaryTest.PValue == nil {
		t.Fatal("expected a p-value on the exact path")
	}
	// A 4-point difference at n=500 is not significant at 95%.
	if *res.PrimaryTest.PValue < 0.05 {
		t.Errorf("p-value = %v, want >= 0.05", *res.PrimaryTest.PValue)
	}
	if math.Abs(res.PrimaryTest.EffectSize-0.04) > 1e-9 {
		t.Errorf("risk difference = %v, want 0.04", res.PrimaryTest.EffectSize)
	}
}

func TestAnalyzeBinaryStrongEffect(t *testing.T) {
	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      binarySample(1000, 700),
		SampleB:      binarySample(1000, 500),
		NameA:        "a", NameB: "b",
		MetricType:      api.MetricBinary,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.PrimaryTest.PValue == nil || *res.PrimaryTest.PValue >= 0.001 {
		t.Errorf("p-value = %v, want < 0.001 for 70%% vs 50%%", res.PrimaryTest.PValue)
	}
}

func TestAnalyzeBinaryDegenerateTable(t *testing.T) {
	// All failures on both sides: the success column is empty and the
	// statistic is undefined, so the p-value stays unset.
	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      make([]float64, 50),
		SampleB:      make([]float64, 50),
		NameA:        "a", NameB: "b",
		MetricType:      api.MetricBinary,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.PrimaryTest.PValue != nil {
		t.Errorf("degenerate table produced p-value %v, want nil", *res.PrimaryTest.PValue)
	}
}

func TestAnalyzeCountDetectsShift(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := make([]float64, 300)
	b := make([]float64, 300)
	for i := range a {
		// Skewed counts; sample A shifted up by one event on average.
		a[i] = math.Floor(rng.ExpFloat64()*3 + 1)
		b[i] = math.Floor(rng.ExpFloat64() * 3)
	}

	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      a, SampleB: b,
		NameA: "a", NameB: "b",
		MetricType:      api.MetricCount,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.PrimaryTest.Name != "mann_whitney_u" {
		t.Errorf("test name = %q, want mann_whitney_u", res.PrimaryTest.Name)
	}
	if res.PrimaryTest.PValue == nil {
		t.Fatal("expected a p-value")
	}
	if *res.PrimaryTest.PValue >= 0.05 {
		t.Errorf("p-value = %v, want < 0.05 for shifted counts", *res.PrimaryTest.PValue)
	}
	if res.PrimaryTest.EffectSize <= 0 {
		t.Errorf("rank-biserial effect = %v, want positive", res.PrimaryTest.EffectSize)
	}
}

func TestAnalyzeCountAllTied(t *testing.T) {
	a := []float64{2, 2, 2, 2}
	b := []float64{2, 2, 2, 2}

	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      a, SampleB: b,
		NameA: "a", NameB: "b",
		MetricType:      api.MetricCount,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.PrimaryTest.PValue != nil {
		t.Errorf("fully tied samples produced p-value %v, want nil", *res.PrimaryTest.PValue)
	}
}

func TestAnalyzeCountSmallSampleExactP(t *testing.T) {
	// Fully separated tie-free samples: U = 0, and the exact null
	// distribution gives P(U <= 0) = 1/C(6,3) = 0.05 each tail.
	a := []float64{4, 5, 6}
	b := []float64{1, 2, 3}

	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      a, SampleB: b,
		NameA: "a", NameB: "b",
		MetricType:      api.MetricCount,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.PrimaryTest.PValue == nil {
		t.Fatal("expected a p-value")
	}
	if got := *res.PrimaryTest.PValue; math.Abs(got-0.1) > 1e-9 {
		t.Errorf("p-value = %v, want exact 0.1", got)
	}
}

func TestAnalyzeEmptySample(t *testing.T) {
	_, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      nil,
		SampleB:      []float64{1, 2},
		MetricType:   api.MetricContinuous,
	})
	if !errors.Is(err, api.ErrInsufficientData) {
		t.Errorf("Analyze(empty sample) error = %v, want ErrInsufficientData", err)
	}
}

func TestAnalyzeUnderpowered(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	res, err := analyzer().Analyze(context.Background(), Request{
		ExperimentID:      "exp-1",
		SampleA:           normalSample(rng, 30, 10, 2),
		SampleB:           normalSample(rng, 30, 10, 2),
		NameA:             "a",
		NameB:             "b",
		MetricType:        api.MetricContinuous,
		ConfidenceLevel:   0.95,
		MinimumSampleSize: 100,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !res.Underpowered {
		t.Error("analysis below minimum sample size should be flagged underpowered")
	}
}

func TestAnalyzeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rng := rand.New(rand.NewSource(1))
	_, err := analyzer().Analyze(ctx, Request{
		ExperimentID: "exp-1",
		SampleA:      normalSample(rng, 1000, 1, 1),
		SampleB:      normalSample(rng, 1000, 1, 1),
		MetricType:   api.MetricCount,
	})
	if !errors.Is(err, api.ErrAnalysisTimeout) {
		t.Errorf("Analyze(canceled ctx) error = %v, want ErrAnalysisTimeout", err)
	}
}

func TestMaxExactSampleSizeSwitchesToApproximation(t *testing.T) {
	p := DefaultParams()
	p.MaxExactSampleSize = 100
	a := NewAnalyzer(p)

	rng := rand.New(rand.NewSource(5))
	res, err := a.Analyze(context.Background(), Request{
		ExperimentID: "exp-1",
		SampleA:      normalSample(rng, 150, 10, 2),
		SampleB:      normalSample(rng, 150, 11, 2),
		NameA:        "a", NameB: "b",
		MetricType:      api.MetricContinuous,
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.PrimaryTest.PValue != nil {
		t.Error("samples above MaxExactSampleSize should use the approximate path")
	}
}
