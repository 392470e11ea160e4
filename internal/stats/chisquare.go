package stats

import (
	"context"
	"math"

	"github.com/stagegate/stagegate/internal/api"
	"gonum.org/v1/gonum/stat/distuv"
)

// ChiSquare is the test of independence for binary metrics. Samples are
// per-user 0/1 outcomes folded into a 2x2 success/failure contingency table.
type ChiSquare struct{}

func (ChiSquare) Name() string { return "chi_square" }

func (ChiSquare) Run(ctx context.Context, a, b []float64, exact bool, confidence float64) (api.TestResult, error) {
	if err := checkCtx(ctx); err != nil {
		return api.TestResult{}, err
	}

	successA := countSuccesses(a)
	successB := countSuccesses(b)
	na := float64(len(a))
	nb := float64(len(b))
	pa := successA / na
	pb := successB / nb
	diff := pa - pb

	result := api.TestResult{
		Name:             "chi_square",
		EffectSize:       diff, // risk difference
		DegreesOfFreedom: 1,
	}

	// Wald interval on the difference of proportions. Computed on both
	// paths; only the p-value depends on the chi-squared distribution.
	se := math.Sqrt(pa*(1-pa)/na + pb*(1-pb)/nb)
	q := zQuantile(confidence)
	result.ConfidenceInterval = [2]float64{diff - q*se, diff + q*se}

	chi2, ok := chiSquareStatistic(successA, na-successA, successB, nb-successB)
	if !ok {
		// A margin of the table is empty; the statistic is undefined and no
		// p-value can be claimed.
		return result, nil
	}
	result.Statistic = chi2

	if exact {
		dist := distuv.ChiSquared{K: 1}
		result.PValue = ptr(clampP(1 - dist.CDF(chi2)))
	}
	return result, nil
}

// chiSquareStatistic computes the 2x2 independence statistic from
// success/failure counts. ok is false when any expected cell is zero.
func chiSquareStatistic(sa, fa, sb, fb float64) (float64, bool) {
	n := sa + fa + sb + fb
	rowA := sa + fa
	rowB := sb + fb
	colS := sa + sb
	colF := fa + fb
	if rowA == 0 || rowB == 0 || colS == 0 || colF == 0 {
		return 0, false
	}

	chi2 := 0.0
	for _, cell := range []struct{ observed, row, col float64 }{
		{sa, rowA, colS},
		{fa, rowA, colF},
		{sb, rowB, colS},
		{fb, rowB, colF},
	} {
		expected := cell.row * cell.col / n
		d := cell.observed - expected
		chi2 += d * d / expected
	}
	return chi2, true
}

// countSuccesses treats any nonzero sample value as a success.
func countSuccesses(xs []float64) float64 {
	n := 0.0
	for _, x := range xs {
		if x != 0 {
			n++
		}
	}
	return n
}
