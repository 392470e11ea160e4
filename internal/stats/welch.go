package stats

import (
	"context"
	"math"

	"github.com/stagegate/stagegate/internal/api"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// WelchT is the two-sample test of means for continuous metrics. Welch's
// form is used throughout since it does not assume equal variances.
type WelchT struct{}

func (WelchT) Name() string { return "welch_t_test" }

// Run computes the Welch t statistic for mean(a) - mean(b). The exact path
// evaluates the Student-t distribution at the Welch–Satterthwaite degrees of
// freedom; the approximate path keeps the statistic and a normal-quantile
// confidence interval but withholds the p-value.
func (WelchT) Run(ctx context.Context, a, b []float64, exact bool, confidence float64) (api.TestResult, error) {
	if err := checkCtx(ctx); err != nil {
		return api.TestResult{}, err
	}

	meanA := stat.Mean(a, nil)
	meanB := stat.Mean(b, nil)
	varA := sampleVariance(a, meanA)
	varB := sampleVariance(b, meanB)
	na := float64(len(a))
	nb := float64(len(b))

	diff := meanA - meanB
	se := math.Sqrt(varA/na + varB/nb)

	result := api.TestResult{
		Name:       "welch_t_test",
		EffectSize: cohensD(meanA, meanB, varA, varB, na, nb),
	}

	if se == 0 {
		// Degenerate: both samples are constant. The statistic is defined
		// as zero and the interval collapses to the observed difference;
		// no sampling distribution exists, so the p-value stays unset.
		result.ConfidenceInterval = [2]float64{diff, diff}
		return result, nil
	}

	t := diff / se
	df := math.Pow(varA/na+varB/nb, 2) /
		(math.Pow(varA/na, 2)/(na-1) + math.Pow(varB/nb, 2)/(nb-1))

	result.Statistic = t
	result.DegreesOfFreedom = df

	if exact && df >= 1 && !math.IsNaN(df) {
		dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
		p := 2 * dist.CDF(-math.Abs(t))
		result.PValue = ptr(clampP(p))

		q := dist.Quantile(0.5 + confidence/2)
		result.ConfidenceInterval = [2]float64{diff - q*se, diff + q*se}
		return result, nil
	}

	q := zQuantile(confidence)
	result.ConfidenceInterval = [2]float64{diff - q*se, diff + q*se}
	return result, nil
}

// sampleVariance is the unbiased (n-1) variance; zero for singleton samples.
func sampleVariance(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}

// cohensD is the standardized mean difference with pooled variance.
func cohensD(meanA, meanB, varA, varB, na, nb float64) float64 {
	pooled := ((na-1)*varA + (nb-1)*varB) / (na + nb - 2)
	if pooled <= 0 || math.IsNaN(pooled) {
		return 0
	}
	return (meanA - meanB) / math.Sqrt(pooled)
}

func clampP(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
