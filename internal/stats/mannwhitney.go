package stats

import (
	"context"
	"math"
	"sort"

	"github.com/stagegate/stagegate/internal/api"
	"gonum.org/v1/gonum/stat/distuv"
)

// MannWhitneyU is the non-parametric rank-sum test for count metrics, robust
// to the heavy right skew typical of per-user counts.
type MannWhitneyU struct{}

func (MannWhitneyU) Name() string { return "mann_whitney_u" }

func (MannWhitneyU) Run(ctx context.Context, a, b []float64, exact bool, confidence float64) (api.TestResult, error) {
	na := float64(len(a))
	nb := float64(len(b))

	type point struct {
		value float64
		fromA bool
	}
	points := make([]point, 0, len(a)+len(b))
	for _, v := range a {
		points = append(points, point{value: v, fromA: true})
	}
	for _, v := range b {
		points = append(points, point{value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].value < points[j].value })

	// Midranks with tie correction accumulated for the variance term.
	ranks := make([]float64, len(points))
	tieSum := 0.0
	for i := 0; i < len(points); {
		if err := checkCtx(ctx); err != nil {
			return api.TestResult{}, err
		}
		j := i + 1
		for j < len(points) && points[j].value == points[i].value {
			j++
		}
		avgRank := (float64(i+1) + float64(j)) / 2
		for k := i; k < j; k++ {
			ranks[k] = avgRank
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	rankSumA := 0.0
	for idx, p := range points {
		if p.fromA {
			rankSumA += ranks[idx]
		}
	}

	u1 := rankSumA - na*(na+1)/2
	u2 := na*nb - u1
	u := math.Min(u1, u2)

	result := api.TestResult{
		Name:      "mann_whitney_u",
		Statistic: u,
		// Rank-biserial correlation: +1 when every a exceeds every b.
		EffectSize: 1 - 2*u2/(na*nb),
	}

	// Location-shift interval on the mean difference; the rank statistic
	// itself carries no natural interval.
	meanA := mean(a)
	meanB := mean(b)
	diff := meanA - meanB
	se := math.Sqrt(sampleVariance(a, meanA)/na + sampleVariance(b, meanB)/nb)
	q := zQuantile(confidence)
	result.ConfidenceInterval = [2]float64{diff - q*se, diff + q*se}

	n := na + nb
	varU := na * nb / 12 * ((n + 1) - tieSum/(n*(n-1)))
	if varU <= 0 {
		// All observations tied; there is no distribution to test against.
		return result, nil
	}

	if exact {
		if tieSum == 0 && len(a) <= exactUMaxSample && len(b) <= exactUMaxSample {
			// Small tie-free samples get the true permutation
			// distribution of U.
			result.PValue = ptr(clampP(exactUPValue(len(a), len(b), u)))
		} else {
			// Large samples and ties use the normal-approximated rank
			// distribution with continuity correction, the standard
			// large-sample form of the test.
			z := u - na*nb/2
			if z > 0 {
				z = (z - 0.5) / math.Sqrt(varU)
			} else {
				z = (z + 0.5) / math.Sqrt(varU)
			}
			p := 2 * (1 - distuv.UnitNormal.CDF(math.Abs(z)))
			result.PValue = ptr(clampP(p))
		}
	}
	return result, nil
}

// exactUMaxSample bounds the per-sample size of the permutation
// distribution; above it the normal form is indistinguishable anyway.
const exactUMaxSample = 30

// exactUPValue is the two-sided p-value from the exact null distribution
// of U. Counts use the standard recurrence over sample sizes:
// f(m,n,k) = f(m-1,n,k-n) + f(m,n-1,k).
func exactUPValue(na, nb int, u float64) float64 {
	table := make([][][]float64, na+1)
	for m := 0; m <= na; m++ {
		table[m] = make([][]float64, nb+1)
		for n := 0; n <= nb; n++ {
			dist := make([]float64, m*n+1)
			if m == 0 || n == 0 {
				dist[0] = 1
			} else {
				for k := range dist {
					if k-n >= 0 && k-n <= (m-1)*n {
						dist[k] += table[m-1][n][k-n]
					}
					if k <= m*(n-1) {
						dist[k] += table[m][n-1][k]
					}
				}
			}
			table[m][n] = dist
		}
	}

	dist := table[na][nb]
	total := 0.0
	for _, c := range dist {
		total += c
	}
	tail := 0.0
	for k := 0; float64(k) <= u && k < len(dist); k++ {
		tail += dist[k]
	}
	return 2 * tail / total
}
