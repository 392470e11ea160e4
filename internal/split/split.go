// Package split holds the pure traffic-split functions shared by the
// registry, the segmentation engine, and the canary manager.
package split

import (
	"fmt"
	"math"

	"github.com/stagegate/stagegate/internal/api"
)

// Tolerance is the permitted deviation of a valid split's sum from 100.
const Tolerance = 0.01

// CanaryVariant is the reserved name inserted by CarveCanary.
const CanaryVariant = "canary"

// Validate reports whether every value is non-negative and the sum equals
// 100 within Tolerance.
func Validate(split map[string]float64) bool {
	if len(split) == 0 {
		return false
	}
	sum := 0.0
	for _, pct := range split {
		if pct < 0 || math.IsNaN(pct) || math.IsInf(pct, 0) {
			return false
		}
		sum += pct
	}
	return math.Abs(sum-100) <= Tolerance
}

// Normalize rescales all values proportionally so the sum is exactly 100.
// Fails with ErrInvalidSplit when the input sum is zero or any value is
// negative.
func Normalize(split map[string]float64) (map[string]float64, error) {
	if len(split) == 0 {
		return nil, fmt.Errorf("%w: empty split", api.ErrInvalidSplit)
	}
	sum := 0.0
	for name, pct := range split {
		if pct < 0 || math.IsNaN(pct) || math.IsInf(pct, 0) {
			return nil, fmt.Errorf("%w: variant %q has invalid percentage %v", api.ErrInvalidSplit, name, pct)
		}
		sum += pct
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: percentages sum to zero", api.ErrInvalidSplit)
	}

	out := make(map[string]float64, len(split))
	for name, pct := range split {
		out[name] = pct / sum * 100
	}
	return out, nil
}

// Carve inserts variant at pct percent, proportionally shrinking every
// existing entry so the total remains 100. The base split must be valid.
func Carve(base map[string]float64, variant string, pct float64) (map[string]float64, error) {
	if pct < 0 || pct >= 100 {
		return nil, fmt.Errorf("%w: carve percentage %.2f not in [0, 100)", api.ErrInvalidSplit, pct)
	}
	if !Validate(base) {
		return nil, fmt.Errorf("%w: base split does not sum to 100", api.ErrInvalidSplit)
	}
	if _, exists := base[variant]; exists {
		return nil, fmt.Errorf("%w: variant %q already present in base split", api.ErrInvalidSplit, variant)
	}

	scale := (100 - pct) / 100
	out := make(map[string]float64, len(base)+1)
	for name, share := range base {
		out[name] = share * scale
	}
	out[variant] = pct
	return out, nil
}

// CarveCanary inserts the reserved "canary" entry at canaryPct.
func CarveCanary(base map[string]float64, canaryPct float64) (map[string]float64, error) {
	return Carve(base, CanaryVariant, canaryPct)
}

// Fold removes variant from the split and renormalizes the remainder to 100.
// Used when a rolled-back canary's share is returned to the base variants.
func Fold(split map[string]float64, variant string) (map[string]float64, error) {
	if _, ok := split[variant]; !ok {
		return nil, fmt.Errorf("%w: variant %q not present", api.ErrInvalidSplit, variant)
	}
	rest := make(map[string]float64, len(split)-1)
	for name, pct := range split {
		if name != variant {
			rest[name] = pct
		}
	}
	return Normalize(rest)
}
