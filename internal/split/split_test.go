package split

import (
	"errors"
	"math"
	"testing"

	"github.com/stagegate/stagegate/internal/api"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		split map[string]float64
		want  bool
	}{
		{"fifty_fifty", map[string]float64{"control": 50, "treatment": 50}, true},
		{"three_way", map[string]float64{"a": 33.33, "b": 33.33, "c": 33.34}, true},
		{"within_tolerance", map[string]float64{"a": 49.995, "b": 50.009}, true},
		{"over_100", map[string]float64{"a": 60, "b": 50}, false},
		{"under_100", map[string]float64{"a": 40, "b": 50}, false},
		{"negative", map[string]float64{"a": -10, "b": 110}, false},
		{"empty", map[string]float64{}, false},
		{"nan", map[string]float64{"a": math.NaN(), "b": 50}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(tt.split); got != tt.want {
				t.Errorf("Validate(%v) = %v, want %v", tt.split, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(map[string]float64{"a": 1, "b": 3})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if got["a"] != 25 || got["b"] != 75 {
		t.Errorf("Normalize = %v, want a=25 b=75", got)
	}

	sum := 0.0
	for _, pct := range got {
		sum += pct
	}
	if math.Abs(sum-100) > Tolerance {
		t.Errorf("normalized sum = %v, want 100", sum)
	}
}

func TestNormalizeZeroSum(t *testing.T) {
	_, err := Normalize(map[string]float64{"a": 0, "b": 0})
	if !errors.Is(err, api.ErrInvalidSplit) {
		t.Errorf("Normalize(zero sum) error = %v, want ErrInvalidSplit", err)
	}
}

func TestCarveCanary(t *testing.T) {
	base := map[string]float64{"control": 50, "treatment": 50}
	got, err := CarveCanary(base, 10)
	if err != nil {
		t.Fatalf("CarveCanary failed: %v", err)
	}

	want := map[string]float64{"control": 45, "treatment": 45, "canary": 10}
	for name, pct := range want {
		if math.Abs(got[name]-pct) > 1e-9 {
			t.Errorf("CarveCanary[%s] = %v, want %v", name, got[name], pct)
		}
	}

	sum := 0.0
	for _, pct := range got {
		sum += pct
	}
	if math.Abs(sum-100) > Tolerance {
		t.Errorf("carved sum = %v, want 100", sum)
	}

	// Base split must not be mutated.
	if base["control"] != 50 || base["treatment"] != 50 {
		t.Errorf("base split mutated: %v", base)
	}
}

func TestCarveCanaryBounds(t *testing.T) {
	base := map[string]float64{"control": 100}

	for _, pct := range []float64{-1, 100, 150} {
		if _, err := CarveCanary(base, pct); !errors.Is(err, api.ErrInvalidSplit) {
			t.Errorf("CarveCanary(pct=%v) error = %v, want ErrInvalidSplit", pct, err)
		}
	}
}

func TestCarveRejectsExistingVariant(t *testing.T) {
	base := map[string]float64{"control": 90, "canary": 10}
	if _, err := CarveCanary(base, 5); !errors.Is(err, api.ErrInvalidSplit) {
		t.Errorf("CarveCanary on split already containing canary: error = %v, want ErrInvalidSplit", err)
	}
}

func TestFold(t *testing.T) {
	carved := map[string]float64{"control": 45, "treatment": 45, "canary": 10}
	got, err := Fold(carved, "canary")
	if err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if math.Abs(got["control"]-50) > 1e-9 || math.Abs(got["treatment"]-50) > 1e-9 {
		t.Errorf("Fold = %v, want control=50 treatment=50", got)
	}
	if _, ok := got["canary"]; ok {
		t.Error("Fold kept the removed variant")
	}
}
