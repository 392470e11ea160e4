// Package segment deterministically assigns users to variants. Assignment is
// a pure computation over (user_id, experiment_id) and the experiment's
// traffic split: the same inputs always produce the same variant, so
// assignments never need to be stored.
package segment

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stagegate/stagegate/internal/api"
	"github.com/stagegate/stagegate/internal/cache"
)

// Excluded is the pseudo-variant returned for users filtered out by audience
// or exclusion predicates. Callers route excluded users to the baseline and
// keep them out of analysis.
const Excluded = "excluded"

// ConfigSource resolves experiment configuration. The registry implements it.
type ConfigSource interface {
	GetConfig(ctx context.Context, experimentID string) (*api.ExperimentConfig, error)
}

// Engine resolves variant assignments.
type Engine struct {
	configs ConfigSource
	cache   *cache.AssignmentCache[string]
}

// NewEngine creates a segmentation engine. cacheSize bounds the assignment
// cache; zero disables caching.
func NewEngine(configs ConfigSource, cacheSize int, cacheTTL time.Duration) (*Engine, error) {
	e := &Engine{configs: configs}
	if cacheSize > 0 {
		c, err := cache.NewAssignmentCache[string](cacheSize, cacheTTL)
		if err != nil {
			return nil, err
		}
		e.cache = c
	}
	return e, nil
}

// Assign resolves the variant for a user in a running experiment.
//
// Exclusion criteria are checked first, then audience targeting; filtered
// users get the Excluded pseudo-variant. Everyone else is bucketed by a
// stable hash over (user_id, experiment_id) mapped onto the cumulative
// ranges of the traffic split in lexicographic variant order.
func (e *Engine) Assign(ctx context.Context, userID, experimentID string, attrs map[string]interface{}) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user_id is required")
	}

	cfg, err := e.configs.GetConfig(ctx, experimentID)
	if err != nil {
		return "", err
	}
	if cfg.Status != api.StatusRunning {
		return "", fmt.Errorf("%w: experiment %s is %s, not running", api.ErrInvalidTransition, experimentID, cfg.Status)
	}

	for _, p := range cfg.ExclusionCriteria {
		if Matches(p, attrs) {
			return Excluded, nil
		}
	}
	if len(cfg.TargetAudience) > 0 && !matchesAll(cfg.TargetAudience, attrs) {
		return Excluded, nil
	}

	key := cacheKey(userID, experimentID, cfg.TrafficSplit)
	if e.cache != nil {
		if variant, ok := e.cache.Get(key); ok {
			return variant, nil
		}
	}

	variant, err := AssignFromSplit(userID, experimentID, cfg.TrafficSplit)
	if err != nil {
		return "", err
	}

	if e.cache != nil {
		e.cache.Set(key, variant)
	}
	return variant, nil
}

// AssignFromSplit is the pure bucketing function: it maps the stable hash of
// (userID, experimentID) onto the cumulative ranges of the split.
func AssignFromSplit(userID, experimentID string, trafficSplit map[string]float64) (string, error) {
	if len(trafficSplit) == 0 {
		return "", fmt.Errorf("%w: empty split", api.ErrInvalidSplit)
	}

	position := hashPosition(userID, experimentID)

	// Fixed lexicographic iteration order avoids boundary ambiguity across
	// processes and restarts.
	names := make([]string, 0, len(trafficSplit))
	for name := range trafficSplit {
		names = append(names, name)
	}
	sort.Strings(names)

	cumulative := 0.0
	for _, name := range names {
		cumulative += trafficSplit[name]
		if position < cumulative {
			return name, nil
		}
	}

	// Floating-point residue at the top of the range lands in the last
	// variant.
	return names[len(names)-1], nil
}

// hashPosition maps (userID, experimentID) to a stable position in [0, 100).
// The hash deliberately covers only the two ids — never mutable attributes —
// so reassignment is independent of user state.
func hashPosition(userID, experimentID string) float64 {
	sum := sha256.Sum256([]byte(userID + ":" + experimentID))
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(sum[i])
	}
	// Top 53 bits give a uniform fraction with full float64 precision.
	return float64(h>>11) / float64(1<<53) * 100
}

func cacheKey(userID, experimentID string, trafficSplit map[string]float64) string {
	names := make([]string, 0, len(trafficSplit))
	for name := range trafficSplit {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(userID)
	b.WriteByte('|')
	b.WriteString(experimentID)
	for _, name := range names {
		fmt.Fprintf(&b, "|%s=%.6f", name, trafficSplit[name])
	}
	return b.String()
}

func matchesAll(preds []api.Predicate, attrs map[string]interface{}) bool {
	for _, p := range preds {
		if !Matches(p, attrs) {
			return false
		}
	}
	return true
}

// Matches evaluates one predicate against a request's attribute map. A
// missing attribute never matches.
func Matches(p api.Predicate, attrs map[string]interface{}) bool {
	val, ok := attrs[p.Attribute]
	if !ok {
		return false
	}

	switch p.Op {
	case api.OpEq:
		return equal(val, p.Value)
	case api.OpNeq:
		return !equal(val, p.Value)
	case api.OpGt, api.OpGte, api.OpLt, api.OpLte:
		a, aok := toFloat(val)
		b, bok := toFloat(p.Value)
		if !aok || !bok {
			return false
		}
		switch p.Op {
		case api.OpGt:
			return a > b
		case api.OpGte:
			return a >= b
		case api.OpLt:
			return a < b
		default:
			return a <= b
		}
	case api.OpIn:
		list, ok := p.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if equal(val, item) {
				return true
			}
		}
		return false
	case api.OpContains:
		s, sok := val.(string)
		sub, subok := p.Value.(string)
		return sok && subok && strings.Contains(s, sub)
	}
	return false
}

func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
