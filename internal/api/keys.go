package api

import "fmt"

// Store key layout. Everything is namespaced by experiment or deployment id
// so experiments never collide in the shared store.

// ConfigKey is the key holding an experiment's config record.
func ConfigKey(experimentID string) string {
	return fmt.Sprintf("exp:%s:config", experimentID)
}

// AggregateKey is the key holding per-variant running aggregates. Fields
// within the key are metric-granular counters (count, sum, sumsq).
func AggregateKey(experimentID, variant string) string {
	return fmt.Sprintf("exp:%s:agg:%s", experimentID, variant)
}

// ActiveCanaryKey holds the id of the experiment's active deployment, if any.
func ActiveCanaryKey(experimentID string) string {
	return fmt.Sprintf("exp:%s:canary", experimentID)
}

// DeploymentKey is the key holding a canary deployment state record.
func DeploymentKey(deploymentID string) string {
	return fmt.Sprintf("canary:%s", deploymentID)
}

// Aggregate field names. Sample values for a metric are folded into three
// counters so means and variances are recoverable without raw records.
func CountField(metric string) string { return metric + ".count" }
func SumField(metric string) string   { return metric + ".sum" }
func SumSqField(metric string) string { return metric + ".sumsq" }

// UsersField counts distinct tracked results per variant.
const UsersField = "users"
