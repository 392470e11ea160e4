package api

import (
	"fmt"
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusStopped   ExperimentStatus = "stopped"
	StatusCompleted ExperimentStatus = "completed"
)

// MetricType selects the hypothesis test used to compare two variants.
type MetricType string

const (
	MetricContinuous MetricType = "continuous"
	MetricBinary     MetricType = "binary"
	MetricCount      MetricType = "count"
)

// Valid reports whether t is a known metric type.
func (t MetricType) Valid() bool {
	switch t {
	case MetricContinuous, MetricBinary, MetricCount:
		return true
	}
	return false
}

// PredicateOp is a comparison operator for audience predicates.
type PredicateOp string

const (
	OpEq       PredicateOp = "eq"
	OpNeq      PredicateOp = "neq"
	OpGt       PredicateOp = "gt"
	OpGte      PredicateOp = "gte"
	OpLt       PredicateOp = "lt"
	OpLte      PredicateOp = "lte"
	OpIn       PredicateOp = "in"
	OpContains PredicateOp = "contains"
)

// Predicate is a single attribute filter. Audience targeting and exclusion
// criteria are lists of these, evaluated against the per-request attribute
// map — never against stored user state, so assignment stays reproducible.
type Predicate struct {
	Attribute string      `json:"attribute"`
	Op        PredicateOp `json:"op"`
	Value     interface{} `json:"value"`
}

// MetricSpec declares a success metric and how it is analyzed.
type MetricSpec struct {
	Name string     `json:"name"`
	Type MetricType `json:"type"`
}

// ExperimentConfig is the durable record for one experiment. The id is
// immutable once created; all mutation goes through the registry.
type ExperimentConfig struct {
	ExperimentID string           `json:"experiment_id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Status       ExperimentStatus `json:"status"`
	StartDate    time.Time        `json:"start_date,omitzero"`
	EndDate      time.Time        `json:"end_date,omitzero"`

	// TrafficSplit maps variant name to percentage. While the experiment is
	// running the values sum to 100 within the splitter tolerance.
	TrafficSplit map[string]float64 `json:"traffic_split"`

	SuccessMetrics    []MetricSpec `json:"success_metrics"`
	PrimaryMetric     string       `json:"primary_metric"`
	SecondaryMetrics  []string     `json:"secondary_metrics,omitempty"`
	MinimumSampleSize int          `json:"minimum_sample_size"`
	ConfidenceLevel   float64      `json:"confidence_level"`
	Power             float64      `json:"power"`

	TargetAudience    []Predicate `json:"target_audience,omitempty"`
	ExclusionCriteria []Predicate `json:"exclusion_criteria,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PrimaryMetricType returns the declared type of the primary metric,
// defaulting to continuous when the metric is not declared.
func (c *ExperimentConfig) PrimaryMetricType() MetricType {
	for _, m := range c.SuccessMetrics {
		if m.Name == c.PrimaryMetric {
			return m.Type
		}
	}
	return MetricContinuous
}

// CanaryStageName is one label in the closed, ordered stage enumeration.
type CanaryStageName string

const (
	StageInitial CanaryStageName = "initial"
	StageSmall   CanaryStageName = "small"
	StageMedium  CanaryStageName = "medium"
	StageLarge   CanaryStageName = "large"
	StageFull    CanaryStageName = "full"
)

// CanaryStage pairs a stage label with the canary traffic share at that stage.
type CanaryStage struct {
	Name           CanaryStageName `json:"name"`
	TrafficPercent float64         `json:"traffic_percent"`
}

// DefaultCanaryStages is the standard progression.
func DefaultCanaryStages() []CanaryStage {
	return []CanaryStage{
		{Name: StageInitial, TrafficPercent: 5},
		{Name: StageSmall, TrafficPercent: 10},
		{Name: StageMedium, TrafficPercent: 25},
		{Name: StageLarge, TrafficPercent: 50},
		{Name: StageFull, TrafficPercent: 100},
	}
}

// CanaryConfig describes a staged rollout of one variant.
type CanaryConfig struct {
	ExperimentID     string        `json:"experiment_id"`
	CanaryVariant    string        `json:"canary_variant"`
	Stages           []CanaryStage `json:"stages"`
	StageDuration    time.Duration `json:"stage_duration"`
	SuccessThreshold float64       `json:"success_threshold"`
	FailureThreshold float64       `json:"failure_threshold"`
	AutoPromote      bool          `json:"auto_promote"`
	AutoRollback     bool          `json:"auto_rollback"`
}

// Validate performs structural validation of a canary config.
func (c *CanaryConfig) Validate() error {
	if c.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}
	if c.CanaryVariant == "" {
		return fmt.Errorf("canary_variant is required")
	}
	if c.SuccessThreshold <= 0 || c.SuccessThreshold >= 1 {
		return fmt.Errorf("success_threshold must be in (0, 1), got %.3f", c.SuccessThreshold)
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold >= 1 {
		return fmt.Errorf("failure_threshold must be in (0, 1), got %.3f", c.FailureThreshold)
	}
	if c.StageDuration <= 0 {
		return fmt.Errorf("stage_duration must be positive")
	}
	for i, s := range c.Stages {
		if s.TrafficPercent <= 0 || s.TrafficPercent > 100 {
			return fmt.Errorf("stage %d traffic_percent out of range: %.2f", i, s.TrafficPercent)
		}
		if i > 0 && s.TrafficPercent <= c.Stages[i-1].TrafficPercent {
			return fmt.Errorf("stage percentages must be strictly increasing")
		}
	}
	return nil
}

// DeploymentStatus is the state of a canary deployment.
type DeploymentStatus string

const (
	DeployPending    DeploymentStatus = "pending"
	DeployRunning    DeploymentStatus = "running"
	DeployPromoted   DeploymentStatus = "promoted"
	DeployRolledBack DeploymentStatus = "rolled_back"
	DeployCompleted  DeploymentStatus = "completed"
)

// StageTransition is one append-only entry in a deployment's history.
type StageTransition struct {
	Timestamp  time.Time        `json:"timestamp"`
	FromStage  int              `json:"from_stage"`
	ToStage    int              `json:"to_stage"`
	FromStatus DeploymentStatus `json:"from_status"`
	ToStatus   DeploymentStatus `json:"to_status"`
	Reason     string           `json:"reason"`
	Manual     bool             `json:"manual"`
}

// CanaryDeployment is the durable state record for one staged rollout.
// Version is an optimistic-concurrency stamp: every transition write carries
// the version it read and fails when stale.
type CanaryDeployment struct {
	DeploymentID   string            `json:"deployment_id"`
	ExperimentID   string            `json:"experiment_id"`
	Config         CanaryConfig      `json:"config"`
	CurrentStage   int               `json:"current_stage"`
	StageStartedAt time.Time         `json:"stage_started_at"`
	Status         DeploymentStatus  `json:"status"`
	StageHistory   []StageTransition `json:"stage_history"`

	// BaseSplit snapshots the pre-canary traffic split for rollback.
	BaseSplit map[string]float64 `json:"base_split"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage returns the current stage descriptor.
func (d *CanaryDeployment) Stage() CanaryStage {
	if d.CurrentStage < 0 || d.CurrentStage >= len(d.Config.Stages) {
		return CanaryStage{}
	}
	return d.Config.Stages[d.CurrentStage]
}

// MetricRecord is one observed outcome. Append-only; aggregated, never
// mutated.
type MetricRecord struct {
	ExperimentID string             `json:"experiment_id"`
	VariantName  string             `json:"variant_name"`
	UserID       string             `json:"user_id"`
	SessionID    string             `json:"session_id,omitempty"`
	Metrics      map[string]float64 `json:"metrics"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Validate performs basic structural validation.
func (r *MetricRecord) Validate() error {
	if r.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}
	if r.VariantName == "" {
		return fmt.Errorf("variant_name is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(r.Metrics) == 0 {
		return fmt.Errorf("metrics cannot be empty")
	}
	return nil
}

// TestResult is the outcome of one hypothesis test. PValue is nil when the
// exact sampling distribution was unavailable. Callers must treat nil as
// inconclusive, never as significant or not significant.
type TestResult struct {
	Name               string     `json:"name"`
	Statistic          float64    `json:"statistic"`
	PValue             *float64   `json:"p_value,omitempty"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
	EffectSize         float64    `json:"effect_size"`
	DegreesOfFreedom   float64    `json:"degrees_of_freedom,omitempty"`
}

// StatisticalAnalysis is the derived comparison of two variants. It is
// recomputable from raw samples and never stored.
type StatisticalAnalysis struct {
	ExperimentID string     `json:"experiment_id"`
	VariantA     string     `json:"variant_a"`
	VariantB     string     `json:"variant_b"`
	SampleSizeA  int        `json:"sample_size_a"`
	SampleSizeB  int        `json:"sample_size_b"`
	MetricType   MetricType `json:"metric_type"`
	PrimaryTest  TestResult `json:"primary_test"`
	MeanA        float64    `json:"mean_a"`
	MeanB        float64    `json:"mean_b"`
	Underpowered bool       `json:"underpowered"`
	AnalyzedAt   time.Time  `json:"analyzed_at"`
}

// Conclusive reports whether the analysis produced a usable p-value.
func (a *StatisticalAnalysis) Conclusive() bool {
	return a.PrimaryTest.PValue != nil
}

// Significant reports whether the analysis is conclusive and the p-value
// clears the significance level derived from the experiment's confidence
// level. An inconclusive analysis is never significant.
func (a *StatisticalAnalysis) Significant(confidenceLevel float64) bool {
	if a.PrimaryTest.PValue == nil {
		return false
	}
	return *a.PrimaryTest.PValue < 1-confidenceLevel
}
