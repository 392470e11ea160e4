// Package canary runs staged rollouts of one experiment variant with
// automated health gating, promotion and rollback.
package canary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stagegate/stagegate/internal/alert"
	"github.com/stagegate/stagegate/internal/api"
	"github.com/stagegate/stagegate/internal/metrics"
	"github.com/stagegate/stagegate/internal/registry"
	"github.com/stagegate/stagegate/internal/split"
	"github.com/stagegate/stagegate/internal/stats"
	"github.com/stagegate/stagegate/internal/store"
	"github.com/stagegate/stagegate/internal/tracker"
)

// Sampler provides recent raw samples and failure rates for variants.
// Satisfied by the tracker.
type Sampler interface {
	Samples(experimentID, variant, metric string) []float64
	FailureRate(ctx context.Context, experimentID, variant string) (float64, int64, error)
}

var _ Sampler = (*tracker.Tracker)(nil)

// Manager owns canary deployment state. All transitions are serialized
// through versioned store writes, so two instances evaluating the same
// deployment cannot both win.
type Manager struct {
	store      store.Store
	registry   *registry.Registry
	sampler    Sampler
	analyzer   *stats.Analyzer
	dispatcher *alert.Dispatcher
	metrics    *metrics.Metrics
}

func NewManager(s store.Store, r *registry.Registry, sampler Sampler, analyzer *stats.Analyzer, d *alert.Dispatcher, m *metrics.Metrics) *Manager {
	return &Manager{
		store:      s,
		registry:   r,
		sampler:    sampler,
		analyzer:   analyzer,
		dispatcher: d,
		metrics:    m,
	}
}

// StartCanary begins a staged rollout. The experiment must be running,
// the canary variant must not already exist in its split, and only one
// deployment per experiment may be active at a time.
func (m *Manager) StartCanary(ctx context.Context, cfg *api.CanaryConfig) (*api.CanaryDeployment, error) {
	if len(cfg.Stages) == 0 {
		cfg.Stages = api.DefaultCanaryStages()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp, err := m.registry.GetConfig(ctx, cfg.ExperimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != api.StatusRunning {
		return nil, fmt.Errorf("experiment %s is %s, not running: %w", cfg.ExperimentID, exp.Status, api.ErrInvalidTransition)
	}
	if _, exists := exp.TrafficSplit[cfg.CanaryVariant]; exists {
		return nil, fmt.Errorf("variant %s already receives traffic: %w", cfg.CanaryVariant, api.ErrInvalidSplit)
	}

	dep := &api.CanaryDeployment{
		DeploymentID:   uuid.NewString(),
		ExperimentID:   cfg.ExperimentID,
		Config:         *cfg,
		CurrentStage:   0,
		StageStartedAt: time.Now().UTC(),
		Status:         api.DeployRunning,
		BaseSplit:      copySplit(exp.TrafficSplit),
		Version:        1,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	// claim the experiment's single active slot
	claimed, err := m.store.SetNX(ctx, api.ActiveCanaryKey(cfg.ExperimentID), []byte(dep.DeploymentID), 0)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("experiment %s already has an active deployment: %w", cfg.ExperimentID, api.ErrInvalidTransition)
	}

	carved, err := split.Carve(dep.BaseSplit, cfg.CanaryVariant, cfg.Stages[0].TrafficPercent)
	if err != nil {
		m.store.Delete(ctx, api.ActiveCanaryKey(cfg.ExperimentID))
		return nil, err
	}
	if err := m.registry.SetTrafficSplit(ctx, cfg.ExperimentID, carved); err != nil {
		m.store.Delete(ctx, api.ActiveCanaryKey(cfg.ExperimentID))
		return nil, err
	}

	raw, err := json.Marshal(dep)
	if err != nil {
		m.abortStart(ctx, dep)
		return nil, err
	}
	if err := m.store.Set(ctx, api.DeploymentKey(dep.DeploymentID), raw); err != nil {
		m.abortStart(ctx, dep)
		return nil, err
	}
	log.Printf("canary %s started for experiment %s at stage %s (%.0f%%)",
		dep.DeploymentID, cfg.ExperimentID, cfg.Stages[0].Name, cfg.Stages[0].TrafficPercent)
	return dep, nil
}

// abortStart unwinds a half-started deployment: the carved split goes
// back to the base split and the active slot is released, so no traffic
// flows to a canary that has no deployment record behind it.
func (m *Manager) abortStart(ctx context.Context, dep *api.CanaryDeployment) {
	if err := m.registry.SetTrafficSplit(ctx, dep.ExperimentID, copySplit(dep.BaseSplit)); err != nil {
		log.Printf("canary %s abort: restore split for experiment %s: %v",
			dep.DeploymentID, dep.ExperimentID, err)
	}
	if err := m.store.Delete(ctx, api.ActiveCanaryKey(dep.ExperimentID)); err != nil {
		log.Printf("canary %s abort: release slot for experiment %s: %v",
			dep.DeploymentID, dep.ExperimentID, err)
	}
}

// GetStatus loads a deployment record.
func (m *Manager) GetStatus(ctx context.Context, deploymentID string) (*api.CanaryDeployment, error) {
	raw, err := m.store.Get(ctx, api.DeploymentKey(deploymentID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("deployment %s: %w", deploymentID, api.ErrNotFound)
	}
	var dep api.CanaryDeployment
	if err := json.Unmarshal(raw, &dep); err != nil {
		return nil, fmt.Errorf("decode deployment %s: %w", deploymentID, err)
	}
	return &dep, nil
}

// ActiveDeployment returns the experiment's active deployment id, or
// empty when none is active.
func (m *Manager) ActiveDeployment(ctx context.Context, experimentID string) (string, error) {
	raw, err := m.store.Get(ctx, api.ActiveCanaryKey(experimentID))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Evaluate runs one health evaluation of a deployment. Checks run in
// strict order: the failure gate first, then stage duration, then the
// statistical comparison. An inconclusive analysis blocks promotion but
// never triggers rollback.
func (m *Manager) Evaluate(ctx context.Context, deploymentID string) (*api.CanaryDeployment, error) {
	dep, err := m.GetStatus(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status != api.DeployRunning {
		return dep, nil
	}
	cfg := &dep.Config

	// failure gate wins over everything else
	rate, users, err := m.sampler.FailureRate(ctx, dep.ExperimentID, cfg.CanaryVariant)
	if err != nil {
		return dep, err
	}
	if users > 0 && rate >= cfg.FailureThreshold {
		reason := fmt.Sprintf("failure rate %.3f over %d users breached %.3f", rate, users, cfg.FailureThreshold)
		if cfg.AutoRollback {
			return m.rollback(ctx, dep, reason, false)
		}
		m.fire(dep, alert.SeverityCritical, "failure_threshold_breached", reason)
		return dep, nil
	}

	// hold each stage for its full duration before considering promotion
	if time.Since(dep.StageStartedAt) < cfg.StageDuration {
		return dep, nil
	}

	healthy, reason, err := m.compare(ctx, dep)
	if err != nil {
		if errors.Is(err, api.ErrAnalysisTimeout) {
			m.fire(dep, alert.SeverityWarning, "analysis_timeout", "stage held, evaluation will retry")
			return dep, nil
		}
		if errors.Is(err, api.ErrInsufficientData) {
			return dep, nil
		}
		return dep, err
	}
	if !healthy {
		m.fire(dep, alert.SeverityWarning, "promotion_blocked", reason)
		return dep, nil
	}
	if !cfg.AutoPromote {
		m.fire(dep, alert.SeverityInfo, "promotion_ready", reason)
		return dep, nil
	}
	return m.promote(ctx, dep, reason, false)
}

// compare analyzes the canary against the baseline variant on the
// experiment's primary metric. The baseline is the variant holding the
// largest pre-canary traffic share, ties broken by name.
func (m *Manager) compare(ctx context.Context, dep *api.CanaryDeployment) (bool, string, error) {
	exp, err := m.registry.GetConfig(ctx, dep.ExperimentID)
	if err != nil {
		return false, "", err
	}
	baseline := baselineVariant(dep.BaseSplit)
	if baseline == "" {
		return false, "", fmt.Errorf("deployment %s has no baseline variant", dep.DeploymentID)
	}

	canarySamples := m.sampler.Samples(dep.ExperimentID, dep.Config.CanaryVariant, exp.PrimaryMetric)
	baseSamples := m.sampler.Samples(dep.ExperimentID, baseline, exp.PrimaryMetric)

	analysis, err := m.analyzer.Analyze(ctx, stats.Request{
		ExperimentID:      dep.ExperimentID,
		SampleA:           canarySamples,
		SampleB:           baseSamples,
		NameA:             dep.Config.CanaryVariant,
		NameB:             baseline,
		MetricType:        exp.PrimaryMetricType(),
		ConfidenceLevel:   exp.ConfidenceLevel,
		MinimumSampleSize: exp.MinimumSampleSize,
	})
	if m.metrics != nil {
		m.metrics.AnalysisTotal.Inc()
		if errors.Is(err, api.ErrAnalysisTimeout) {
			m.metrics.AnalysisTimeout.Inc()
		}
	}
	if err != nil {
		return false, "", err
	}

	if !analysis.Conclusive() {
		return false, "analysis inconclusive, p-value unavailable", nil
	}
	if analysis.Underpowered {
		return false, fmt.Sprintf("underpowered: %d canary samples below minimum %d",
			analysis.SampleSizeA, exp.MinimumSampleSize), nil
	}
	if analysis.MeanB == 0 {
		return false, "baseline mean is zero, ratio undefined", nil
	}
	ratio := analysis.MeanA / analysis.MeanB
	if ratio < dep.Config.SuccessThreshold {
		return false, fmt.Sprintf("canary/baseline mean ratio %.3f below threshold %.3f",
			ratio, dep.Config.SuccessThreshold), nil
	}
	return true, fmt.Sprintf("mean ratio %.3f vs %s, p=%.4f",
		ratio, baseline, *analysis.PrimaryTest.PValue), nil
}

// ForcePromote advances the deployment one stage regardless of health
// gates. Recorded as a manual transition.
func (m *Manager) ForcePromote(ctx context.Context, deploymentID, reason string) (*api.CanaryDeployment, error) {
	dep, err := m.GetStatus(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status != api.DeployRunning {
		return nil, fmt.Errorf("deployment %s is %s: %w", deploymentID, dep.Status, api.ErrInvalidTransition)
	}
	if reason == "" {
		reason = "operator promotion"
	}
	return m.promote(ctx, dep, reason, true)
}

// ForceRollback aborts the deployment and restores the pre-canary split.
func (m *Manager) ForceRollback(ctx context.Context, deploymentID, reason string) (*api.CanaryDeployment, error) {
	dep, err := m.GetStatus(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status != api.DeployRunning {
		return nil, fmt.Errorf("deployment %s is %s: %w", deploymentID, dep.Status, api.ErrInvalidTransition)
	}
	if reason == "" {
		reason = "operator rollback"
	}
	return m.rollback(ctx, dep, reason, true)
}

// promote advances to the next stage, or finalizes the rollout when the
// deployment is already at its last stage.
func (m *Manager) promote(ctx context.Context, dep *api.CanaryDeployment, reason string, manual bool) (*api.CanaryDeployment, error) {
	cfg := &dep.Config
	last := dep.CurrentStage >= len(cfg.Stages)-1

	var newSplit map[string]float64
	if last {
		// full rollout: the canary variant keeps all traffic
		newSplit = map[string]float64{cfg.CanaryVariant: 100}
	} else if pct := cfg.Stages[dep.CurrentStage+1].TrafficPercent; pct >= 100 {
		newSplit = map[string]float64{cfg.CanaryVariant: 100}
	} else {
		next, err := split.Carve(dep.BaseSplit, cfg.CanaryVariant, pct)
		if err != nil {
			return nil, err
		}
		newSplit = next
	}

	updated, err := m.transition(ctx, dep, func(d *api.CanaryDeployment) {
		from := d.CurrentStage
		if last {
			d.Status = api.DeployPromoted
		} else {
			d.CurrentStage++
			d.StageStartedAt = time.Now().UTC()
		}
		d.StageHistory = append(d.StageHistory, api.StageTransition{
			Timestamp:  time.Now().UTC(),
			FromStage:  from,
			ToStage:    d.CurrentStage,
			FromStatus: api.DeployRunning,
			ToStatus:   d.Status,
			Reason:     reason,
			Manual:     manual,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := m.registry.SetTrafficSplit(ctx, dep.ExperimentID, newSplit); err != nil {
		return nil, err
	}
	if last {
		if err := m.store.Delete(ctx, api.ActiveCanaryKey(dep.ExperimentID)); err != nil {
			log.Printf("release active slot for experiment %s: %v", dep.ExperimentID, err)
		}
	}

	if m.metrics != nil {
		m.metrics.CanaryPromotions.WithLabelValues(dep.ExperimentID, mode(manual)).Inc()
	}
	log.Printf("canary %s promoted to stage %d (%s): %s",
		updated.DeploymentID, updated.CurrentStage, updated.Status, reason)
	return updated, nil
}

// rollback restores the pre-canary split and terminates the deployment.
func (m *Manager) rollback(ctx context.Context, dep *api.CanaryDeployment, reason string, manual bool) (*api.CanaryDeployment, error) {
	updated, err := m.transition(ctx, dep, func(d *api.CanaryDeployment) {
		d.StageHistory = append(d.StageHistory, api.StageTransition{
			Timestamp:  time.Now().UTC(),
			FromStage:  d.CurrentStage,
			ToStage:    d.CurrentStage,
			FromStatus: d.Status,
			ToStatus:   api.DeployRolledBack,
			Reason:     reason,
			Manual:     manual,
		})
		d.Status = api.DeployRolledBack
	})
	if err != nil {
		return nil, err
	}

	if err := m.registry.SetTrafficSplit(ctx, dep.ExperimentID, copySplit(dep.BaseSplit)); err != nil {
		return nil, err
	}
	if err := m.store.Delete(ctx, api.ActiveCanaryKey(dep.ExperimentID)); err != nil {
		log.Printf("release active slot for experiment %s: %v", dep.ExperimentID, err)
	}

	if m.metrics != nil {
		m.metrics.CanaryRollbacks.WithLabelValues(dep.ExperimentID, mode(manual)).Inc()
	}
	m.fire(updated, alert.SeverityCritical, "rolled_back", reason)
	log.Printf("canary %s rolled back: %s", updated.DeploymentID, reason)
	return updated, nil
}

// transition applies a mutation under optimistic concurrency: the write
// fails with ErrStaleVersion when another writer advanced the record
// since dep was loaded.
func (m *Manager) transition(ctx context.Context, dep *api.CanaryDeployment, apply func(*api.CanaryDeployment)) (*api.CanaryDeployment, error) {
	expect := dep.Version
	var out api.CanaryDeployment
	err := m.store.Update(ctx, api.DeploymentKey(dep.DeploymentID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("deployment %s: %w", dep.DeploymentID, api.ErrNotFound)
		}
		var d api.CanaryDeployment
		if err := json.Unmarshal(current, &d); err != nil {
			return nil, err
		}
		if d.Version != expect {
			return nil, fmt.Errorf("deployment %s at version %d, expected %d: %w",
				dep.DeploymentID, d.Version, expect, api.ErrStaleVersion)
		}
		apply(&d)
		d.Version++
		d.UpdatedAt = time.Now().UTC()
		out = d
		return json.Marshal(&d)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Run evaluates the given experiments' active deployments on a fixed
// interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context, interval time.Duration, experimentIDs func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, expID := range experimentIDs() {
				depID, err := m.ActiveDeployment(ctx, expID)
				if err != nil || depID == "" {
					continue
				}
				if _, err := m.Evaluate(ctx, depID); err != nil {
					if errors.Is(err, api.ErrStaleVersion) {
						continue
					}
					log.Printf("evaluate deployment %s: %v", depID, err)
				}
			}
		}
	}
}

func (m *Manager) fire(dep *api.CanaryDeployment, sev alert.Severity, reason, detail string) {
	if m.dispatcher == nil {
		return
	}
	m.dispatcher.Fire(alert.Alert{
		ExperimentID: dep.ExperimentID,
		Variant:      dep.Config.CanaryVariant,
		Severity:     sev,
		Reason:       reason,
		Detail:       detail,
	})
	if m.metrics != nil {
		m.metrics.AlertsEmitted.Inc()
	}
}

// baselineVariant picks the comparison variant: the largest pre-canary
// share, ties broken lexicographically.
func baselineVariant(base map[string]float64) string {
	names := make([]string, 0, len(base))
	for name := range base {
		names = append(names, name)
	}
	sort.Strings(names)
	best := ""
	bestShare := -1.0
	for _, name := range names {
		if base[name] > bestShare {
			best = name
			bestShare = base[name]
		}
	}
	return best
}

func copySplit(s map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func mode(manual bool) string {
	if manual {
		return "manual"
	}
	return "auto"
}
