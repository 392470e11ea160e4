// Package tracker ingests metric records, maintains per-variant
// aggregates in the shared store and keeps a bounded in-memory sample
// window for statistical analysis.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stagegate/stagegate/internal/alert"
	"github.com/stagegate/stagegate/internal/api"
	"github.com/stagegate/stagegate/internal/journal"
	"github.com/stagegate/stagegate/internal/metrics"
	"github.com/stagegate/stagegate/internal/store"
)

const (
	// sampleWindow caps the per-metric in-memory sample buffer. Analysis
	// runs over this window; aggregates in the store are unbounded.
	sampleWindow = 100000

	// ErrorMetric marks a failed outcome: any record carrying a nonzero
	// value for it counts toward the variant failure rate.
	ErrorMetric = "error"

	writeMaxTries = 4
)

// VariantAggregate is the derived summary for one variant.
type VariantAggregate struct {
	Variant string                   `json:"variant"`
	Users   int64                    `json:"users"`
	Metrics map[string]MetricSummary `json:"metrics"`
}

// MetricSummary is the recoverable summary of one metric's samples.
type MetricSummary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
}

// PerformanceSnapshot is an advisory health view across variants.
type PerformanceSnapshot struct {
	ExperimentID string                   `json:"experiment_id"`
	Variants     map[string]VariantHealth `json:"variants"`
	Alerts       []alert.Alert            `json:"alerts,omitempty"`
	TakenAt      time.Time                `json:"taken_at"`
}

// VariantHealth is one variant's failure view.
type VariantHealth struct {
	Users       int64   `json:"users"`
	Failures    int64   `json:"failures"`
	FailureRate float64 `json:"failure_rate"`
}

type sampleKey struct {
	experimentID string
	variant      string
	metric       string
}

// Tracker aggregates metric records. Writes are journaled first, then
// folded into store counters with bounded retry. A store outage degrades
// tracking to journal-only, logged and counted rather than rejected.
type Tracker struct {
	store      store.Store
	journal    *journal.Journal
	dispatcher *alert.Dispatcher
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	samples map[sampleKey][]float64

	// known variants per experiment, for snapshot and metrics listing
	variants map[string]map[string]bool
	names    map[string]map[string]bool
}

// New creates a tracker. journal and dispatcher may be nil; m may be nil
// in tests.
func New(s store.Store, j *journal.Journal, d *alert.Dispatcher, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:      s,
		journal:    j,
		dispatcher: d,
		metrics:    m,
		samples:    make(map[sampleKey][]float64),
		variants:   make(map[string]map[string]bool),
		names:      make(map[string]map[string]bool),
	}
}

// TrackResult records one outcome. The record is journaled, then each
// metric value is folded into the variant's count, sum and sum-of-squares
// counters. Store failures are retried; exhausted retries are logged and
// counted, not returned, so a degraded store never rejects tracking.
func (t *Tracker) TrackResult(ctx context.Context, rec *api.MetricRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if t.journal != nil {
		if err := t.journal.Append(rec); err != nil {
			log.Printf("journal append failed for experiment %s: %v", rec.ExperimentID, err)
			if t.metrics != nil {
				t.metrics.JournalErrors.Inc()
			}
		}
	}

	t.absorb(rec)
	t.aggregate(ctx, rec)

	if t.metrics != nil {
		t.metrics.TrackTotal.Inc()
		t.metrics.TrackByExperiment.WithLabelValues(rec.ExperimentID, rec.VariantName).Inc()
	}
	return nil
}

// absorb appends the record's values to the in-memory sample window.
func (t *Tracker) absorb(rec *api.MetricRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	exp := t.variants[rec.ExperimentID]
	if exp == nil {
		exp = make(map[string]bool)
		t.variants[rec.ExperimentID] = exp
	}
	exp[rec.VariantName] = true

	known := t.names[rec.ExperimentID]
	if known == nil {
		known = make(map[string]bool)
		t.names[rec.ExperimentID] = known
	}

	for name, value := range rec.Metrics {
		known[name] = true
		k := sampleKey{rec.ExperimentID, rec.VariantName, name}
		buf := append(t.samples[k], value)
		if len(buf) > sampleWindow {
			buf = buf[len(buf)-sampleWindow:]
		}
		t.samples[k] = buf
	}
}

// aggregate folds the record into store counters with bounded retry.
func (t *Tracker) aggregate(ctx context.Context, rec *api.MetricRecord) {
	key := api.AggregateKey(rec.ExperimentID, rec.VariantName)

	op := func() (struct{}, error) {
		for name, value := range rec.Metrics {
			if err := t.store.IncrByFloat(ctx, key, api.CountField(name), 1); err != nil {
				return struct{}{}, retryable(err)
			}
			if err := t.store.IncrByFloat(ctx, key, api.SumField(name), value); err != nil {
				return struct{}{}, retryable(err)
			}
			if err := t.store.IncrByFloat(ctx, key, api.SumSqField(name), value*value); err != nil {
				return struct{}{}, retryable(err)
			}
		}
		if err := t.store.IncrByFloat(ctx, key, api.UsersField, 1); err != nil {
			return struct{}{}, retryable(err)
		}
		return struct{}{}, nil
	}

	notify := func(err error, _ time.Duration) {
		if t.metrics != nil {
			t.metrics.TrackRetries.Inc()
		}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(writeMaxTries),
		backoff.WithNotify(notify),
	)
	if err != nil {
		log.Printf("aggregate write dropped for experiment %s variant %s: %v",
			rec.ExperimentID, rec.VariantName, err)
		if t.metrics != nil {
			t.metrics.TrackDropped.Inc()
			t.metrics.StoreErrors.Inc()
		}
	}
}

func retryable(err error) error {
	if errors.Is(err, api.ErrStoreUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}

// Samples returns a copy of the in-memory sample window for one metric.
func (t *Tracker) Samples(experimentID, variant, metric string) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	buf := t.samples[sampleKey{experimentID, variant, metric}]
	out := make([]float64, len(buf))
	copy(out, buf)
	return out
}

// Replay restores the in-memory sample window and known-variant sets
// from journaled records on startup. Store aggregates are left alone:
// records already folded before a crash are in the counters, and
// re-folding them here would count every replayed record twice.
func (t *Tracker) Replay(records []api.MetricRecord) int {
	n := 0
	for i := range records {
		t.absorb(&records[i])
		n++
	}
	return n
}

// GetMetrics returns per-variant aggregates for an experiment, read from
// the shared store so results reflect all instances.
func (t *Tracker) GetMetrics(ctx context.Context, experimentID string) (map[string]VariantAggregate, error) {
	variants := t.knownVariants(experimentID)
	if len(variants) == 0 {
		return map[string]VariantAggregate{}, nil
	}

	out := make(map[string]VariantAggregate, len(variants))
	for _, variant := range variants {
		fields, err := t.store.Fields(ctx, api.AggregateKey(experimentID, variant))
		if err != nil {
			return nil, fmt.Errorf("read aggregates for %s/%s: %w", experimentID, variant, err)
		}
		agg := VariantAggregate{
			Variant: variant,
			Users:   int64(fields[api.UsersField]),
			Metrics: make(map[string]MetricSummary),
		}
		for field, value := range fields {
			name, ok := strings.CutSuffix(field, ".count")
			if !ok {
				continue
			}
			count := int64(value)
			sum := fields[api.SumField(name)]
			s := MetricSummary{Count: count, Sum: sum}
			if count > 0 {
				s.Mean = sum / float64(count)
			}
			agg.Metrics[name] = s
		}
		out[variant] = agg
	}
	return out, nil
}

// GetPerformanceSnapshot derives failure rates per variant and emits
// advisory alerts when a variant's failure rate diverges from the baseline
// variant by more than band. The baseline is the variant with the most
// users, ties broken lexicographically. Alerts never affect traffic.
func (t *Tracker) GetPerformanceSnapshot(ctx context.Context, experimentID string, band float64) (*PerformanceSnapshot, error) {
	aggs, err := t.GetMetrics(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	snap := &PerformanceSnapshot{
		ExperimentID: experimentID,
		Variants:     make(map[string]VariantHealth, len(aggs)),
		TakenAt:      time.Now().UTC(),
	}

	baseline := ""
	for variant, agg := range aggs {
		h := VariantHealth{Users: agg.Users}
		if em, ok := agg.Metrics[ErrorMetric]; ok {
			// the error metric is 0/1 per record, so its sum is the
			// failure count
			h.Failures = int64(em.Sum)
		}
		if h.Users > 0 {
			h.FailureRate = float64(h.Failures) / float64(h.Users)
		}
		snap.Variants[variant] = h

		if baseline == "" ||
			h.Users > snap.Variants[baseline].Users ||
			(h.Users == snap.Variants[baseline].Users && variant < baseline) {
			baseline = variant
		}
	}

	baseRate := snap.Variants[baseline].FailureRate
	for variant, h := range snap.Variants {
		if variant == baseline || band <= 0 || h.Users == 0 {
			continue
		}
		if h.FailureRate >= baseRate+band {
			a := alert.Alert{
				ExperimentID: experimentID,
				Variant:      variant,
				Severity:     alert.SeverityWarning,
				Reason:       "failure_rate_divergence",
				Detail: fmt.Sprintf("failure rate %.3f over %d users exceeds baseline %s (%.3f) by more than %.3f",
					h.FailureRate, h.Users, baseline, baseRate, band),
			}
			snap.Alerts = append(snap.Alerts, a)
			if t.dispatcher != nil {
				t.dispatcher.Fire(a)
			}
			if t.metrics != nil {
				t.metrics.AlertsEmitted.Inc()
			}
		}
	}
	sort.Slice(snap.Alerts, func(i, j int) bool {
		return snap.Alerts[i].Variant < snap.Alerts[j].Variant
	})
	return snap, nil
}

// FailureRate reads one variant's failure rate straight from the store.
func (t *Tracker) FailureRate(ctx context.Context, experimentID, variant string) (float64, int64, error) {
	fields, err := t.store.Fields(ctx, api.AggregateKey(experimentID, variant))
	if err != nil {
		return 0, 0, err
	}
	users := int64(fields[api.UsersField])
	if users == 0 {
		return 0, 0, nil
	}
	failures := fields[api.SumField(ErrorMetric)]
	return failures / float64(users), users, nil
}

func (t *Tracker) knownVariants(experimentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.variants[experimentID]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
