package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus counters for the engine
type Metrics struct {
	// Global counters
	AssignTotal     prometheus.Counter
	TrackTotal      prometheus.Counter
	TrackRetries    prometheus.Counter
	TrackDropped    prometheus.Counter
	AnalysisTotal   prometheus.Counter
	AnalysisTimeout prometheus.Counter
	StoreErrors     prometheus.Counter
	JournalErrors   prometheus.Counter
	AlertsEmitted   prometheus.Counter

	// Labeled by experiment
	AssignByExperiment   *prometheus.CounterVec
	ExcludedByExperiment *prometheus.CounterVec
	TrackByExperiment    *prometheus.CounterVec

	// Labeled canary outcomes
	CanaryPromotions *prometheus.CounterVec
	CanaryRollbacks  *prometheus.CounterVec
}

// New creates and registers all metrics
func New() *Metrics {
	return &Metrics{
		AssignTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_assign_total",
			Help: "Total number of variant assignment requests",
		}),
		TrackTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_track_total",
			Help: "Total number of tracked metric records",
		}),
		TrackRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_track_retries",
			Help: "Number of tracking writes retried after store failures",
		}),
		TrackDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_track_dropped",
			Help: "Number of tracking writes dropped after retries exhausted",
		}),
		AnalysisTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_analysis_total",
			Help: "Number of statistical analyses run",
		}),
		AnalysisTimeout: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_analysis_timeouts",
			Help: "Number of statistical analyses that exceeded their budget",
		}),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_store_errors",
			Help: "Number of shared-store failures",
		}),
		JournalErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_journal_errors",
			Help: "Number of tracking journal write errors",
		}),
		AlertsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sg_alerts_emitted",
			Help: "Number of performance alerts sent to the alert sink",
		}),

		AssignByExperiment: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sg_assign_by_experiment",
				Help: "Variant assignments per experiment and variant",
			},
			[]string{"experiment_id", "variant"},
		),
		ExcludedByExperiment: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sg_excluded_by_experiment",
				Help: "Users excluded by audience or exclusion predicates per experiment",
			},
			[]string{"experiment_id"},
		),
		TrackByExperiment: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sg_track_by_experiment",
				Help: "Tracked metric records per experiment and variant",
			},
			[]string{"experiment_id", "variant"},
		),
		CanaryPromotions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sg_canary_promotions",
				Help: "Canary stage promotions per experiment, labeled manual or auto",
			},
			[]string{"experiment_id", "mode"},
		),
		CanaryRollbacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sg_canary_rollbacks",
				Help: "Canary rollbacks per experiment, labeled manual or auto",
			},
			[]string{"experiment_id", "mode"},
		),
	}
}
