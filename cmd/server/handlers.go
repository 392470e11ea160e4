package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stagegate/stagegate/internal/api"
	"github.com/stagegate/stagegate/internal/segment"
	"github.com/stagegate/stagegate/internal/stats"
	"github.com/stagegate/stagegate/pkg/otel"
)

const maxBodyBytes = 1 << 20

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/experiments", s.rateLimited(s.handleCreateExperiment))
	mux.HandleFunc("GET /v1/experiments/{id}", s.rateLimited(s.handleGetExperiment))
	mux.HandleFunc("POST /v1/experiments/{id}/start", s.rateLimited(s.handleStartExperiment))
	mux.HandleFunc("POST /v1/experiments/{id}/stop", s.rateLimited(s.handleStopExperiment))
	mux.HandleFunc("POST /v1/experiments/{id}/complete", s.rateLimited(s.handleCompleteExperiment))
	mux.HandleFunc("GET /v1/experiments/{id}/metrics", s.rateLimited(s.handleExperimentMetrics))
	mux.HandleFunc("GET /v1/experiments/{id}/snapshot", s.rateLimited(s.handleSnapshot))
	mux.HandleFunc("GET /v1/experiments/{id}/analysis", s.rateLimited(s.handleAnalysis))
	mux.HandleFunc("GET /v1/experiments/{id}/impact", s.rateLimited(s.handleImpact))

	mux.HandleFunc("POST /v1/assign", s.rateLimited(s.handleAssign))
	mux.HandleFunc("POST /v1/track", s.rateLimited(s.handleTrack))

	mux.HandleFunc("POST /v1/canary", s.rateLimited(s.handleStartCanary))
	mux.HandleFunc("GET /v1/canary/{id}", s.rateLimited(s.handleCanaryStatus))
	mux.HandleFunc("POST /v1/canary/{id}/evaluate", s.rateLimited(s.handleCanaryEvaluate))
	mux.HandleFunc("POST /v1/canary/{id}/promote", s.rateLimited(s.handleCanaryPromote))
	mux.HandleFunc("POST /v1/canary/{id}/rollback", s.rateLimited(s.handleCanaryRollback))

	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "10")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var cfg api.ExperimentConfig
	if !decode(w, r, &cfg) {
		return
	}
	if err := s.registry.Create(r.Context(), &cfg); err != nil {
		// validation failures are client errors
		if !errors.Is(err, api.ErrStoreUnavailable) && !errors.Is(err, api.ErrInvalidTransition) {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		respondError(w, err)
		return
	}
	s.rememberExperiment(cfg.ExperimentID)
	respondJSON(w, http.StatusCreated, &cfg)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.registry.GetConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Start(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	s.rememberExperiment(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": string(api.StatusRunning)})
}

func (s *Server) handleStopExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Stop(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(api.StatusStopped)})
}

func (s *Server) handleCompleteExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Complete(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(api.StatusCompleted)})
}

func (s *Server) handleExperimentMetrics(w http.ResponseWriter, r *http.Request) {
	aggs, err := s.tracker.GetMetrics(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, aggs)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tracker.GetPerformanceSnapshot(r.Context(), r.PathValue("id"), s.snapshotBand)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleAnalysis compares two variants on one metric. Query parameters:
// a, b (variant names, required), metric (defaults to the experiment's
// primary metric).
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.registry.GetConfig(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	variantA := r.URL.Query().Get("a")
	variantB := r.URL.Query().Get("b")
	if variantA == "" || variantB == "" {
		http.Error(w, "query parameters a and b are required", http.StatusBadRequest)
		return
	}
	metricName := r.URL.Query().Get("metric")
	if metricName == "" {
		metricName = cfg.PrimaryMetric
	}
	metricType := api.MetricContinuous
	for _, m := range cfg.SuccessMetrics {
		if m.Name == metricName {
			metricType = m.Type
		}
	}

	analysis, err := s.analyzer.Analyze(r.Context(), stats.Request{
		ExperimentID:      id,
		SampleA:           s.tracker.Samples(id, variantA, metricName),
		SampleB:           s.tracker.Samples(id, variantB, metricName),
		NameA:             variantA,
		NameB:             variantB,
		MetricType:        metricType,
		ConfidenceLevel:   cfg.ConfidenceLevel,
		MinimumSampleSize: cfg.MinimumSampleSize,
	})
	s.metrics.AnalysisTotal.Inc()
	if err != nil {
		if errors.Is(err, api.ErrAnalysisTimeout) {
			s.metrics.AnalysisTimeout.Inc()
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	report, err := s.impact.GenerateReport(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type assignRequest struct {
	UserID       string                 `json:"user_id"`
	ExperimentID string                 `json:"experiment_id"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

type assignResponse struct {
	ExperimentID string `json:"experiment_id"`
	UserID       string `json:"user_id"`
	Variant      string `json:"variant"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ExperimentID == "" {
		http.Error(w, "user_id and experiment_id are required", http.StatusBadRequest)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "stagegate/server", "assign")
	defer span.End()

	variant, err := s.segments.Assign(ctx, req.UserID, req.ExperimentID, req.Attributes)
	if err != nil {
		otel.RecordError(span, err, "assignment failed")
		respondError(w, err)
		return
	}
	span.SetAttributes(otel.AssignmentAttributes(req.ExperimentID, req.UserID, variant)...)
	s.rememberExperiment(req.ExperimentID)
	s.metrics.AssignTotal.Inc()
	s.metrics.AssignByExperiment.WithLabelValues(req.ExperimentID, variant).Inc()
	if variant == segment.Excluded {
		s.metrics.ExcludedByExperiment.WithLabelValues(req.ExperimentID).Inc()
	}

	respondJSON(w, http.StatusOK, assignResponse{
		ExperimentID: req.ExperimentID,
		UserID:       req.UserID,
		Variant:      variant,
	})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var rec api.MetricRecord
	if !decode(w, r, &rec) {
		return
	}
	if err := s.tracker.TrackResult(r.Context(), &rec); err != nil {
		respondError(w, err)
		return
	}
	s.rememberExperiment(rec.ExperimentID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStartCanary(w http.ResponseWriter, r *http.Request) {
	var cfg api.CanaryConfig
	if !decode(w, r, &cfg) {
		return
	}
	dep, err := s.canary.StartCanary(r.Context(), &cfg)
	if err != nil {
		respondError(w, err)
		return
	}
	s.rememberExperiment(cfg.ExperimentID)
	respondJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleCanaryStatus(w http.ResponseWriter, r *http.Request) {
	dep, err := s.canary.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dep)
}

func (s *Server) handleCanaryEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.StartSpan(r.Context(), "stagegate/server", "canary.evaluate")
	defer span.End()

	dep, err := s.canary.Evaluate(ctx, r.PathValue("id"))
	if err != nil {
		otel.RecordError(span, err, "evaluation failed")
		respondError(w, err)
		return
	}
	span.SetAttributes(otel.CanaryAttributes(dep.DeploymentID, dep.CurrentStage, dep.Stage().TrafficPercent)...)
	respondJSON(w, http.StatusOK, dep)
}

type overrideRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCanaryPromote(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	dep, err := s.canary.ForcePromote(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dep)
}

func (s *Server) handleCanaryRollback(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	dep, err := s.canary.ForceRollback(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, api.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, api.ErrInvalidTransition), errors.Is(err, api.ErrStaleVersion):
		status = http.StatusConflict
	case errors.Is(err, api.ErrInvalidSplit):
		status = http.StatusBadRequest
	case errors.Is(err, api.ErrInsufficientData):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, api.ErrAnalysisTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, api.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
