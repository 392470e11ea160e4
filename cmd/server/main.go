package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/stagegate/stagegate/internal/alert"
	"github.com/stagegate/stagegate/internal/canary"
	"github.com/stagegate/stagegate/internal/impact"
	"github.com/stagegate/stagegate/internal/journal"
	"github.com/stagegate/stagegate/internal/metrics"
	"github.com/stagegate/stagegate/internal/registry"
	"github.com/stagegate/stagegate/internal/segment"
	"github.com/stagegate/stagegate/internal/stats"
	"github.com/stagegate/stagegate/internal/store"
	"github.com/stagegate/stagegate/internal/tracker"
	"github.com/stagegate/stagegate/pkg/otel"
)

type Server struct {
	store    store.Store
	registry *registry.Registry
	segments *segment.Engine
	tracker  *tracker.Tracker
	canary   *canary.Manager
	impact   *impact.Analyzer
	analyzer *stats.Analyzer
	journal  *journal.Journal
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	snapshotBand float64

	mu          sync.Mutex
	experiments map[string]bool

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx := context.Background()

	// Setup shared store
	backend := getEnv("STORE_BACKEND", "memory")
	var st store.Store
	var err error

	switch backend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/store.json")
		st = store.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		st, err = store.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		st, err = store.NewPostgresStore(ctx, connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", backend)
	}

	// Setup tracking journal
	journalDir := getEnv("JOURNAL_DIR", "data/journal")
	j, err := journal.New(journalDir)
	if err != nil {
		log.Fatalf("Failed to create tracking journal: %v", err)
	}

	// Setup tracing
	var tracerProvider interface{ Shutdown(context.Context) error }
	if getEnv("OTEL_ENABLED", "false") == "true" {
		cfg := otel.DefaultConfig("stagegate")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
		tp, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to init tracer: %v", err)
		}
		tracerProvider = tp
	}

	m := metrics.New()
	dispatcher := alert.NewDispatcher(alert.LogSink{})

	reg := registry.New(st)

	cacheSize := getEnvInt("ASSIGN_CACHE_SIZE", 65536)
	cacheTTL := time.Duration(getEnvInt("ASSIGN_CACHE_TTL_SEC", 300)) * time.Second
	segments, err := segment.NewEngine(reg, cacheSize, cacheTTL)
	if err != nil {
		log.Fatalf("Failed to create segmentation engine: %v", err)
	}

	tr := tracker.New(st, j, dispatcher, m)

	// Restore the analysis sample window and known-variant sets from the
	// journal after a restart. Store aggregates survive on their own.
	if records, err := journal.ReplayDir(journalDir); err != nil {
		log.Printf("Journal replay failed: %v", err)
	} else if n := tr.Replay(records); n > 0 {
		log.Printf("Replayed %d journaled records from %s", n, journalDir)
	}

	analyzer := stats.NewAnalyzer(stats.Params{
		ExactPValues:       getEnv("EXACT_PVALUES", "true") == "true",
		MaxExactSampleSize: getEnvInt("MAX_EXACT_SAMPLES", 200000),
		Timeout:            time.Duration(getEnvInt("ANALYSIS_TIMEOUT_SEC", 30)) * time.Second,
	})

	cm := canary.NewManager(st, reg, tr, analyzer, dispatcher, m)
	ia := impact.NewAnalyzer(reg, tr)

	tokenRate := getEnvInt("TOKEN_RATE", 500)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		store:           st,
		registry:        reg,
		segments:        segments,
		tracker:         tr,
		canary:          cm,
		impact:          ia,
		analyzer:        analyzer,
		journal:         j,
		metrics:         m,
		limiter:         limiter,
		snapshotBand:    getEnvFloat("SNAPSHOT_ALERT_BAND", 0.05),
		experiments:     make(map[string]bool),
	}

	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Background canary evaluation loop
	loopCtx, cancelLoop := context.WithCancel(ctx)
	evalInterval := time.Duration(getEnvInt("CANARY_EVAL_SEC", 30)) * time.Second
	go cm.Run(loopCtx, evalInterval, srv.knownExperiments)

	mux := http.NewServeMux()
	srv.routes(mux)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (store=%s)", port, backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")
	cancelLoop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Printf("Tracer shutdown error: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		log.Printf("Error closing journal: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

// knownExperiments lists experiments this instance has served, for the
// background canary loop.
func (s *Server) knownExperiments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.experiments))
	for id := range s.experiments {
		out = append(out, id)
	}
	return out
}

func (s *Server) rememberExperiment(id string) {
	s.mu.Lock()
	s.experiments[id] = true
	s.mu.Unlock()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
