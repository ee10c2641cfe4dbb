// Package metrics exposes Prometheus collectors for the ingestion pipeline
// and serves them together with the health endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/murmurhq/feedcore/internal/logger"
)

var (
	// Connection manager.
	OpenQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedcore_open_queries",
		Help: "Number of concurrently open relay queries",
	})
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedcore_active_subscriptions",
		Help: "Active logical subscriptions",
	})
	RelayState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedcore_relay_state",
		Help: "Relay health state (1 = in state) per relay URL",
	}, []string{"relay", "state"})

	// Event stream.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_events_received_total",
		Help: "Events received per relay",
	}, []string{"relay"})
	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedcore_events_deduplicated_total",
		Help: "Events suppressed as cross-relay duplicates",
	})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedcore_events_dropped_total",
		Help: "Events dropped due to full subscription buffers",
	})
	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_protocol_errors_total",
		Help: "Malformed relay messages dropped",
	}, []string{"relay"})

	// Publish.
	PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_publish_results_total",
		Help: "Per-relay publish outcomes",
	}, []string{"relay", "outcome"})

	// Cache.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_cache_hits_total",
		Help: "Cache hits per entity class",
	}, []string{"class"})
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_cache_misses_total",
		Help: "Cache misses per entity class",
	}, []string{"class"})
	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_cache_evictions_total",
		Help: "LRU evictions per entity class",
	}, []string{"class"})

	// Ranking.
	FeedRankDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedcore_feed_rank_duration_seconds",
		Help:    "Time spent scoring and composing a feed",
		Buckets: prometheus.DefBuckets,
	})
)

// SetRelayState flips the per-relay state gauges so exactly one state is set.
func SetRelayState(relay, state string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "failing", "cooldown", "removed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		RelayState.WithLabelValues(relay, s).Set(v)
	}
}

// Server serves /metrics and /healthz.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// HealthFunc reports a component health snapshot for /healthz.
type HealthFunc func() (status string, details map[string]interface{})

// NewServer builds the metrics HTTP server.
func NewServer(port int, health HealthFunc) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, details := health()
		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  status,
			"details": details,
		})
	})
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger.New("metrics"),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
