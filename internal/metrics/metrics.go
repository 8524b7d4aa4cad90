// Package metrics exposes Prometheus metrics for the searcher pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the searcher
type Metrics struct {
	// Stream metrics
	TxReceived       *prometheus.CounterVec
	TxDropped        *prometheus.CounterVec
	StreamReconnects prometheus.Counter
	QueueDepth       prometheus.Gauge

	// Pipeline metrics
	OpportunitiesFound *prometheus.CounterVec
	Simulations        *prometheus.CounterVec
	SimulationFallback prometheus.Counter
	SafetyVerdicts     *prometheus.CounterVec
	Executions         *prometheus.CounterVec
	RelaySubmissions   *prometheus.CounterVec
	PipelineDuration   *prometheus.HistogramVec

	// Pool state metrics
	PoolsTracked  prometheus.Gauge
	PoolRefreshes *prometheus.CounterVec
}

// New registers all metrics on reg
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "mev_searcher"
	}
	f := promauto.With(reg)

	return &Metrics{
		TxReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "transactions_received_total",
			Help:      "Pending transactions received by source",
		}, []string{"source"}),
		TxDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "transactions_dropped_total",
			Help:      "Pending transactions dropped before detection by reason",
		}, []string{"reason"}),
		StreamReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Stream reconnect attempts",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Transactions waiting for a pipeline worker",
		}),

		OpportunitiesFound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "opportunities_found_total",
			Help:      "Opportunities emitted by the detector by type",
		}, []string{"type"}),
		Simulations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "runs_total",
			Help:      "Simulation runs by provider and outcome",
		}, []string{"provider", "outcome"}),
		SimulationFallback: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "fallbacks_total",
			Help:      "Simulations that fell back to the secondary provider",
		}),
		SafetyVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "verdicts_total",
			Help:      "Safety validator verdicts",
		}, []string{"verdict"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "results_total",
			Help:      "Execution results by status",
		}, []string{"status"}),
		RelaySubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "submissions_total",
			Help:      "Bundle submissions by backend and status",
		}, []string{"backend", "status"}),
		PipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Time from dequeue to pipeline completion",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		PoolsTracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poolstate",
			Name:      "pools_tracked",
			Help:      "Pools currently in the state store",
		}),
		PoolRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poolstate",
			Name:      "refreshes_total",
			Help:      "Pool refresh results",
		}, []string{"result"}),
	}
}

// Serve exposes /metrics for g on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
