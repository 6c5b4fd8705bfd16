package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "dispatchd"

// Metrics holds the daemon's Prometheus collectors. Each Metrics owns its
// registry so several engines can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Claimed      *prometheus.CounterVec
	Tasks        *prometheus.CounterVec
	Retries      prometheus.Counter
	Trashed      prometheus.Counter
	PoolInFlight prometheus.Gauge
	LoopDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claimed_commands_total",
			Help:      "Commands returned by a loop's claim query.",
		}, []string{"loop"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_total",
			Help:      "Finished execution and check tasks by outcome.",
		}, []string{"kind", "outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Commands requeued by the consistency check.",
		}),
		Trashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trashed_total",
			Help:      "Commands failed after exhausting their retries.",
		}),
		PoolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_in_flight",
			Help:      "Tasks currently running in the worker pool.",
		}),
		LoopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "loop_iteration_seconds",
			Help:      "Wall time of one loop iteration, claim plus dispatch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
	}
	m.Registry.MustRegister(
		m.Claimed, m.Tasks, m.Retries, m.Trashed, m.PoolInFlight, m.LoopDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) taskDone(kind, outcome string) {
	m.Tasks.WithLabelValues(kind, outcome).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Infof("metrics_listening addr=%s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
