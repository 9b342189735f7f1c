// Package metrics implements the Prometheus instrumentation sink.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coremetrics "github.com/gridpilot/hems/core/metrics"
)

// Config defines the Prometheus exposure settings.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.PrometheusPort == "" {
		c.PrometheusPort = "9090"
	}
}

// PromSink records controller events as Prometheus metrics.
type PromSink struct {
	solves       *prometheus.HistogramVec
	ticks        prometheus.Histogram
	curtailments *prometheus.CounterVec
	notifies     prometheus.Counter
}

var _ coremetrics.Sink = (*PromSink)(nil)

// NewPromSink registers the controller metrics on the default registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	solves := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "planner_solve_seconds",
		Help:    "Planner solve wall-clock time by solver status",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
	ticks := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtl_tick_seconds",
		Help:    "Real-time limiter tick duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
	})
	curtailments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtl_curtailments_total",
		Help: "Critical actions applied by the real-time limiter",
	}, []string{"entity_id"})
	notifies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtl_notifications_total",
		Help: "Notifications emitted when curtailment options are exhausted",
	})

	if err := reg.Register(solves); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			solves = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(ticks); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			ticks = are.ExistingCollector.(prometheus.Histogram)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(curtailments); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			curtailments = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(notifies); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			notifies = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}

	return &PromSink{solves: solves, ticks: ticks, curtailments: curtailments, notifies: notifies}, nil
}

func (s *PromSink) RecordSolve(status string, seconds float64) {
	s.solves.WithLabelValues(status).Observe(seconds)
}

func (s *PromSink) RecordTick(seconds float64) {
	s.ticks.Observe(seconds)
}

func (s *PromSink) RecordCurtailment(entityID string) {
	s.curtailments.WithLabelValues(entityID).Inc()
}

func (s *PromSink) RecordNotify() {
	s.notifies.Inc()
}

// StartPromServer exposes /metrics until the context is cancelled.
func StartPromServer(ctx context.Context, port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
