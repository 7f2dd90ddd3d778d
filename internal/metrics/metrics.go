// Package metrics provides Prometheus instrumentation for the variantz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only variantz metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/variantz/internal/core"
)

// Metrics holds all Prometheus collectors used by the variantz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal        *prometheus.CounterVec
	HTTPRequestDuration      *prometheus.HistogramVec
	GRPCRequestsTotal        *prometheus.CounterVec
	GRPCRequestDuration      *prometheus.HistogramVec
	EvaluationsTotal         *prometheus.CounterVec
	ExposuresPublished       prometheus.Counter
	ExposuresDeduplicated    prometheus.Counter
	ExposuresDropped         prometheus.GaugeFunc
	ConfigurationSwaps       prometheus.Counter
	AggregatorFlushesTotal   prometheus.Counter
	AggregatedEventsTotal    prometheus.Counter
	FingerprintsPrunedTotal  prometheus.Counter
	AuthFailuresTotal        prometheus.Counter
	droppedExposuresObserver func() float64
}

// New creates and registers all variantz metrics in a fresh registry.
// droppedExposures, when non-nil, is sampled on every scrape.
func New(droppedExposures func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry:                 reg,
		droppedExposuresObserver: droppedExposures,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "variantz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "variantz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_flag_evaluations_total",
			Help: "Total number of flag evaluations by reason.",
		}, []string{"reason"}),

		ExposuresPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_exposures_published_total",
			Help: "Exposure events published to subscribers.",
		}),

		ExposuresDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_exposures_deduplicated_total",
			Help: "Exposure events suppressed by the assignment cache.",
		}),

		ConfigurationSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_configuration_swaps_total",
			Help: "Number of times the active configuration was replaced.",
		}),

		AggregatorFlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_aggregator_flushes_total",
			Help: "Non-empty evaluation aggregator windows flushed.",
		}),

		AggregatedEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_aggregated_events_total",
			Help: "Aggregated flag evaluation events emitted.",
		}),

		FingerprintsPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_fingerprints_pruned_total",
			Help: "Stale assignment fingerprints deleted from durable storage.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	m.ExposuresDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "variantz_exposures_dropped",
		Help: "Exposure events dropped for slow subscribers since start-up.",
	}, func() float64 {
		if m.droppedExposuresObserver == nil {
			return 0
		}
		return m.droppedExposuresObserver()
	})

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.EvaluationsTotal,
		m.ExposuresPublished,
		m.ExposuresDeduplicated,
		m.ExposuresDropped,
		m.ConfigurationSwaps,
		m.AggregatorFlushesTotal,
		m.AggregatedEventsTotal,
		m.FingerprintsPrunedTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one completed HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, statusCode int, elapsed time.Duration) {
	code := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// RecordEvaluation increments the evaluation counter for reason.
func (m *Metrics) RecordEvaluation(reason core.Reason) {
	m.EvaluationsTotal.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) IncExposuresPublished() { m.ExposuresPublished.Inc() }

func (m *Metrics) IncExposuresDeduplicated() { m.ExposuresDeduplicated.Inc() }

func (m *Metrics) IncConfigurationSwaps() { m.ConfigurationSwaps.Inc() }

// RecordFlush counts one aggregator flush carrying events entries.
func (m *Metrics) RecordFlush(events int) {
	m.AggregatorFlushesTotal.Inc()
	m.AggregatedEventsTotal.Add(float64(events))
}

func (m *Metrics) AddFingerprintsPruned(n int64) {
	if n > 0 {
		m.FingerprintsPrunedTotal.Add(float64(n))
	}
}
