package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	PayloadsIngested   *prometheus.CounterVec
	PayloadsRejected   *prometheus.CounterVec
	DevicesCreated     prometheus.Counter
	ValuesStored       prometheus.Counter
	ResolutionGaps     *prometheus.CounterVec
	TimestampFailures  prometheus.Counter
	ResolutionDuration prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
}

// New creates the collectors and registers them on a dedicated registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PayloadsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_payloads_ingested_total",
				Help: "Gateway payloads stored, by transport.",
			},
			[]string{"transport"},
		),
		PayloadsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_payloads_rejected_total",
				Help: "Gateway payloads rejected, by transport and reason.",
			},
			[]string{"transport", "reason"},
		),
		DevicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_devices_created_total",
			Help: "Devices created on first sight of an identnr.",
		}),
		ValuesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_values_stored_total",
			Help: "Register readings stored.",
		}),
		ResolutionGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_resolution_gaps_total",
				Help: "Latest telemetry fields that could not be resolved, by field.",
			},
			[]string{"field"},
		),
		TimestampFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_timestamp_parse_failures_total",
			Help: "Timestamp-tagged values excluded from resolution because they did not parse.",
		}),
		ResolutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "telemetry_resolution_duration_seconds",
			Help:    "Time to resolve one device's latest telemetry.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_http_requests_total",
				Help: "HTTP requests by route, method and status.",
			},
			[]string{"route", "method", "status"},
		),
	}

	m.registry.MustRegister(
		m.PayloadsIngested,
		m.PayloadsRejected,
		m.DevicesCreated,
		m.ValuesStored,
		m.ResolutionGaps,
		m.TimestampFailures,
		m.ResolutionDuration,
		m.HTTPRequests,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
