// internal/hub/metrics.go
package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chathub"

// Metrics are the hub's Prometheus collectors.
type Metrics struct {
	Connections     prometheus.Gauge
	Events          *prometheus.CounterVec
	DroppedFrames   *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	Evictions       prometheus.Counter
	PersistFailures *prometheus.CounterVec
	UploadBytes     prometheus.Histogram
}

// NewMetrics registers the collectors with reg. A nil reg gets a private
// registry, which keeps parallel hubs in tests from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of registered WebSocket connections.",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Inbound events routed, by type.",
		}, []string{"type"}),
		DroppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped before routing, by reason.",
		}, []string{"reason"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery outcomes.",
		}, []string{"outcome"}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Connections removed after a failed delivery.",
		}),
		PersistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persist_failures_total",
			Help:      "Events not broadcast because storing them failed, by stage.",
		}, []string{"stage"}),
		UploadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "upload_bytes",
			Help:      "Size of accepted media uploads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}
}
