package canguard

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the engine's observability surface on a private
// Prometheus registry so multiple engines (tests included) never collide.
type Metrics struct {
	registry *prometheus.Registry

	FramesTotal         prometheus.Counter
	LearnedTotal        prometheus.Counter
	AnomaliesTotal      *prometheus.CounterVec
	FloodsTotal         *prometheus.CounterVec
	AlertsDroppedTotal  *prometheus.CounterVec
	BaselineOccupancy   prometheus.Gauge
	BaselineRejected    prometheus.Gauge
	WindowDominantShare prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		FramesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "canguard_frames_total",
			Help: "Frames processed by the engine.",
		}),
		LearnedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "canguard_learned_frames_total",
			Help: "Frames consumed during the learning phase.",
		}),
		AnomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canguard_anomalies_total",
			Help: "Content anomalies by reason.",
		}, []string{"reason"}),
		FloodsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canguard_floods_total",
			Help: "Volumetric detections by detector.",
		}, []string{"detector"}),
		AlertsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canguard_alerts_dropped_total",
			Help: "Alerts dropped at a sink or the dispatch queue.",
		}, []string{"sink"}),
		BaselineOccupancy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canguard_baseline_occupancy",
			Help: "Learned baseline profiles currently held.",
		}),
		BaselineRejected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canguard_baseline_rejected_total",
			Help: "Identifiers not learned because the store was full.",
		}),
		WindowDominantShare: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canguard_window_dominant_share",
			Help: "Share of the traffic window held by the busiest identifier.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
