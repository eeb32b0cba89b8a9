package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts session-layer outcomes. A nil *Metrics records nothing.
type Metrics struct {
	Bridges         *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	SessionEvents   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered with registry. A nil
// registry creates unregistered collectors.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Bridges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetdesk_session_bridge_total",
				Help: "Completed token bridges by path",
			},
			[]string{"path"},
		),
		Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetdesk_session_token_refresh_total",
				Help: "Access token refresh attempts by result",
			},
			[]string{"result"},
		),
		RefreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleetdesk_session_token_refresh_duration_seconds",
				Help:    "Access token refresh latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		SessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetdesk_session_events_total",
				Help: "Identity provider session events handled by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) recordBridge(path BridgePath) {
	if m == nil {
		return
	}
	m.Bridges.WithLabelValues(string(path)).Inc()
}

func (m *Metrics) recordRefresh(result string, started time.Time) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
	m.RefreshDuration.Observe(time.Since(started).Seconds())
}

// RecordSessionEvent counts a handled provider event.
func (m *Metrics) RecordSessionEvent(kind string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(kind).Inc()
}
