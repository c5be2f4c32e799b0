package receiver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "receiver"

// metrics метрики приёмника вызовов
type metrics struct {
	connectionAttempts *prometheus.CounterVec
	connectionState    prometheus.Gauge
	polls              *prometheus.CounterVec
	invitations        *prometheus.CounterVec
	callsActive        prometheus.Gauge
	callDuration       prometheus.Histogram
	heartbeats         *prometheus.CounterVec
}

// newMetrics регистрирует метрики в reg; nil означает отдельный реестр
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		connectionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_attempts_total",
			Help:      "Connection attempts to the signaling server by result",
		}, []string{"result"}),

		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Current connection state: 0=disconnected, 1=connecting, 2=connected",
		}),

		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "polls_total",
			Help:      "Invitation polls by result",
		}, []string{"result"}),

		invitations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invitations_total",
			Help:      "Received invitations by admission decision",
		}, []string{"decision"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "calls_active",
			Help:      "1 while a call is active",
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of active calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_total",
			Help:      "Call liveness checks by result",
		}, []string{"result"}),
	}
}

func (m *metrics) setConnectionState(s ConnectionState) {
	m.connectionState.Set(float64(s))
}

func (m *metrics) callEnded(startedAt time.Time) {
	m.callsActive.Set(0)
	if !startedAt.IsZero() {
		m.callDuration.Observe(time.Since(startedAt).Seconds())
	}
}
