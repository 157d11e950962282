package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kephasgate"

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// ActiveConnections tracks live connections in the registry
	ActiveConnections prometheus.Gauge
	// ActiveSessions tracks sessions held by the security manager
	ActiveSessions prometheus.Gauge
	// AuthAttempts counts connection authentications by result code
	AuthAttempts *prometheus.CounterVec
	// Messages counts inbound envelopes by type
	Messages *prometheus.CounterVec
	// MessageErrors counts inbound envelopes rejected, by error kind
	MessageErrors *prometheus.CounterVec
	// Disconnects counts connection removals by reason
	Disconnects *prometheus.CounterVec
	// QueueEnqueued and QueueEvicted track the offline queue
	QueueEnqueued prometheus.Counter
	QueueEvicted  prometheus.Counter
	// Broadcasts counts event deliveries by outcome (delivered, queued)
	Broadcasts *prometheus.CounterVec
	// RPCLatency tracks handler latency by method and status
	RPCLatency *prometheus.HistogramVec
	// BusErrors counts distributed bus receive and publish failures
	BusErrors prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live connections",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of authenticated sessions",
		}),
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of connection authentications by result",
		}, []string{"result"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of inbound envelopes by type",
		}, []string{"type"}),
		MessageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Total number of rejected inbound envelopes by error kind",
		}, []string{"kind"}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of connection removals by reason",
		}, []string{"reason"}),
		QueueEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total number of envelopes queued for offline clients",
		}),
		QueueEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_evicted_total",
			Help:      "Total number of queued envelopes evicted on overflow",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Total number of broadcast deliveries by outcome",
		}, []string{"outcome"}),
		RPCLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_latency_seconds",
			Help:      "Latency of RPC handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
		BusErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Total number of distributed bus failures",
		}),
	}
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) AuthResult(result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Message(typ string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(typ).Inc()
}

func (m *Metrics) MessageError(kind string) {
	if m == nil {
		return
	}
	m.MessageErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Disconnect(reason string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Enqueued(evicted bool) {
	if m == nil {
		return
	}
	m.QueueEnqueued.Inc()
	if evicted {
		m.QueueEvicted.Inc()
	}
}

func (m *Metrics) Broadcast(delivered, queued int) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues("delivered").Add(float64(delivered))
	m.Broadcasts.WithLabelValues("queued").Add(float64(queued))
}

// ObserveRPC records one handler invocation that started at start.
func (m *Metrics) ObserveRPC(method, status string, start time.Time) {
	if m == nil {
		return
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) BusError() {
	if m == nil {
		return
	}
	m.BusErrors.Inc()
}
