package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hearth"

// Metrics holds the gateway collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	connections    prometheus.Gauge
	onlineUsers    prometheus.Gauge
	rooms          prometheus.Gauge
	queuedMessages prometheus.Gauge

	events      *prometheus.CounterVec
	errors      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	evictions   prometheus.Counter
	drained     prometheus.Counter

	handlerSeconds *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "connections",
			Help: "Live connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "presence", Name: "online_users",
			Help: "Users with at least one live device.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "rooms", Name: "active",
			Help: "Rooms with at least one connection.",
		}),
		queuedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "offline", Name: "queued_messages",
			Help: "Messages waiting in offline queues.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "events_total",
			Help: "Inbound events by name.",
		}, []string{"event"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "errors_total",
			Help: "Handler errors by event and code.",
		}, []string{"event", "code"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "broadcast", Name: "deliveries_total",
			Help: "Broadcast delivery outcomes.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "ratelimit", Name: "rejected_total",
			Help: "Rate-limited actions by kind.",
		}, []string{"action"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "stale_evictions_total",
			Help: "Connections evicted by the heartbeat loop.",
		}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "offline", Name: "delivered_total",
			Help: "Offline messages delivered on reconnect.",
		}),
		handlerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "handler_seconds",
			Help:    "Event handler latency.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"event"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.connections, m.onlineUsers, m.rooms, m.queuedMessages,
		m.events, m.errors, m.deliveries, m.rateLimited,
		m.evictions, m.drained, m.handlerSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeEvent(event string, started time.Time) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
	m.handlerSeconds.WithLabelValues(event).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeError(event, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(event, code).Inc()
}

func (m *Metrics) observeDeliveries(delivered, failed, queued int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.deliveries.WithLabelValues("failed").Add(float64(failed))
	m.deliveries.WithLabelValues("queued").Add(float64(queued))
}

func (m *Metrics) observeRateLimited(action string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(action).Inc()
}

func (m *Metrics) observeEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) observeDrained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drained.Add(float64(n))
}

func (m *Metrics) setGauges(connections, online, rooms, queued int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.onlineUsers.Set(float64(online))
	m.rooms.Set(float64(rooms))
	m.queuedMessages.Set(float64(queued))
}
