package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's Prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry setup.
type Metrics struct {
	connections     prometheus.Gauge
	onlineUsers     prometheus.Gauge
	messages        *prometheus.CounterVec
	pushes          *prometheus.CounterVec
	presenceChanges *prometheus.CounterVec
	busDrops        prometheus.Counter
	handlerPanics   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmhub",
			Name:      "live_connections",
			Help:      "Number of live hub connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmhub",
			Name:      "online_users",
			Help:      "Number of users holding at least one live connection.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmhub",
			Name:      "messages_total",
			Help:      "SendMessage outcomes by delivery state or error kind.",
		}, []string{"outcome"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmhub",
			Name:      "pushes_total",
			Help:      "Per-connection pushes by event and result.",
		}, []string{"event", "result"}),
		presenceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmhub",
			Name:      "presence_changes_total",
			Help:      "Presence transitions by new status.",
		}, []string{"status"}),
		busDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmhub",
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped by the in-process bus because a subscriber was full.",
		}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmhub",
			Name:      "handler_panics_total",
			Help:      "Invocation handlers that panicked and were recovered.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.connections, m.onlineUsers, m.messages, m.pushes,
		m.presenceChanges, m.busDrops, m.handlerPanics,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetConnections records the current registry size.
func (m *Metrics) SetConnections(users, conns int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(users))
	m.connections.Set(float64(conns))
}

// Message counts a SendMessage outcome.
func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

// Push counts one per-connection push attempt.
func (m *Metrics) Push(event string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "dropped"
	}
	m.pushes.WithLabelValues(event, result).Inc()
}

// PresenceChange counts a broadcast status transition.
func (m *Metrics) PresenceChange(status string) {
	if m == nil {
		return
	}
	m.presenceChanges.WithLabelValues(status).Inc()
}

// BusDrop counts an event dropped by the bus.
func (m *Metrics) BusDrop() {
	if m == nil {
		return
	}
	m.busDrops.Inc()
}

// HandlerPanic counts a recovered handler panic.
func (m *Metrics) HandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}
