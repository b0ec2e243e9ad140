package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the meeting sync service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	SessionsConnected prometheus.Gauge
	SessionsTotal     prometheus.Counter
	ConnectFailures   prometheus.Counter

	// Driver metrics
	DriversRunning prometheus.Gauge
	DriverRestarts prometheus.Counter
	Ticks          prometheus.Counter
	TickErrors     *prometheus.CounterVec
	TickDuration   prometheus.Histogram

	// Message metrics
	InboundMessages *prometheus.CounterVec
	InboundDropped  *prometheus.CounterVec
	Relayed         prometheus.Counter
	SendFailures    prometheus.Counter

	// Bus metrics
	BusEvents        *prometheus.CounterVec
	BusPublishErrors *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_sync_sessions_connected",
			Help: "Current number of websocket sessions on this instance",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sync_sessions_total",
			Help: "Total number of websocket sessions accepted",
		}),
		ConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sync_connect_failures_total",
			Help: "Sessions closed because connect-time state store calls failed",
		}),

		DriversRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_sync_drivers_running",
			Help: "Current number of playback drivers running on this instance",
		}),
		DriverRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sync_driver_starts_total",
			Help: "Total number of playback drivers started or restarted",
		}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sync_ticks_total",
			Help: "Total number of completed driver ticks",
		}),
		TickErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_sync_tick_errors_total",
			Help: "Driver ticks that failed, by stage",
		}, []string{"stage"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_sync_tick_duration_seconds",
			Help:    "Time spent reading, advancing and broadcasting one tick",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),

		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_sync_inbound_messages_total",
			Help: "Inbound client frames by handling kind",
		}, []string{"kind"}),
		InboundDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_sync_inbound_dropped_total",
			Help: "Inbound client frames dropped, by reason",
		}, []string{"reason"}),
		Relayed: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sync_relayed_messages_total",
			Help: "Client frames relayed verbatim to their group",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sync_send_failures_total",
			Help: "Per-recipient deliveries that failed",
		}),

		BusEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_sync_bus_events_total",
			Help: "Events received from the cross-instance bus, by type",
		}, []string{"type"}),
		BusPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_sync_bus_publish_errors_total",
			Help: "Failed publishes to the cross-instance bus, by type",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsConnected.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsConnected.Dec()
}

func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}

func (m *Metrics) DriverStarted() {
	if m == nil {
		return
	}
	m.DriversRunning.Inc()
	m.DriverRestarts.Inc()
}

func (m *Metrics) DriverStopped() {
	if m == nil {
		return
	}
	m.DriversRunning.Dec()
}

func (m *Metrics) TickDone(d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) TickFailed(stage string) {
	if m == nil {
		return
	}
	m.TickErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) Inbound(kind string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.InboundDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RelayedMessage() {
	if m == nil {
		return
	}
	m.Relayed.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

func (m *Metrics) BusEvent(eventType string) {
	if m == nil {
		return
	}
	m.BusEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) BusPublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.BusPublishErrors.WithLabelValues(eventType).Inc()
}
