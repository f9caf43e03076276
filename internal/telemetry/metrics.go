package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors for one transport instance.
// A nil *Metrics is safe to call methods on (all methods guard against
// it), so components can be constructed without telemetry in tests.
type Metrics struct {
	registry *prometheus.Registry

	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	retransmits     prometheus.Counter
	throttles       prometheus.Counter
	activeSockets   prometheus.Gauge
	curWindow       *prometheus.GaugeVec
	maxWindow       *prometheus.GaugeVec
}

// NewMetrics registers a fresh set of collectors against a private
// registry (never the global default, so multiple instances in the same
// process — e.g. in tests — don't collide).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "utp", Name: "packets_sent_total", Help: "μTP packets sent, by type.",
		}, []string{"type"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "utp", Name: "packets_received_total", Help: "μTP packets received, by type.",
		}, []string{"type"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "utp", Name: "retransmits_total", Help: "Data chunks retransmitted, by loss detection or RTO.",
		}),
		throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "utp", Name: "throttles_total", Help: "Times a socket's congestion window was throttled after RTO expiry.",
		}),
		activeSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "utp", Name: "active_sockets", Help: "Sockets currently tracked by the multiplexer.",
		}),
		curWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "utp", Name: "cur_window_bytes", Help: "In-flight bytes per socket.",
		}, []string{"conn"}),
		maxWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "utp", Name: "max_window_bytes", Help: "LEDBAT congestion window per socket.",
		}, []string{"conn"}),
	}
	reg.MustRegister(m.packetsSent, m.packetsReceived, m.retransmits, m.throttles, m.activeSockets, m.curWindow, m.maxWindow)
	return m
}

// Registry exposes the private registry so a demo binary can serve it.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PacketSent(typ string) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(typ).Inc()
}

func (m *Metrics) PacketReceived(typ string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) Retransmit() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}

func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.throttles.Inc()
}

func (m *Metrics) SocketOpened() {
	if m == nil {
		return
	}
	m.activeSockets.Inc()
}

func (m *Metrics) SocketClosed() {
	if m == nil {
		return
	}
	m.activeSockets.Dec()
}

func (m *Metrics) SetWindow(conn string, cur, max int) {
	if m == nil {
		return
	}
	m.curWindow.WithLabelValues(conn).Set(float64(cur))
	m.maxWindow.WithLabelValues(conn).Set(float64(max))
}
