package server

import "github.com/prometheus/client_golang/prometheus"

// serverMetrics tracks the device-facing listener.
type serverMetrics struct {
	wsConnections prometheus.Gauge
	authFailures  prometheus.Counter
	framesIn      *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mote_server_ws_connections",
			Help: "Appliance WebSocket connections currently open.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_server_auth_failures_total",
			Help: "Rejected appliance connection attempts.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mote_server_frames_in_total",
			Help: "Frames received from appliances, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.wsConnections, m.authFailures, m.framesIn)
	return m
}

func (m *serverMetrics) connOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *serverMetrics) connClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *serverMetrics) authFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *serverMetrics) frameIn(kind string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(kind).Inc()
}
