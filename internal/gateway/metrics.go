package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks gateway client health. All methods are nil-receiver safe
// so wiring metrics stays optional.
type Metrics struct {
	connects        prometheus.Counter
	connectFailures prometheus.Counter
	reconnects      prometheus.Counter
	requests        *prometheus.CounterVec
	requestTimeouts prometheus.Counter
	events          *prometheus.CounterVec
	liveClients     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_gateway_connects_total",
			Help: "Successful gateway handshakes.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_gateway_connect_failures_total",
			Help: "Failed gateway connect attempts.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_gateway_reconnects_total",
			Help: "Successful reconnects after link loss.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mote_gateway_requests_total",
			Help: "Correlated requests sent, by method.",
		}, []string{"method"}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_gateway_request_timeouts_total",
			Help: "Requests that hit the response deadline.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mote_gateway_events_total",
			Help: "Events dispatched to subscribers, by event name.",
		}, []string{"event"}),
		liveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mote_gateway_clients",
			Help: "Gateway clients currently held by the pool.",
		}),
	}

	reg.MustRegister(
		m.connects,
		m.connectFailures,
		m.reconnects,
		m.requests,
		m.requestTimeouts,
		m.events,
		m.liveClients,
	)
	return m
}

func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) RecordRequest(method string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method).Inc()
}

func (m *Metrics) RecordRequestTimeout() {
	if m == nil {
		return
	}
	m.requestTimeouts.Inc()
}

func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) SetLiveClients(n int) {
	if m == nil {
		return
	}
	m.liveClients.Set(float64(n))
}
