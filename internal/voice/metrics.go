package voice

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks voice engine activity. All methods are nil-receiver safe
// so wiring metrics stays optional.
type Metrics struct {
	activeSessions prometheus.Gauge
	wakeDetections prometheus.Counter
	turns          prometheus.Counter
	turnFailures   *prometheus.CounterVec
	audioBytes     prometheus.Counter
	iotRequests    prometheus.Counter
	iotTimeouts    prometheus.Counter
	sttRestarts    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mote_voice_sessions",
			Help: "Voice sessions currently registered.",
		}),
		wakeDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_voice_wake_detections_total",
			Help: "Wake phrase detections.",
		}),
		turns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_voice_turns_total",
			Help: "Completed voice turns, spoken reply delivered.",
		}),
		turnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mote_voice_turn_failures_total",
			Help: "Voice turns ended with voice.error, by stage.",
		}, []string{"stage"}),
		audioBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_voice_audio_bytes_total",
			Help: "Synthesized audio bytes sent to appliances.",
		}),
		iotRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_voice_iot_requests_total",
			Help: "Inbound node commands relayed to appliances.",
		}),
		iotTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_voice_iot_timeouts_total",
			Help: "Relayed commands that hit the reply deadline.",
		}),
		sttRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mote_voice_stt_restarts_total",
			Help: "Transcription streams restarted after link loss.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.wakeDetections,
		m.turns,
		m.turnFailures,
		m.audioBytes,
		m.iotRequests,
		m.iotTimeouts,
		m.sttRestarts,
	)
	return m
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordWakeDetection() {
	if m == nil {
		return
	}
	m.wakeDetections.Inc()
}

func (m *Metrics) RecordTurn() {
	if m == nil {
		return
	}
	m.turns.Inc()
}

func (m *Metrics) RecordTurnFailure(stage string) {
	if m == nil {
		return
	}
	m.turnFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordAudioBytes(n int) {
	if m == nil {
		return
	}
	m.audioBytes.Add(float64(n))
}

func (m *Metrics) RecordIoTRequest() {
	if m == nil {
		return
	}
	m.iotRequests.Inc()
}

func (m *Metrics) RecordIoTTimeout() {
	if m == nil {
		return
	}
	m.iotTimeouts.Inc()
}

func (m *Metrics) RecordSTTRestart() {
	if m == nil {
		return
	}
	m.sttRestarts.Inc()
}
