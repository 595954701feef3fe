package ua

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics - prometheus инструментация ядра. Nil-безопасна: UA без
// Registerer работает без метрик.
type Metrics struct {
	activeSessions prometheus.Gauge
	activeDialogs  prometheus.Gauge
	activeRefers   prometheus.Gauge

	sessionsTotal  *prometheus.CounterVec
	sessionResults *prometheus.CounterVec
	messagesTotal  *prometheus.CounterVec
}

// NewMetrics регистрирует метрики ядра в reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipua", Name: "active_sessions",
			Help: "Number of live INVITE sessions.",
		}),
		activeDialogs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipua", Name: "active_dialogs",
			Help: "Number of dialogs in the registry.",
		}),
		activeRefers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipua", Name: "active_refer_subscriptions",
			Help: "Number of live REFER subscriptions.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua", Name: "sessions_total",
			Help: "Sessions that reached the confirmed state.",
		}, []string{"direction"}),
		sessionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua", Name: "session_results_total",
			Help: "Terminal session causes.",
		}, []string{"cause"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua", Name: "messages_total",
			Help: "Out-of-dialog MESSAGE requests.",
		}, []string{"direction"}),
	}
	reg.MustRegister(
		m.activeSessions, m.activeDialogs, m.activeRefers,
		m.sessionsTotal, m.sessionResults, m.messagesTotal,
	)
	return m
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) sessionStarted(direction Direction) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(string(direction)).Inc()
}

func (m *Metrics) sessionEnded(cause Cause) {
	if m == nil {
		return
	}
	m.sessionResults.WithLabelValues(string(cause)).Inc()
}

func (m *Metrics) referOpened() {
	if m == nil {
		return
	}
	m.activeRefers.Inc()
}

func (m *Metrics) referClosed() {
	if m == nil {
		return
	}
	m.activeRefers.Dec()
}

func (m *Metrics) message(direction Direction) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(string(direction)).Inc()
}

func (m *Metrics) setDialogs(n int) {
	if m == nil {
		return
	}
	m.activeDialogs.Set(float64(n))
}
