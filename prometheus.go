package teegate

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics exposes the gateway Metrics counters as Prometheus
// collectors. It wraps a DefaultMetrics so the Get* side keeps working.
type PrometheusMetrics struct {
	*DefaultMetrics

	handshakes *prometheus.CounterVec
	frames     *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	requests   *prometheus.CounterVec
	sessions   prometheus.Gauge
}

// NewPrometheusMetrics builds and registers the gateway collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	m := &PrometheusMetrics{
		DefaultMetrics: NewDefaultMetrics(),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Noise handshakes by outcome.",
		}, []string{"outcome"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Encrypted transport frames by direction.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Wire bytes by direction.",
		}, []string{"direction"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Multiplexed requests by status class.",
		}, []string{"class"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently open sessions, including those still handshaking.",
		}),
	}
	reg.MustRegister(m.handshakes, m.frames, m.bytes, m.requests, m.sessions)
	return m
}

func (m *PrometheusMetrics) IncrementHandshakeCompleted() {
	m.DefaultMetrics.IncrementHandshakeCompleted()
	m.handshakes.WithLabelValues("completed").Inc()
}

func (m *PrometheusMetrics) IncrementHandshakeFailed() {
	m.DefaultMetrics.IncrementHandshakeFailed()
	m.handshakes.WithLabelValues("failed").Inc()
}

func (m *PrometheusMetrics) IncrementFramesIn() {
	m.DefaultMetrics.IncrementFramesIn()
	m.frames.WithLabelValues("in").Inc()
}

func (m *PrometheusMetrics) IncrementFramesOut() {
	m.DefaultMetrics.IncrementFramesOut()
	m.frames.WithLabelValues("out").Inc()
}

func (m *PrometheusMetrics) IncrementBytesReceived(n int64) {
	m.DefaultMetrics.IncrementBytesReceived(n)
	m.bytes.WithLabelValues("in").Add(float64(n))
}

func (m *PrometheusMetrics) IncrementBytesSent(n int64) {
	m.DefaultMetrics.IncrementBytesSent(n)
	m.bytes.WithLabelValues("out").Add(float64(n))
}

func (m *PrometheusMetrics) IncrementRequests(status int) {
	m.DefaultMetrics.IncrementRequests(status)
	m.requests.WithLabelValues(strconv.Itoa(status / 100)).Inc()
}

func (m *PrometheusMetrics) AddActiveSessions(delta int64) {
	m.DefaultMetrics.AddActiveSessions(delta)
	m.sessions.Add(float64(delta))
}
