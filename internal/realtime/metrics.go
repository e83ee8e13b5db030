package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics は接続レジストリのPrometheusメトリクス。nilでも呼び出せる。
type Metrics struct {
	liveConnections   prometheus.Gauge
	supersedes        prometheus.Counter
	heartbeatFailures prometheus.Counter
	writeFailures     prometheus.Counter
}

// NewMetrics はregにメトリクスを登録して返す。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		liveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "societynotify_live_connections",
			Help: "Number of users with an open push channel",
		}),
		supersedes: f.NewCounter(prometheus.CounterOpts{
			Name: "societynotify_connection_supersedes_total",
			Help: "Connections replaced by a newer connection of the same user",
		}),
		heartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "societynotify_heartbeat_failures_total",
			Help: "Heartbeat writes that failed and closed the connection",
		}),
		writeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "societynotify_frame_write_failures_total",
			Help: "Frame writes that failed and closed the connection",
		}),
	}
}

func (m *Metrics) setLive(n int) {
	if m != nil {
		m.liveConnections.Set(float64(n))
	}
}

func (m *Metrics) superseded() {
	if m != nil {
		m.supersedes.Inc()
	}
}

func (m *Metrics) heartbeatFailed() {
	if m != nil {
		m.heartbeatFailures.Inc()
	}
}

func (m *Metrics) writeFailed() {
	if m != nil {
		m.writeFailures.Inc()
	}
}
