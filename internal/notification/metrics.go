package notification

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics は通知配信のPrometheusメトリクス。nilでも呼び出せる。
type Metrics struct {
	persisted        *prometheus.CounterVec
	pushed           *prometheus.CounterVec
	storeFailures    prometheus.Counter
	pushFailures     prometheus.Counter
	dispatchDuration prometheus.Histogram
	eventsConsumed   *prometheus.CounterVec
}

// NewMetrics はregにメトリクスを登録して返す。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		persisted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "societynotify_notifications_persisted_total",
			Help: "Notifications written to the store",
		}, []string{"kind"}),
		pushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "societynotify_frames_pushed_total",
			Help: "Notification frames delivered to live connections",
		}, []string{"kind"}),
		storeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "societynotify_store_failures_total",
			Help: "Dispatches whose persistence step failed fully or partially",
		}),
		pushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "societynotify_push_failures_total",
			Help: "Per-recipient push attempts that failed",
		}),
		dispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "societynotify_dispatch_duration_seconds",
			Help:    "Time spent persisting and pushing one dispatch",
			Buckets: prometheus.DefBuckets,
		}),
		eventsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "societynotify_events_consumed_total",
			Help: "Social events read from the broker by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observePersisted(kind Kind, n int) {
	if m != nil && n > 0 {
		m.persisted.WithLabelValues(string(kind)).Add(float64(n))
	}
}

func (m *Metrics) observePushed(kind Kind, n int) {
	if m != nil && n > 0 {
		m.pushed.WithLabelValues(string(kind)).Add(float64(n))
	}
}

func (m *Metrics) storeFailed() {
	if m != nil {
		m.storeFailures.Inc()
	}
}

func (m *Metrics) pushFailed(n int) {
	if m != nil && n > 0 {
		m.pushFailures.Add(float64(n))
	}
}

func (m *Metrics) observeDuration(d time.Duration) {
	if m != nil {
		m.dispatchDuration.Observe(d.Seconds())
	}
}

// 購読イベントの処理結果ラベル。
const (
	outcomeDispatched = "dispatched"
	outcomeSkipped    = "skipped"
	outcomeMalformed  = "malformed"
)

func (m *Metrics) eventConsumed(outcome string) {
	if m != nil {
		m.eventsConsumed.WithLabelValues(outcome).Inc()
	}
}
