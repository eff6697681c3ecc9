package rmq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records broker activity as Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	deliveries      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	connected       prometheus.Gauge
	reconnects      prometheus.Counter
	setupFailures   *prometheus.CounterVec
}

// NewMetrics registers our collectors with the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmq",
			Name:      "deliveries_total",
			Help:      "Messages delivered to subscribers, by queue and the result the handler returned.",
		}, []string{"queue", "result"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rmq",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in subscriber handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmq",
			Name:      "connected",
			Help:      "1 while a channel is open and all setup tasks have been applied.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rmq",
			Name:      "reconnect_attempts_total",
			Help:      "Attempts to re-establish a lost broker connection.",
		}),
		setupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmq",
			Name:      "setup_task_failures_total",
			Help:      "Setup tasks that failed while (re)connecting, by task name.",
		}, []string{"task"}),
	}
}

func (m *Metrics) observeDelivery(queue string, result ResultKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, result.String()).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (m *Metrics) observeState(state ConnectionState) {
	if m == nil {
		return
	}
	if state == StateConnected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) observeSetupFailure(task string) {
	if m == nil {
		return
	}
	m.setupFailures.WithLabelValues(task).Inc()
}
