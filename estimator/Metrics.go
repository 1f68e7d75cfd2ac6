package estimator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics records the activity of a single PolicyEstimator. Every
// series carries the estimator's id as a constant label.
type metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	loss     prometheus.Gauge
	graphs   prometheus.Gauge
}

// newMetrics creates the metrics of the estimator with the given id
// and registers them with reg. A nil reg creates unregistered metrics.
func newMetrics(reg prometheus.Registerer, id string) (*metrics, error) {
	labels := prometheus.Labels{"estimator": id}
	m := &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "l2ipolicy",
			Name:        "calls_total",
			Help:        "Number of Predict and Update calls.",
			ConstLabels: labels,
		}, []string{"op", "mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "l2ipolicy",
			Name:        "call_duration_seconds",
			Help:        "Duration of Predict and Update calls.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-4, 4, 10),
		}, []string{"op"}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "l2ipolicy",
			Name:        "last_loss",
			Help:        "Policy gradient loss of the last Update.",
			ConstLabels: labels,
		}),
		graphs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "l2ipolicy",
			Name:        "cached_graphs",
			Help:        "Number of computational graphs held in cache.",
			ConstLabels: labels,
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.calls, m.duration, m.loss,
		m.graphs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observe records one call of op in the given mode that started at
// start
func (m *metrics) observe(op, mode string, start time.Time) {
	m.calls.WithLabelValues(op, mode).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
