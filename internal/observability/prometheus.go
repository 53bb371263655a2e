package observability

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports store operations as a latency histogram and a
// result counter, both labelled by entity, operation and status.
type PrometheusRecorder struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusRecorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omnipost",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of entity store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity", "operation", "status"}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnipost",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Entity store operations by outcome.",
		}, []string{"entity", "operation", "status"}),
	}
	for _, c := range []prometheus.Collector{r.duration, r.total} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements Recorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	entity, op := splitOperation(operation)
	status := statusLabel(success)
	r.duration.WithLabelValues(entity, op, status).Observe(duration.Seconds())
	r.total.WithLabelValues(entity, op, status).Inc()
}

func splitOperation(operation string) (string, string) {
	entity, op, ok := strings.Cut(operation, ".")
	if !ok {
		return "", operation
	}
	return entity, op
}
