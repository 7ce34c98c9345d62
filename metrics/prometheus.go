// Package metrics exposes engine observations as Prometheus series. The sink
// translates the engine's Record stream; it holds no engine state of its own.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	orchestra "github.com/goliatone/go-orchestra"
)

// PrometheusSink maps engine records onto Prometheus collectors.
type PrometheusSink struct {
	events    *prometheus.CounterVec
	denied    *prometheus.CounterVec
	queueLen  *prometheus.GaugeVec
	level     prometheus.Gauge
	durations *prometheus.HistogramVec
}

// NewPrometheusSink registers the engine collectors on reg, defaulting to the
// global registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "events_total",
			Help:      "Engine lifecycle events by name and scope.",
		}, []string{"event", "scope"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "admission_denied_total",
			Help:      "Admission denials by gate and scope.",
		}, []string{"gate", "scope"}),
		queueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestra",
			Name:      "queue_depth",
			Help:      "Tasks buffered in the admission queue.",
		}, []string{"scope"}),
		level: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestra",
			Name:      "backpressure_level",
			Help:      "Current backpressure level (0 normal to 3 emergency).",
		}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestra",
			Name:      "task_duration_seconds",
			Help:      "Task wall-clock durations by scope.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope"}),
	}
	reg.MustRegister(s.events, s.denied, s.queueLen, s.level, s.durations)
	return s
}

// Push translates one engine record.
func (s *PrometheusSink) Push(rec orchestra.Record) {
	switch rec.Name {
	case "backpressure.level":
		s.level.Set(rec.Value)
	case "admission.enqueued":
		s.queueLen.WithLabelValues(rec.Scope).Set(rec.Value)
		s.events.WithLabelValues(rec.Name, rec.Scope).Inc()
	case "admission.denied":
		gate, _ := rec.Meta["gate"].(string)
		if gate == "" {
			gate = "unknown"
		}
		s.denied.WithLabelValues(gate, rec.Scope).Inc()
	default:
		s.events.WithLabelValues(rec.Name, rec.Scope).Inc()
		if d, ok := rec.Meta["duration"].(time.Duration); ok {
			s.durations.WithLabelValues(rec.Scope).Observe(d.Seconds())
		}
	}
}
