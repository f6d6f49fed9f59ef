package hooks

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Skryldev/image-optimizer/core"
)

// PromMetrics implements core.MetricsCollector backed by Prometheus.
type PromMetrics struct {
	stepDuration *prometheus.HistogramVec
	stepErrors   *prometheus.CounterVec
	bytesWritten prometheus.Counter
	outcomes     *prometheus.CounterVec
}

// NewPromMetrics registers the collectors with reg, or with the default
// registerer when reg is nil.  Collectors already registered under the same
// names are reused.
func NewPromMetrics(namespace string, reg prometheus.Registerer) *PromMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PromMetrics{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Pipeline step duration by step",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Pipeline step failures by step and category",
		}, []string{"step", "category"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoded_bytes_total",
			Help:      "Bytes produced by encode steps",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Images handled by outcome status",
		}, []string{"status"}),
	}
	p.stepDuration = register(reg, p.stepDuration)
	p.stepErrors = register(reg, p.stepErrors)
	p.bytesWritten = register(reg, p.bytesWritten)
	p.outcomes = register(reg, p.outcomes)
	return p
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (p *PromMetrics) RecordProcessingTime(stepName string, d interface{ Seconds() float64 }) {
	p.stepDuration.WithLabelValues(stepName).Observe(d.Seconds())
}

func (p *PromMetrics) RecordThroughput(bytes int64) {
	if bytes > 0 {
		p.bytesWritten.Add(float64(bytes))
	}
}

func (p *PromMetrics) RecordError(stepName string, category string) {
	p.stepErrors.WithLabelValues(stepName, category).Inc()
}

func (p *PromMetrics) RecordOutcome(status core.Status) {
	p.outcomes.WithLabelValues(string(status)).Inc()
}

var _ core.MetricsCollector = (*PromMetrics)(nil)
