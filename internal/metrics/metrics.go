// Package metrics exposes Prometheus collectors for the relay. Every
// method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lamrelay"

// Turn outcomes used as the outcome label.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeRejected    = "rejected"
)

// Metrics holds the relay's collectors.
type Metrics struct {
	reg prometheus.Registerer

	turns            *prometheus.CounterVec
	inferenceSeconds *prometheus.HistogramVec
	tokens           *prometheus.CounterVec
	queueRejected    *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	publishDropped   prometheus.Counter
	inboundDropped   prometheus.Counter
	malformed        *prometheus.CounterVec
	evicted          *prometheus.CounterVec
	watchDropped     prometheus.Counter
}

// MustNewMetrics registers the collectors with reg and panics on a
// registration conflict, like the promauto helpers. Pass a fresh
// registry in tests.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reg: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed work items by project and outcome.",
		}, []string{"project", "outcome"}),
		inferenceSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Wall time of inference calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160, 300},
		}, []string{"project"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the inference endpoint.",
		}, []string{"project", "direction"}),
		queueRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Work items refused because the queue was full.",
		}, []string{"project"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Work items refused by the per-session rate limiter.",
		}, []string{"project"}),
		publishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_dropped_total",
			Help:      "Results dropped because the outbound publish queue was full.",
		}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "inbound_dropped_total",
			Help:      "Broker messages dropped by the inbound flood guard.",
		}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "malformed_total",
			Help:      "Broker payloads discarded as malformed.",
		}, []string{"project"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed by idle sweep or capacity eviction.",
		}, []string{"reason"}),
		watchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_dropped_total",
			Help:      "Events dropped because a watch listener was too slow.",
		}),
	}
	reg.MustRegister(
		m.turns, m.inferenceSeconds, m.tokens, m.queueRejected, m.rateLimited,
		m.publishDropped, m.inboundDropped, m.malformed, m.evicted, m.watchDropped,
	)
	return m
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// ObserveTurn counts one processed work item.
func (m *Metrics) ObserveTurn(project, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(project, outcome).Inc()
	switch outcome {
	case OutcomeRateLimited:
		m.rateLimited.WithLabelValues(project).Inc()
	case OutcomeRejected:
		m.queueRejected.WithLabelValues(project).Inc()
	}
}

// ObserveInference records one inference call.
func (m *Metrics) ObserveInference(project string, d time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.inferenceSeconds.WithLabelValues(project).Observe(d.Seconds())
	if inputTokens > 0 {
		m.tokens.WithLabelValues(project, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokens.WithLabelValues(project, "output").Add(float64(outputTokens))
	}
}

// IncPublishDropped counts a result lost to publish queue overflow.
func (m *Metrics) IncPublishDropped() {
	if m == nil {
		return
	}
	m.publishDropped.Inc()
}

// IncInboundDropped counts a broker message dropped by the flood guard.
func (m *Metrics) IncInboundDropped() {
	if m == nil {
		return
	}
	m.inboundDropped.Inc()
}

// IncMalformed counts a discarded broker payload.
func (m *Metrics) IncMalformed(project string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(project).Inc()
}

// IncEvicted counts a removed session.
func (m *Metrics) IncEvicted(reason string) {
	if m == nil {
		return
	}
	m.evicted.WithLabelValues(reason).Inc()
}

// IncWatchDropped counts an event a watch listener missed.
func (m *Metrics) IncWatchDropped() {
	if m == nil {
		return
	}
	m.watchDropped.Inc()
}
