package observability

import (
	"context"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "tessera"

// Metrics holds the runtime collectors.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	CapabilityResults *prometheus.CounterVec
	CapabilityLatency *prometheus.HistogramVec
	InFlight          *prometheus.GaugeVec
	Envelopes         *prometheus.CounterVec
	EnvelopeErrors    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed state machine transitions.",
		}, []string{"from", "to", "event"}),
		CapabilityResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_results_total",
			Help:      "Capability invocations by outcome.",
		}, []string{"capability", "risk", "status"}),
		CapabilityLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_duration_seconds",
			Help:      "Duration of capability invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capability_in_flight",
			Help:      "Capability invocations currently running.",
		}, []string{"capability"}),
		Envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Stream envelopes written to transports, by state.",
		}, []string{"state"}),
		EnvelopeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_errors_total",
			Help:      "Stream envelopes the transport failed to accept.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.Transitions, m.CapabilityResults, m.CapabilityLatency, m.InFlight, m.Envelopes, m.EnvelopeErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Hooks records every lifecycle event.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTransition: func(_ context.Context, e *domain.TransitionEvent) {
			m.Transitions.WithLabelValues(string(e.Record.From), string(e.Record.To), string(e.Record.Event.Type)).Inc()
		},
		OnCapabilityCall: func(_ context.Context, e *domain.CapabilityEvent) {
			m.InFlight.WithLabelValues(e.Capability).Inc()
		},
		OnCapabilityReturn: func(_ context.Context, e *domain.CapabilityEvent) {
			m.InFlight.WithLabelValues(e.Capability).Dec()
			m.CapabilityResults.WithLabelValues(e.Capability, string(e.Risk), string(e.Status)).Inc()
			m.CapabilityLatency.WithLabelValues(e.Capability).Observe(e.Duration.Seconds())
		},
		OnEnvelope: func(_ context.Context, e *domain.EnvelopeEvent) {
			if e.Err != nil {
				m.EnvelopeErrors.Inc()
				return
			}
			m.Envelopes.WithLabelValues(string(e.Envelope.State)).Inc()
		},
	}
}
