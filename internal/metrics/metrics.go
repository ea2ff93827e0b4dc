// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Finalization outcomes.
const (
	OutcomeFinalized        = "finalized"
	OutcomeAlreadyFinalized = "already_finalized"
	OutcomeValidation       = "validation_failed"
	OutcomeError            = "error"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Finalizations      *prometheus.CounterVec
	Verifications      *prometheus.CounterVec
	AuditFailures      prometheus.Counter
	AllocationFailures prometheus.Counter
	PublishFailures    prometheus.Counter
	RenderDuration     prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		Finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ar_invoice_finalizations_total",
			Help: "Finalize calls by outcome.",
		}, []string{"outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ar_invoice_verifications_total",
			Help: "Integrity verifications by result.",
		}, []string{"status"}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ar_audit_append_failures_total",
			Help: "Audit entries that could not be written.",
		}),
		AllocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ar_sequence_allocation_failures_total",
			Help: "Invoice number allocations that failed.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ar_event_publish_failures_total",
			Help: "Events that could not be published.",
		}),
		RenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ar_pdf_render_duration_seconds",
			Help:    "Time spent rendering invoice PDFs.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Finalizations,
		m.Verifications,
		m.AuditFailures,
		m.AllocationFailures,
		m.PublishFailures,
		m.RenderDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncFinalization(outcome string) {
	if m != nil {
		m.Finalizations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncVerification(status string) {
	if m != nil {
		m.Verifications.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncAuditFailure() {
	if m != nil {
		m.AuditFailures.Inc()
	}
}

func (m *Metrics) IncAllocationFailure() {
	if m != nil {
		m.AllocationFailures.Inc()
	}
}

func (m *Metrics) IncPublishFailure() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}

func (m *Metrics) ObserveRender(seconds float64) {
	if m != nil {
		m.RenderDuration.Observe(seconds)
	}
}
