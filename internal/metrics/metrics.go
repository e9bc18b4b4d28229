// Package metrics exposes report lifecycle counters. Metrics are constructed
// per process and injected; nothing registers against the global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	recovered prometheus.Counter
	payments  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_started_total",
			Help: "Report jobs created.",
		}, []string{"report_type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_completed_total",
			Help: "Report jobs that reached completed.",
		}, []string{"report_type", "quality"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_failed_total",
			Help: "Report jobs that reached failed.",
		}, []string{"report_type", "error_code"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reports_recovered_total",
			Help: "Stale processing jobs picked up by a sweep.",
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "report_payment_operations_total",
			Help: "Payment capture/cancel calls by outcome.",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.started, m.completed, m.failed, m.recovered, m.payments,
	)
	return m
}

// Nil-safe recorders: a nil *Metrics is a valid no-op sink.

func (m *Metrics) Started(reportType string) {
	if m != nil {
		m.started.WithLabelValues(reportType).Inc()
	}
}

func (m *Metrics) Completed(reportType, quality string) {
	if m != nil {
		m.completed.WithLabelValues(reportType, quality).Inc()
	}
}

func (m *Metrics) Failed(reportType, code string) {
	if m != nil {
		m.failed.WithLabelValues(reportType, code).Inc()
	}
}

func (m *Metrics) Recovered() {
	if m != nil {
		m.recovered.Inc()
	}
}

func (m *Metrics) Payment(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.payments.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
