// Package telemetry owns the Prometheus collectors shared by the report
// service, the rollout automation and the HTTP API. A nil *Metrics is valid
// and records nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lpvalidation"

type Metrics struct {
	Registry *prometheus.Registry

	reportsGenerated *prometheus.CounterVec
	reportFailures   prometheus.Counter
	scheduledRuns    *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	prsCreated       *prometheus.CounterVec
	prFailures       *prometheus.CounterVec
	prRetries        prometheus.Counter
	sinkFailures     *prometheus.CounterVec
	rateLimited      prometheus.Counter
	jobsProcessed    *prometheus.CounterVec
}

func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		reportsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_generated_total",
			Help:      "Reports generated, by report type.",
		}, []string{"type"}),
		reportFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_failures_total",
			Help:      "Report generations rejected or failed upstream.",
		}),
		scheduledRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Scheduled report runs, by result.",
		}, []string{"result"}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Scheduled report deliveries that failed after the report was saved.",
		}),
		prsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_prs_created_total",
			Help:      "Pull requests opened by rollout automation, by kind.",
		}, []string{"kind"}),
		prFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_pr_failures_total",
			Help:      "Rollout automation calls that ended unsuccessfully, by kind.",
		}, []string{"kind"}),
		prRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_pr_retries_total",
			Help:      "Pull request creation attempts retried after a transient error.",
		}),
		sinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_sink_failures_total",
			Help:      "Best-effort notification sink failures, by sink.",
		}, []string{"sink"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected due to rate limiting.",
		}),
		jobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_jobs_processed_total",
			Help:      "Rollout queue jobs handled by the worker, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) ReportGenerated(reportType string) {
	if m == nil {
		return
	}
	m.reportsGenerated.WithLabelValues(reportType).Inc()
}

func (m *Metrics) ReportFailed() {
	if m == nil {
		return
	}
	m.reportFailures.Inc()
}

func (m *Metrics) ScheduledRun(success bool) {
	if m == nil {
		return
	}
	m.scheduledRuns.WithLabelValues(resultLabel(success)).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) PRCreated(kind string) {
	if m == nil {
		return
	}
	m.prsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) PRFailed(kind string) {
	if m == nil {
		return
	}
	m.prFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) PRRetried() {
	if m == nil {
		return
	}
	m.prRetries.Inc()
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) JobProcessed(success bool) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
