package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics

	metrics.ReportGenerated("daily")
	metrics.PRRetried()
	metrics.SinkFailed("discord")
	metrics.RateLimited()
}

func TestCountersAreLabelled(t *testing.T) {
	metrics := New()

	metrics.ReportGenerated("weekly")
	metrics.ReportGenerated("weekly")
	metrics.PRCreated("optimization")
	metrics.ScheduledRun(false)

	if got := testutil.ToFloat64(metrics.reportsGenerated.WithLabelValues("weekly")); got != 2 {
		t.Fatalf("expected 2 weekly reports, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.prsCreated.WithLabelValues("optimization")); got != 1 {
		t.Fatalf("expected 1 optimization PR, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.scheduledRuns.WithLabelValues("failure")); got != 1 {
		t.Fatalf("expected 1 failed scheduled run, got %v", got)
	}
}
