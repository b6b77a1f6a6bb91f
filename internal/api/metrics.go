package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lpvalidation/services/analytics/internal/queue"
	"lpvalidation/services/analytics/internal/telemetry"
)

const metricsNamespace = "lpvalidation"

// queueCollector reads rollout queue depth from Redis on every scrape.
type queueCollector struct {
	provider     queue.StatsProvider
	streamDepth  *prometheus.Desc
	pending      *prometheus.Desc
	scrapeErrors *prometheus.Desc
	errorsTotal  atomic.Int64
}

func newQueueCollector(provider queue.StatsProvider) *queueCollector {
	return &queueCollector{
		provider: provider,
		streamDepth: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "rollout_queue", "stream_depth"),
			"Rollout stream entries retained in Redis.",
			[]string{"stream"}, nil,
		),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "rollout_queue", "pending"),
			"Rollout stream entries delivered but not yet acked.",
			[]string{"stream"}, nil,
		),
		scrapeErrors: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "rollout_queue", "metrics_errors_total"),
			"Queue metrics collection errors.",
			nil, nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamDepth
	ch <- c.pending
	ch <- c.scrapeErrors
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := loadQueueStats(context.Background(), c.provider)
	if err != nil {
		c.errorsTotal.Add(1)
	} else {
		ch <- prometheus.MustNewConstMetric(c.streamDepth, prometheus.GaugeValue, float64(stats.StreamDepth), stats.Stream)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(stats.Pending), stats.Stream)
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeErrors, prometheus.CounterValue, float64(c.errorsTotal.Load()))
}

func newMetricsHandler(metrics *telemetry.Metrics, provider queue.StatsProvider) http.Handler {
	startedAt := time.Now()
	registry := metrics.Registry

	// Registration errors mean a previous handler already wired the same
	// collectors into a shared registry.
	_ = registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(startedAt).Seconds() }))
	if provider != nil {
		_ = registry.Register(newQueueCollector(provider))
	}

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
