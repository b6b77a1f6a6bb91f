// Package reports turns raw experiment metrics into persisted, renderable
// reports and runs the scheduled and alerting paths built on them.
package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/analytics"
	"lpvalidation/services/analytics/internal/model"
	"lpvalidation/services/analytics/internal/telemetry"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

type MetricsSource interface {
	SessionsByStatus(ctx context.Context, status string) ([]model.Session, error)
	// MetricsByDateRange returns per-session, per-date rows inside [start, end].
	// An empty sessionIDs slice means every session.
	MetricsByDateRange(ctx context.Context, start, end time.Time, sessionIDs []string) ([]model.MetricSnapshot, error)
	// MonthlyAggregates returns one pre-aggregated row per session with no date.
	MonthlyAggregates(ctx context.Context, start, end time.Time, sessionIDs []string) ([]model.MetricSnapshot, error)
	RealTimeMetrics(ctx context.Context) (model.RealTimeMetrics, error)
}

type ReportStore interface {
	SaveReport(ctx context.Context, report model.MetricsReport) (string, error)
	GetReport(ctx context.Context, id string) (model.MetricsReport, error)
	ReportHistory(ctx context.Context, limit int) ([]model.MetricsReport, error)
}

// Deliverer sends a saved scheduled report to its recipients.
type Deliverer interface {
	Deliver(ctx context.Context, report model.MetricsReport, schedule model.ScheduleConfig) error
}

type Service struct {
	source    MetricsSource
	store     ReportStore
	deliverer Deliverer
	renderer  Renderer
	anomalies analytics.AnomalyDetector
	tester    analytics.SignificanceTester
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

type Option func(*Service)

func WithDeliverer(deliverer Deliverer) Option {
	return func(s *Service) { s.deliverer = deliverer }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func WithRenderer(renderer Renderer) Option {
	return func(s *Service) { s.renderer = renderer }
}

func WithSignificanceTester(tester analytics.SignificanceTester) Option {
	return func(s *Service) { s.tester = tester }
}

func NewService(source MetricsSource, store ReportStore, opts ...Option) *Service {
	s := &Service{
		source:    source,
		store:     store,
		anomalies: analytics.NewAnomalyDetector(),
		tester:    analytics.NewSignificanceTester(),
		now:       time.Now,
		newID:     func() string { return "report-" + uuid.NewString() },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CollectSessionMetrics flattens every session in the given lifecycle status
// into one snapshot with derived rates.
func (s *Service) CollectSessionMetrics(ctx context.Context, status string) ([]model.MetricSnapshot, error) {
	sessions, err := s.source.SessionsByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("collect sessions status=%s: %w", status, err)
	}

	snapshots := make([]model.MetricSnapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, session.Snapshot())
	}
	return snapshots, nil
}

func (s *Service) CollectMetricsByDateRange(ctx context.Context, start, end time.Time) ([]model.MetricSnapshot, error) {
	records, err := s.source.MetricsByDateRange(ctx, model.StartOfDay(start), model.EndOfDay(end), nil)
	if err != nil {
		return nil, fmt.Errorf("collect metrics by date range: %w", err)
	}
	return sanitizeAll(records), nil
}

func (s *Service) GenerateReport(ctx context.Context, config model.ReportConfig) (model.MetricsReport, error) {
	if err := config.Validate(); err != nil {
		s.metrics.ReportFailed()
		return model.MetricsReport{}, err
	}

	period := model.PeriodFor(config.StartDate, config.EndDate)

	var (
		records []model.MetricSnapshot
		err     error
	)
	if config.Type == model.ReportMonthly {
		records, err = s.source.MonthlyAggregates(ctx, period.Start, period.End, config.SessionIDs)
	} else {
		records, err = s.source.MetricsByDateRange(ctx, period.Start, period.End, config.SessionIDs)
	}
	if err != nil {
		s.metrics.ReportFailed()
		return model.MetricsReport{}, fmt.Errorf("collect metrics for %s report: %w", config.Type, err)
	}

	details := sanitizeAll(records)
	report := model.MetricsReport{
		ID:             s.newID(),
		Type:           config.Type,
		Period:         period,
		GeneratedAt:    s.now().UTC(),
		Summary:        Summarize(details),
		SessionDetails: details,
	}

	if series := trendSeries(details); len(series) >= 2 {
		trends := analytics.AnalyzeTrends(series)
		report.Trends = &trends
	}
	if config.IncludeCharts {
		report.Charts = BuildCharts(details)
	}

	s.metrics.ReportGenerated(string(config.Type))
	s.logger.Info("report generated",
		zap.String("report_id", report.ID),
		zap.String("type", string(report.Type)),
		zap.Int("records", len(details)),
	)
	return report, nil
}

func (s *Service) AnalyzeTrends(series []analytics.TrendPoint) model.Trends {
	return analytics.AnalyzeTrends(series)
}

func (s *Service) DetectAnomalies(samples []model.MetricSnapshot) []model.Anomaly {
	return s.anomalies.Detect(samples)
}

func (s *Service) CalculateSignificance(a, b model.ConversionSample) model.SignificanceResult {
	return s.tester.Test(a, b)
}

func (s *Service) FormatReportOutput(report model.MetricsReport, format model.ReportFormat) ([]byte, error) {
	return s.renderer.Render(report, format)
}

func (s *Service) SaveReport(ctx context.Context, report model.MetricsReport) (string, error) {
	id, err := s.store.SaveReport(ctx, report)
	if err != nil {
		return "", fmt.Errorf("save report %s: %w", report.ID, err)
	}
	return id, nil
}

func (s *Service) GetReport(ctx context.Context, id string) (model.MetricsReport, error) {
	report, err := s.store.GetReport(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrReportNotFound) {
			return model.MetricsReport{}, err
		}
		return model.MetricsReport{}, fmt.Errorf("get report %s: %w", id, err)
	}
	return report, nil
}

// GetReportHistory returns the most recent reports, newest first.
func (s *Service) GetReportHistory(ctx context.Context, limit int) ([]model.MetricsReport, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	reports, err := s.store.ReportHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("report history: %w", err)
	}
	if len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

func (s *Service) GetRealTimeMetrics(ctx context.Context) (model.RealTimeMetrics, error) {
	metrics, err := s.source.RealTimeMetrics(ctx)
	if err != nil {
		return model.RealTimeMetrics{}, fmt.Errorf("real-time metrics: %w", err)
	}
	if metrics.TopPerformingSession != nil {
		top := *metrics.TopPerformingSession
		metrics.TopPerformingSession = &top
	}
	return metrics, nil
}

func sanitizeAll(records []model.MetricSnapshot) []model.MetricSnapshot {
	out := make([]model.MetricSnapshot, 0, len(records))
	for _, record := range records {
		out = append(out, record.Sanitize())
	}
	return out
}
