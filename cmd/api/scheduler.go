package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/model"
	"lpvalidation/services/analytics/internal/reports"
)

const (
	scheduledRunTimeout = 5 * time.Minute
	alertSweepTimeout   = 45 * time.Second
	activeStatus        = "active"
)

type webhookPoster interface {
	PostJSON(ctx context.Context, target string, payload any) error
}

type schedulerConfig struct {
	service     *reports.Service
	schedules   []model.ScheduleConfig
	concurrency int
	alertSweep  string
	thresholds  model.AlertConfig
	poster      webhookPoster
	webhookURL  string
	logger      *zap.Logger
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

func startScheduler(ctx context.Context, cfg schedulerConfig) (*cron.Cron, error) {
	logger := cronLogger{sugar: cfg.logger.Sugar()}
	scheduler := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	// Schedules firing at the same instant run as one bounded batch.
	groups := make(map[string][]model.ScheduleConfig)
	specs := make([]string, 0)
	for _, schedule := range cfg.schedules {
		spec, err := reports.CronSpec(schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", schedule.Name, err)
		}
		if _, ok := groups[spec]; !ok {
			specs = append(specs, spec)
		}
		groups[spec] = append(groups[spec], schedule)
	}

	for _, spec := range specs {
		batch := groups[spec]
		if _, err := scheduler.AddFunc(spec, func() {
			runScheduledReports(ctx, cfg.service, batch, cfg.concurrency, cfg.logger)
		}); err != nil {
			return nil, fmt.Errorf("schedule spec %q: %w", spec, err)
		}
		cfg.logger.Info("report schedules registered",
			zap.String("spec", spec),
			zap.Int("schedules", len(batch)),
		)
	}

	if cfg.alertSweep != "" {
		if _, err := scheduler.AddFunc(cfg.alertSweep, func() {
			runAlertSweep(ctx, cfg)
		}); err != nil {
			return nil, fmt.Errorf("alert sweep: %w", err)
		}
	}

	scheduler.Start()
	return scheduler, nil
}

func runScheduledReports(ctx context.Context, service *reports.Service, batch []model.ScheduleConfig, concurrency int, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, scheduledRunTimeout)
	defer cancel()

	results := service.RunSchedules(runCtx, batch, concurrency)
	for i, result := range results {
		fields := []zap.Field{
			zap.String("schedule", batch[i].Name),
			zap.String("report_id", result.ReportID),
		}
		if !result.Success {
			logger.Error("scheduled report failed", append(fields, zap.String("error", result.Error))...)
			continue
		}
		logger.Info("scheduled report completed", fields...)
	}
}

// runAlertSweep checks every active session against the thresholds and
// posts any alerts, including statistical outliers, to the webhook.
func runAlertSweep(ctx context.Context, cfg schedulerConfig) {
	sweepCtx, cancel := context.WithTimeout(ctx, alertSweepTimeout)
	defer cancel()

	snapshots, err := cfg.service.CollectSessionMetrics(sweepCtx, activeStatus)
	if err != nil {
		cfg.logger.Error("alert sweep failed loading sessions", zap.Error(err))
		return
	}

	alerts := make([]model.Alert, 0)
	for _, snapshot := range snapshots {
		alerts = append(alerts, cfg.service.CheckAlerts(model.AlertMetrics{
			SessionID: snapshot.SessionID,
			CVR:       snapshot.CVR,
			CPA:       snapshot.CPA,
			Sessions:  snapshot.Sessions,
		}, cfg.thresholds)...)
	}
	alerts = append(alerts, reports.AnomalyAlerts(cfg.service.DetectAnomalies(snapshots), time.Now())...)

	cfg.logger.Info("alert sweep completed",
		zap.Int("sessions", len(snapshots)),
		zap.Int("alerts", len(alerts)),
	)
	if len(alerts) == 0 || cfg.poster == nil || cfg.webhookURL == "" {
		return
	}

	payload := map[string]any{
		"event":  "metrics_alert_sweep",
		"sentAt": time.Now().UTC().Format(time.RFC3339),
		"alerts": alerts,
	}
	if err := cfg.poster.PostJSON(sweepCtx, cfg.webhookURL, payload); err != nil {
		cfg.logger.Warn("alert sweep notification failed", zap.Error(err))
	}
}
