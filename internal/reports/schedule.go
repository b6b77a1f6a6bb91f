package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lpvalidation/services/analytics/internal/model"
)

const (
	defaultScheduleTime     = "09:00"
	defaultScheduleTimezone = "UTC"
	defaultRunConcurrency   = 4
)

// GenerateScheduledReport builds, saves and delivers the report for one
// schedule. Generation and save errors are returned; a delivery failure is
// reported in the result while the saved report stays retrievable.
func (s *Service) GenerateScheduledReport(ctx context.Context, schedule model.ScheduleConfig) (model.ScheduleResult, error) {
	if err := schedule.Validate(); err != nil {
		return model.ScheduleResult{}, err
	}

	end := s.now().UTC()
	report, err := s.GenerateReport(ctx, model.ReportConfig{
		Type:          schedule.Type,
		StartDate:     ScheduleWindowStart(schedule.Type, end),
		EndDate:       end,
		SessionIDs:    schedule.SessionIDs,
		IncludeCharts: true,
	})
	if err != nil {
		s.metrics.ScheduledRun(false)
		return model.ScheduleResult{}, err
	}

	reportID, err := s.SaveReport(ctx, report)
	if err != nil {
		s.metrics.ScheduledRun(false)
		return model.ScheduleResult{}, err
	}

	if s.deliverer != nil {
		if err := s.deliverer.Deliver(ctx, report, schedule); err != nil {
			s.metrics.DeliveryFailed()
			s.metrics.ScheduledRun(false)
			s.logger.Warn("scheduled report delivery failed",
				zap.String("schedule", schedule.Name),
				zap.String("report_id", reportID),
				zap.Error(err),
			)
			return model.ScheduleResult{Success: false, ReportID: reportID, Error: err.Error()}, nil
		}
	}

	s.metrics.ScheduledRun(true)
	return model.ScheduleResult{Success: true, ReportID: reportID}, nil
}

// RunSchedules runs every schedule with bounded concurrency. Results line up
// with the input; an error is recorded in its result instead of stopping the
// other runs.
func (s *Service) RunSchedules(ctx context.Context, schedules []model.ScheduleConfig, concurrency int) []model.ScheduleResult {
	if concurrency <= 0 {
		concurrency = defaultRunConcurrency
	}

	results := make([]model.ScheduleResult, len(schedules))
	var group errgroup.Group
	group.SetLimit(concurrency)

	for i, schedule := range schedules {
		i, schedule := i, schedule
		group.Go(func() error {
			result, err := s.GenerateScheduledReport(ctx, schedule)
			if err != nil {
				s.logger.Error("scheduled report failed", zap.String("schedule", schedule.Name), zap.Error(err))
				result = model.ScheduleResult{Success: false, Error: err.Error()}
			}
			results[i] = result
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func ScheduleWindowStart(reportType model.ReportType, end time.Time) time.Time {
	switch reportType {
	case model.ReportWeekly:
		return end.AddDate(0, 0, -7)
	case model.ReportMonthly:
		return end.AddDate(0, -1, 0)
	default:
		return end.AddDate(0, 0, -1)
	}
}

// CronSpec turns a schedule into a standard five-field cron expression
// prefixed with its timezone. Weekly schedules fire on Mondays and monthly
// schedules on the first day of the month.
func CronSpec(schedule model.ScheduleConfig) (string, error) {
	if err := schedule.Validate(); err != nil {
		return "", err
	}

	clock := schedule.Time
	if clock == "" {
		clock = defaultScheduleTime
	}
	at, err := time.Parse("15:04", clock)
	if err != nil {
		return "", fmt.Errorf("schedule %q time: %w", schedule.Name, err)
	}
	timezone := schedule.Timezone
	if timezone == "" {
		timezone = defaultScheduleTimezone
	}

	var spec string
	switch schedule.Type {
	case model.ReportWeekly:
		spec = fmt.Sprintf("CRON_TZ=%s %d %d * * 1", timezone, at.Minute(), at.Hour())
	case model.ReportMonthly:
		spec = fmt.Sprintf("CRON_TZ=%s %d %d 1 * *", timezone, at.Minute(), at.Hour())
	default:
		spec = fmt.Sprintf("CRON_TZ=%s %d %d * * *", timezone, at.Minute(), at.Hour())
	}

	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("schedule %q cron spec: %w", schedule.Name, err)
	}
	return spec, nil
}
