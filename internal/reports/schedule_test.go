package reports

import (
	"context"
	"errors"
	"testing"
	"time"

	"lpvalidation/services/analytics/internal/model"
)

func TestScheduledReportDeliveryFailureKeepsReport(t *testing.T) {
	store := newMemoryStore()
	deliverer := &stubDeliverer{err: errors.New("smtp: connection refused")}
	service := newTestService(t, &stubSource{daily: dailyRecords()}, store, WithDeliverer(deliverer))

	result, err := service.GenerateScheduledReport(context.Background(), model.ScheduleConfig{
		Name:       "daily-ops",
		Type:       model.ReportDaily,
		Recipients: []string{"ops@example.com"},
		SessionIDs: []string{"session1"},
	})
	if err != nil {
		t.Fatalf("expected delivery failure in result, got error %v", err)
	}
	if result.Success {
		t.Fatal("expected unsuccessful result")
	}
	if result.Error == "" || result.ReportID == "" {
		t.Fatalf("expected error and report id, got %+v", result)
	}
	if store.saves != 1 {
		t.Fatalf("expected report to be saved once, got %d", store.saves)
	}
	if _, err := service.GetReport(context.Background(), result.ReportID); err != nil {
		t.Fatalf("expected saved report to be retrievable: %v", err)
	}
}

func TestScheduledReportSuccess(t *testing.T) {
	source := &stubSource{daily: dailyRecords()}
	deliverer := &stubDeliverer{}
	service := newTestService(t, source, newMemoryStore(), WithDeliverer(deliverer))

	result, err := service.GenerateScheduledReport(context.Background(), model.ScheduleConfig{Type: model.ReportWeekly})
	if err != nil {
		t.Fatalf("scheduled report: %v", err)
	}
	if !result.Success || deliverer.calls != 1 {
		t.Fatalf("expected delivered success, got %+v calls=%d", result, deliverer.calls)
	}

	expectedStart := model.StartOfDay(fixedNow.AddDate(0, 0, -7))
	if !source.lastStart.Equal(expectedStart) {
		t.Fatalf("expected window start %v, got %v", expectedStart, source.lastStart)
	}
}

func TestScheduledReportSaveErrorPropagates(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("disk full")
	service := newTestService(t, &stubSource{daily: dailyRecords()}, store)

	_, err := service.GenerateScheduledReport(context.Background(), model.ScheduleConfig{Type: model.ReportDaily})
	if !errors.Is(err, store.err) {
		t.Fatalf("expected save error, got %v", err)
	}
}

func TestRunSchedulesKeepsOrder(t *testing.T) {
	service := newTestService(t, &stubSource{daily: dailyRecords()}, newMemoryStore())

	results := service.RunSchedules(context.Background(), []model.ScheduleConfig{
		{Name: "ok", Type: model.ReportDaily},
		{Name: "bad", Type: model.ReportCustom},
	}, 2)

	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	if !results[0].Success {
		t.Fatalf("expected first schedule to succeed, got %+v", results[0])
	}
	if results[1].Success || results[1].Error == "" {
		t.Fatalf("expected second schedule to fail, got %+v", results[1])
	}
}

func TestCronSpec(t *testing.T) {
	cases := []struct {
		schedule model.ScheduleConfig
		expected string
	}{
		{model.ScheduleConfig{Type: model.ReportDaily, Time: "08:30", Timezone: "Asia/Tokyo"}, "CRON_TZ=Asia/Tokyo 30 8 * * *"},
		{model.ScheduleConfig{Type: model.ReportWeekly}, "CRON_TZ=UTC 0 9 * * 1"},
		{model.ScheduleConfig{Type: model.ReportMonthly, Time: "23:05"}, "CRON_TZ=UTC 5 23 1 * *"},
	}

	for _, tc := range cases {
		spec, err := CronSpec(tc.schedule)
		if err != nil {
			t.Fatalf("cron spec for %+v: %v", tc.schedule, err)
		}
		if spec != tc.expected {
			t.Fatalf("expected %q, got %q", tc.expected, spec)
		}
	}
}

func TestScheduleWindowStart(t *testing.T) {
	end := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	if got := ScheduleWindowStart(model.ReportDaily, end); !got.Equal(end.AddDate(0, 0, -1)) {
		t.Fatalf("unexpected daily start %v", got)
	}
	if got := ScheduleWindowStart(model.ReportMonthly, end); got.Month() != time.March {
		t.Fatalf("expected normalized monthly start in march, got %v", got)
	}
}

func TestCheckAlertsOrder(t *testing.T) {
	alerts := CheckAlerts(
		model.AlertMetrics{CVR: 8.5, CPA: 350, Sessions: 500},
		model.AlertConfig{CVRThreshold: 10, CPAThreshold: 300, SessionsMinimum: 100},
		fixedNow,
	)

	if len(alerts) != 2 {
		t.Fatalf("expected two alerts, got %d", len(alerts))
	}
	if alerts[0].Type != model.AlertCVRBelowThreshold || alerts[1].Type != model.AlertCPAAboveThreshold {
		t.Fatalf("unexpected order %s, %s", alerts[0].Type, alerts[1].Type)
	}
	if alerts[0].Message != "CVR 8.5% が目標値 10% を下回っています" {
		t.Fatalf("unexpected message %q", alerts[0].Message)
	}
	if alerts[1].Message != "CPA ¥350 が目標値 ¥300 を上回っています" {
		t.Fatalf("unexpected message %q", alerts[1].Message)
	}
}

func TestCheckAlertsSessionsGate(t *testing.T) {
	alerts := CheckAlerts(
		model.AlertMetrics{CVR: 2, CPA: 900, Sessions: 40},
		model.AlertConfig{CVRThreshold: 10, CPAThreshold: 300, SessionsMinimum: 100},
		fixedNow,
	)

	if len(alerts) != 1 || alerts[0].Type != model.AlertSessionsBelowMinimum {
		t.Fatalf("expected only the sessions alert, got %+v", alerts)
	}
	if alerts[0].Severity != model.SeverityHigh {
		t.Fatalf("expected high severity, got %s", alerts[0].Severity)
	}
}

func TestCheckAlertsDisabledRules(t *testing.T) {
	alerts := CheckAlerts(model.AlertMetrics{CVR: 1, CPA: 1000}, model.AlertConfig{}, fixedNow)
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %+v", alerts)
	}
}

func TestAnomalyAlerts(t *testing.T) {
	alerts := AnomalyAlerts([]model.Anomaly{
		{SessionID: "c", Metric: "cvr", Value: 25, Expected: 10.1, Deviation: 149.01},
	}, fixedNow)

	if len(alerts) != 1 || alerts[0].Type != model.AlertAnomalyDetected || alerts[0].Severity != model.SeverityHigh {
		t.Fatalf("unexpected anomaly alerts %+v", alerts)
	}
}
