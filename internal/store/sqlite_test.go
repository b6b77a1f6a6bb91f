package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lpvalidation/services/analytics/internal/model"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "lpctl", "reports.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteReportRoundTrip(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC)

	report := model.MetricsReport{
		ID:          "report-1",
		Type:        model.ReportDaily,
		Period:      model.PeriodFor(day, day),
		GeneratedAt: day.Add(9 * time.Hour),
		Summary:     model.Summary{TotalSessions: 1000, TotalConversions: 120},
		SessionDetails: []model.MetricSnapshot{
			{SessionID: "session1", SessionName: "Test Session", CVR: 12, CPA: 290, Sessions: 1000, Conversions: 120},
		},
	}

	id, err := db.SaveReport(ctx, report)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != "report-1" {
		t.Fatalf("expected id report-1, got %q", id)
	}

	loaded, err := db.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Type != model.ReportDaily || len(loaded.SessionDetails) != 1 {
		t.Fatalf("unexpected report %+v", loaded)
	}
	if !loaded.Period.End.Equal(report.Period.End) {
		t.Fatalf("expected period end %v, got %v", report.Period.End, loaded.Period.End)
	}
}

func TestSQLiteGetMissingReport(t *testing.T) {
	db := openTestStore(t)

	_, err := db.GetReport(context.Background(), "nope")
	if !errors.Is(err, model.ErrReportNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteHistoryNewestFirst(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"report-a", "report-b", "report-c"} {
		if _, err := db.SaveReport(ctx, model.MetricsReport{ID: id, Type: model.ReportDaily, GeneratedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	history, err := db.ReportHistory(ctx, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(history))
	}
	if history[0].ID != "report-c" || history[1].ID != "report-b" {
		t.Fatalf("expected newest first, got %s, %s", history[0].ID, history[1].ID)
	}
}

func TestSQLiteMetricsQueries(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	db.now = func() time.Time { return time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC) }

	err := db.UpsertDailyMetrics(ctx, []model.Counters{
		{SessionID: "a", SessionName: "LP A", Date: "2024-08-18", Sessions: 1000, Conversions: 100, Revenue: 50000, Cost: 30000, Clicks: 2100, Impressions: 15000},
		{SessionID: "a", SessionName: "LP A", Date: "2024-08-19", Sessions: 1000, Conversions: 140, Revenue: 70000, Cost: 35000, Clicks: 2000, Impressions: 15000},
		{SessionID: "b", SessionName: "LP B", Date: "2024-08-19", Sessions: 500, Conversions: 20, Revenue: 10000, Cost: 9000, Clicks: 900, Impressions: 9000},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	start := time.Date(2024, 8, 18, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 8, 19, 23, 59, 59, 0, time.UTC)

	daily, err := db.MetricsByDateRange(ctx, start, end, []string{"a"})
	if err != nil {
		t.Fatalf("date range: %v", err)
	}
	if len(daily) != 2 || daily[0].Date != "2024-08-18" || daily[1].CVR != 14 {
		t.Fatalf("unexpected daily rows %+v", daily)
	}

	all, err := db.MetricsByDateRange(ctx, start, end, nil)
	if err != nil {
		t.Fatalf("date range: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows without filter, got %d", len(all))
	}

	monthly, err := db.MonthlyAggregates(ctx, start, end, nil)
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	if len(monthly) != 2 || monthly[0].Sessions != 2000 || monthly[0].Conversions != 240 || monthly[0].Date != "" {
		t.Fatalf("unexpected monthly rows %+v", monthly)
	}

	if err := db.SetSessionStatus(ctx, "b", "paused"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	active, err := db.SessionsByStatus(ctx, "active")
	if err != nil {
		t.Fatalf("sessions by status: %v", err)
	}
	if len(active) != 1 || active[0].ID != "a" || active[0].Conversions != 240 {
		t.Fatalf("unexpected active sessions %+v", active)
	}

	realtime, err := db.RealTimeMetrics(ctx)
	if err != nil {
		t.Fatalf("realtime: %v", err)
	}
	if realtime.ActiveCampaigns != 1 || realtime.CurrentSessions != 2000 || realtime.AverageCVR24h != 12 {
		t.Fatalf("unexpected realtime metrics %+v", realtime)
	}
	if realtime.TopPerformingSession == nil || realtime.TopPerformingSession.ID != "a" {
		t.Fatalf("expected session a on top, got %+v", realtime.TopPerformingSession)
	}
}
