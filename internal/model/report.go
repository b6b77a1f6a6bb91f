// Package model holds the value types shared by the analytics, report and
// persistence packages.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrReportNotFound = errors.New("report not found")

type ReportType string

const (
	ReportDaily   ReportType = "daily"
	ReportWeekly  ReportType = "weekly"
	ReportMonthly ReportType = "monthly"
	ReportCustom  ReportType = "custom"
)

type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatCSV  ReportFormat = "csv"
	FormatPDF  ReportFormat = "pdf"
)

// MetricSnapshot is one session's performance on one date. Pre-aggregated
// rows (monthly totals) leave Date empty.
type MetricSnapshot struct {
	SessionID    string  `json:"sessionId"`
	SessionName  string  `json:"sessionName"`
	Date         string  `json:"date,omitempty"`
	CVR          float64 `json:"cvr"`
	CPA          float64 `json:"cpa"`
	Sessions     int64   `json:"sessions"`
	Conversions  int64   `json:"conversions"`
	TotalRevenue float64 `json:"totalRevenue"`
	Clicks       int64   `json:"clicks"`
	Impressions  int64   `json:"impressions"`
	CTR          float64 `json:"ctr"`
	ROAS         float64 `json:"roas"`
}

type Summary struct {
	TotalSessions    int64   `json:"totalSessions"`
	TotalConversions int64   `json:"totalConversions"`
	TotalRevenue     float64 `json:"totalRevenue"`
	AverageCVR       float64 `json:"averageCVR"`
	AverageCPA       float64 `json:"averageCPA"`
}

type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

type Trends struct {
	CVRTrend           TrendDirection `json:"cvrTrend"`
	CPATrend           TrendDirection `json:"cpaTrend"`
	CVRGrowthRate      float64        `json:"cvrGrowthRate"`
	CPAImprovementRate float64        `json:"cpaImprovementRate"`
}

type ChartDataset struct {
	Label           string    `json:"label"`
	Data            []float64 `json:"data"`
	BackgroundColor []string  `json:"backgroundColor,omitempty"`
	BorderColor     string    `json:"borderColor,omitempty"`
}

type ChartData struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Labels   []string       `json:"labels"`
	Datasets []ChartDataset `json:"datasets"`
}

// Period bounds a report. Both ends are UTC and serialize with millisecond
// precision so the end of day reads as 23:59:59.999Z.
type Period struct {
	Start time.Time
	End   time.Time
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type periodJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (p Period) MarshalJSON() ([]byte, error) {
	return json.Marshal(periodJSON{
		Start: p.Start.UTC().Format(isoMillis),
		End:   p.End.UTC().Format(isoMillis),
	})
}

func (p *Period) UnmarshalJSON(data []byte) error {
	raw := periodJSON{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	start, err := time.Parse(time.RFC3339Nano, raw.Start)
	if err != nil {
		return fmt.Errorf("period start: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, raw.End)
	if err != nil {
		return fmt.Errorf("period end: %w", err)
	}

	p.Start = start.UTC()
	p.End = end.UTC()
	return nil
}

// PeriodFor expands two calendar dates into [00:00:00.000, 23:59:59.999] UTC.
func PeriodFor(startDate, endDate time.Time) Period {
	return Period{Start: StartOfDay(startDate), End: EndOfDay(endDate)}
}

func StartOfDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func EndOfDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 23, 59, 59, int(999*time.Millisecond), time.UTC)
}

type MetricsReport struct {
	ID             string           `json:"id"`
	Type           ReportType       `json:"type"`
	Period         Period           `json:"period"`
	GeneratedAt    time.Time        `json:"generatedAt"`
	Summary        Summary          `json:"summary"`
	SessionDetails []MetricSnapshot `json:"sessionDetails"`
	Trends         *Trends          `json:"trends"`
	Charts         []ChartData      `json:"charts,omitempty"`
}
