package reports

import (
	"sort"

	"lpvalidation/services/analytics/internal/analytics"
	"lpvalidation/services/analytics/internal/model"
)

var chartPalette = []string{
	"#3B82F6", "#10B981", "#F59E0B", "#EF4444",
	"#8B5CF6", "#06B6D4", "#84CC16", "#EC4899",
}

// Summarize totals the counters and weights the rate averages: CVR by
// sessions and CPA by conversions. When a weight total is zero the plain
// mean of the record field is used instead.
func Summarize(records []model.MetricSnapshot) model.Summary {
	summary := model.Summary{}
	for _, record := range records {
		summary.TotalSessions += record.Sessions
		summary.TotalConversions += record.Conversions
		summary.TotalRevenue += model.Finite(record.TotalRevenue)
	}

	cvr, cpa := weightedRates(records)
	summary.AverageCVR = model.Round(cvr, 1)
	summary.AverageCPA = model.Round(cpa, 0)
	return summary
}

func weightedRates(records []model.MetricSnapshot) (cvr, cpa float64) {
	if len(records) == 0 {
		return 0, 0
	}

	var (
		sessions, conversions int64
		cvrSum, cpaSum        float64
		cpaWeighted           float64
	)
	for _, record := range records {
		sessions += record.Sessions
		conversions += record.Conversions
		cvrSum += model.Finite(record.CVR)
		cpaSum += model.Finite(record.CPA)
		cpaWeighted += model.Finite(record.CPA) * float64(record.Conversions)
	}

	n := float64(len(records))
	if sessions > 0 {
		cvr = float64(conversions) / float64(sessions) * 100
	} else {
		cvr = cvrSum / n
	}
	if conversions > 0 {
		cpa = cpaWeighted / float64(conversions)
	} else {
		cpa = cpaSum / n
	}
	return cvr, cpa
}

// trendSeries folds the records into one point per date. Records without a
// date axis yield no series.
func trendSeries(records []model.MetricSnapshot) []analytics.TrendPoint {
	byDate := make(map[string][]model.MetricSnapshot)
	for _, record := range records {
		if record.Date == "" {
			return nil
		}
		byDate[record.Date] = append(byDate[record.Date], record)
	}
	if len(byDate) < 2 {
		return nil
	}

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	series := make([]analytics.TrendPoint, 0, len(dates))
	for _, date := range dates {
		cvr, cpa := weightedRates(byDate[date])
		series = append(series, analytics.TrendPoint{Date: date, CVR: cvr, CPA: cpa})
	}
	return series
}

// BuildCharts returns the CVR line over dates, when the records have a date
// axis, and the per-session conversion bars.
func BuildCharts(records []model.MetricSnapshot) []model.ChartData {
	charts := make([]model.ChartData, 0, 2)

	if series := trendSeries(records); len(series) > 0 {
		labels := make([]string, 0, len(series))
		values := make([]float64, 0, len(series))
		for _, point := range series {
			labels = append(labels, point.Date)
			values = append(values, model.Round(point.CVR, 1))
		}
		charts = append(charts, model.ChartData{
			Type:   "line",
			Title:  "CVR推移",
			Labels: labels,
			Datasets: []model.ChartDataset{{
				Label:           "CVR (%)",
				Data:            values,
				BorderColor:     "#3B82F6",
				BackgroundColor: []string{"rgba(59, 130, 246, 0.1)"},
			}},
		})
	}

	order := make([]string, 0)
	names := make(map[string]string)
	conversions := make(map[string]float64)
	for _, record := range records {
		if _, seen := conversions[record.SessionID]; !seen {
			order = append(order, record.SessionID)
			names[record.SessionID] = record.SessionName
		}
		conversions[record.SessionID] += float64(record.Conversions)
	}
	if len(order) == 0 {
		return charts
	}

	labels := make([]string, 0, len(order))
	values := make([]float64, 0, len(order))
	colors := make([]string, 0, len(order))
	for i, id := range order {
		label := names[id]
		if label == "" {
			label = id
		}
		labels = append(labels, label)
		values = append(values, conversions[id])
		colors = append(colors, chartPalette[i%len(chartPalette)])
	}
	charts = append(charts, model.ChartData{
		Type:   "bar",
		Title:  "セッション別コンバージョン数",
		Labels: labels,
		Datasets: []model.ChartDataset{{
			Label:           "コンバージョン数",
			Data:            values,
			BackgroundColor: colors,
			BorderColor:     "#10B981",
		}},
	})
	return charts
}
