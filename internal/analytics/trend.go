// Package analytics holds the pure statistics used by reports: trend
// direction, outlier detection and conversion-rate significance.
package analytics

import (
	"sort"

	"lpvalidation/services/analytics/internal/model"
)

// TrendChangePercent is the growth, in percent, a series must move before it
// is classified as increasing or decreasing.
const TrendChangePercent = 5.0

type TrendPoint struct {
	Date string  `json:"date"`
	CVR  float64 `json:"cvr"`
	CPA  float64 `json:"cpa"`
}

// AnalyzeTrends compares the first and last points of a date-ordered series.
// Points are sorted by Date first; a series with fewer than two points is
// stable.
func AnalyzeTrends(series []TrendPoint) model.Trends {
	trends := model.Trends{CVRTrend: model.TrendStable, CPATrend: model.TrendStable}
	if len(series) < 2 {
		return trends
	}

	ordered := make([]TrendPoint, len(series))
	copy(ordered, series)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Date < ordered[j].Date
	})

	first := ordered[0]
	last := ordered[len(ordered)-1]

	trends.CVRGrowthRate = GrowthRate(first.CVR, last.CVR)
	trends.CPAImprovementRate = GrowthRate(first.CPA, last.CPA)
	trends.CVRTrend = Direction(trends.CVRGrowthRate)
	trends.CPATrend = Direction(trends.CPAImprovementRate)
	return trends
}

// GrowthRate is (last-first)/first in percent, rounded to one decimal. A zero
// baseline reports 100 when the series grew and 0 otherwise.
func GrowthRate(first, last float64) float64 {
	first = model.Finite(first)
	last = model.Finite(last)
	if first == 0 {
		if last > 0 {
			return 100
		}
		return 0
	}
	return model.Round((last-first)/first*100, 1)
}

func Direction(rate float64) model.TrendDirection {
	switch {
	case rate > TrendChangePercent:
		return model.TrendIncreasing
	case rate < -TrendChangePercent:
		return model.TrendDecreasing
	default:
		return model.TrendStable
	}
}
