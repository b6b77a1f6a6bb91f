package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lpvalidation/services/analytics/internal/model"
)

func TestAnalyzeTrendsClassifiesEndpointGrowth(t *testing.T) {
	series := []TrendPoint{
		{Date: "2024-08-18", CVR: 11.2, CPA: 285},
		{Date: "2024-08-16", CVR: 10.0, CPA: 300},
		{Date: "2024-08-19", CVR: 12.0, CPA: 280},
		{Date: "2024-08-17", CVR: 10.5, CPA: 295},
	}

	trends := AnalyzeTrends(series)

	assert.Equal(t, model.TrendIncreasing, trends.CVRTrend)
	assert.InDelta(t, 20.0, trends.CVRGrowthRate, 0.1)
	assert.Equal(t, model.TrendDecreasing, trends.CPATrend)
	assert.InDelta(t, -6.67, trends.CPAImprovementRate, 0.1)
}

func TestAnalyzeTrendsShortSeriesIsStable(t *testing.T) {
	trends := AnalyzeTrends([]TrendPoint{{Date: "2024-08-16", CVR: 10, CPA: 300}})

	assert.Equal(t, model.TrendStable, trends.CVRTrend)
	assert.Equal(t, model.TrendStable, trends.CPATrend)
	assert.Zero(t, trends.CVRGrowthRate)
	assert.Zero(t, trends.CPAImprovementRate)
}

func TestGrowthRateZeroBaseline(t *testing.T) {
	assert.Equal(t, 100.0, GrowthRate(0, 3))
	assert.Equal(t, 0.0, GrowthRate(0, 0))
	assert.Equal(t, model.TrendStable, Direction(4.9))
	assert.Equal(t, model.TrendIncreasing, Direction(5.1))
}

func TestDetectAnomaliesFlagsSingleOutlier(t *testing.T) {
	samples := []model.MetricSnapshot{
		{SessionID: "a", CVR: 10.0},
		{SessionID: "b", CVR: 10.2},
		{SessionID: "c", CVR: 25.0},
		{SessionID: "d", CVR: 10.1},
	}

	anomalies := NewAnomalyDetector().Detect(samples)

	require.Len(t, anomalies, 1)
	assert.Equal(t, "cvr", anomalies[0].Metric)
	assert.Equal(t, 25.0, anomalies[0].Value)
	assert.Equal(t, "c", anomalies[0].SessionID)
	assert.Contains(t, anomalies[0].Reason, "statistical outlier")
	assert.InDelta(t, 10.1, anomalies[0].Expected, 0.01)
}

func TestDetectAnomaliesIgnoresConstantSeries(t *testing.T) {
	samples := []model.MetricSnapshot{
		{CVR: 10, Sessions: 100},
		{CVR: 10, Sessions: 100},
		{CVR: 10, Sessions: 100},
		{CVR: 10, Sessions: 100},
	}

	assert.Empty(t, NewAnomalyDetector().Detect(samples))
}

func TestDetectAnomaliesNeedsThreeSamples(t *testing.T) {
	samples := []model.MetricSnapshot{{CVR: 1}, {CVR: 100}}

	assert.Empty(t, NewAnomalyDetector().Detect(samples))
}

func TestSignificanceDetectsTwoPointLift(t *testing.T) {
	result := NewSignificanceTester().Test(
		model.ConversionSample{Conversions: 120, Sessions: 1000},
		model.ConversionSample{Conversions: 140, Sessions: 1000},
	)

	assert.True(t, result.IsSignificant)
	assert.Greater(t, result.ConfidenceLevel, 90.0)
	assert.Less(t, result.PValue, 0.1)
	assert.InDelta(t, 1.33, result.ZScore, 0.01)
	assert.Equal(t, "two-proportion z-test (one-sided)", result.TestType)
}

func TestSignificanceTwoSidedIsStricter(t *testing.T) {
	tester := SignificanceTester{Alpha: 0.1, Alternative: TwoSided}
	result := tester.Test(
		model.ConversionSample{Conversions: 120, Sessions: 1000},
		model.ConversionSample{Conversions: 140, Sessions: 1000},
	)

	assert.False(t, result.IsSignificant)
	assert.InDelta(t, 0.184, result.PValue, 0.002)
	assert.Equal(t, "two-proportion z-test (two-sided)", result.TestType)
}

func TestSignificanceOneSidedLabelsDrop(t *testing.T) {
	result := NewSignificanceTester().Test(
		model.ConversionSample{Conversions: 140, Sessions: 1000},
		model.ConversionSample{Conversions: 120, Sessions: 1000},
	)

	assert.False(t, result.IsSignificant)
	assert.Greater(t, result.PValue, 0.85)
	assert.Less(t, result.ZScore, 0.0)
	assert.Equal(t, "two-proportion z-test (one-sided)", result.TestType)
}

func TestSignificanceEmptySample(t *testing.T) {
	result := NewSignificanceTester().Test(
		model.ConversionSample{},
		model.ConversionSample{Conversions: 5, Sessions: 100},
	)

	assert.False(t, result.IsSignificant)
	assert.Equal(t, 1.0, result.PValue)
	assert.Zero(t, result.ConfidenceLevel)
	assert.Equal(t, "two-proportion z-test (one-sided)", result.TestType)
}
