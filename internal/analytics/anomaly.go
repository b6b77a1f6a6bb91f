package analytics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"lpvalidation/services/analytics/internal/model"
)

const (
	DefaultAnomalyThreshold = 2.5
	minAnomalySamples       = 3
	degenerateStdDev        = 1e-9
)

// Column extracts one metric from a snapshot.
type Column struct {
	Name  string
	Value func(model.MetricSnapshot) float64
}

// DefaultColumns are checked in this order.
var DefaultColumns = []Column{
	{Name: "cvr", Value: func(s model.MetricSnapshot) float64 { return s.CVR }},
	{Name: "cpa", Value: func(s model.MetricSnapshot) float64 { return s.CPA }},
	{Name: "sessions", Value: func(s model.MetricSnapshot) float64 { return float64(s.Sessions) }},
	{Name: "conversions", Value: func(s model.MetricSnapshot) float64 { return float64(s.Conversions) }},
	{Name: "totalRevenue", Value: func(s model.MetricSnapshot) float64 { return s.TotalRevenue }},
}

type AnomalyDetector struct {
	Threshold float64
	Columns   []Column
}

func NewAnomalyDetector() AnomalyDetector {
	return AnomalyDetector{Threshold: DefaultAnomalyThreshold, Columns: DefaultColumns}
}

// Detect scores every value against the mean and sample standard deviation
// of the remaining values in its column.
func (d AnomalyDetector) Detect(samples []model.MetricSnapshot) []model.Anomaly {
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	columns := d.Columns
	if len(columns) == 0 {
		columns = DefaultColumns
	}

	anomalies := make([]model.Anomaly, 0)
	if len(samples) < minAnomalySamples {
		return anomalies
	}

	values := make([]float64, len(samples))
	rest := make([]float64, 0, len(samples)-1)
	for _, column := range columns {
		allZero := true
		for i, sample := range samples {
			values[i] = model.Finite(column.Value(sample))
			if values[i] != 0 {
				allZero = false
			}
		}
		if allZero {
			continue
		}

		for i, value := range values {
			rest = rest[:0]
			rest = append(rest, values[:i]...)
			rest = append(rest, values[i+1:]...)

			mean, stdDev := stat.MeanStdDev(rest, nil)
			if math.IsNaN(stdDev) || stdDev < degenerateStdDev {
				continue
			}

			z := math.Abs(value-mean) / stdDev
			if z <= threshold {
				continue
			}

			anomalies = append(anomalies, model.Anomaly{
				SessionID: samples[i].SessionID,
				Metric:    column.Name,
				Value:     value,
				Expected:  model.Round(mean, 2),
				Deviation: model.Round(z, 2),
				Reason:    fmt.Sprintf("statistical outlier (z=%.2f)", z),
			})
		}
	}
	return anomalies
}
