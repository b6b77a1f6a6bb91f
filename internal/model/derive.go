package model

import (
	"math"
	"sort"
)

// Counters are the raw additive figures a metrics source stores per session
// and date. Rates are always derived from them, never summed.
type Counters struct {
	SessionID   string
	SessionName string
	Date        string
	Sessions    int64
	Conversions int64
	Revenue     float64
	Cost        float64
	Clicks      int64
	Impressions int64
}

func (c Counters) Snapshot() MetricSnapshot {
	s := MetricSnapshot{
		SessionID:    c.SessionID,
		SessionName:  c.SessionName,
		Date:         c.Date,
		Sessions:     c.Sessions,
		Conversions:  c.Conversions,
		TotalRevenue: Finite(c.Revenue),
		Clicks:       c.Clicks,
		Impressions:  c.Impressions,
	}
	if s.SessionName == "" {
		s.SessionName = "Session " + c.SessionID
	}
	if c.Sessions > 0 {
		s.CVR = Round(float64(c.Conversions)/float64(c.Sessions)*100, 1)
	}
	if c.Conversions > 0 {
		s.CPA = Round(c.Cost/float64(c.Conversions), 0)
	}
	if c.Impressions > 0 {
		s.CTR = Round(float64(c.Clicks)/float64(c.Impressions)*100, 1)
	}
	if c.Cost > 0 {
		s.ROAS = Round(c.Revenue/c.Cost, 1)
	}
	return s
}

func (s Session) Snapshot() MetricSnapshot {
	return Counters{
		SessionID:   s.ID,
		SessionName: s.Name,
		Sessions:    s.Sessions,
		Conversions: s.Conversions,
		Revenue:     s.Revenue,
		Cost:        s.Cost,
		Clicks:      s.Clicks,
		Impressions: s.Impressions,
	}.Snapshot()
}

// Sanitize replaces NaN and infinite rates with zero.
func (s MetricSnapshot) Sanitize() MetricSnapshot {
	s.CVR = Finite(s.CVR)
	s.CPA = Finite(s.CPA)
	s.TotalRevenue = Finite(s.TotalRevenue)
	s.CTR = Finite(s.CTR)
	s.ROAS = Finite(s.ROAS)
	return s
}

// SummarizeRealTime folds per-session counters for the trailing window into
// point-in-time aggregates.
func SummarizeRealTime(rows []Counters, activeCampaigns int64) RealTimeMetrics {
	result := RealTimeMetrics{ActiveCampaigns: activeCampaigns}
	if len(rows) == 0 {
		return result
	}

	var conversions int64
	sorted := make([]MetricSnapshot, 0, len(rows))
	for _, row := range rows {
		result.CurrentSessions += row.Sessions
		result.TotalRevenue24h += Finite(row.Revenue)
		conversions += row.Conversions
		sorted = append(sorted, row.Snapshot())
	}
	if result.CurrentSessions > 0 {
		result.AverageCVR24h = Round(float64(conversions)/float64(result.CurrentSessions)*100, 1)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CVR == sorted[j].CVR {
			return sorted[i].SessionID < sorted[j].SessionID
		}
		return sorted[i].CVR > sorted[j].CVR
	})
	top := sorted[0]
	result.TopPerformingSession = &TopSession{ID: top.SessionID, Name: top.SessionName, CVR: top.CVR}
	return result
}

func Round(value float64, places int) float64 {
	value = Finite(value)
	scale := math.Pow(10, float64(places))
	return math.Round(value*scale) / scale
}

func SafeDiv(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return Finite(numerator / denominator)
}

func Finite(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}
