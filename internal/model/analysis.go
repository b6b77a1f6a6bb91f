package model

import "time"

// Anomaly is a statistical-outlier finding. It is computed on demand and
// never persisted.
type Anomaly struct {
	SessionID string  `json:"sessionId,omitempty"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Expected  float64 `json:"expected"`
	Deviation float64 `json:"deviation"`
	Reason    string  `json:"reason"`
}

type ConversionSample struct {
	Conversions int64 `json:"conversions"`
	Sessions    int64 `json:"sessions"`
}

type SignificanceResult struct {
	IsSignificant   bool    `json:"isSignificant"`
	ConfidenceLevel float64 `json:"confidenceLevel"`
	PValue          float64 `json:"pValue"`
	ZScore          float64 `json:"zScore"`
	TestType        string  `json:"testType"`
}

type AlertType string

const (
	AlertCVRBelowThreshold    AlertType = "cvr_below_threshold"
	AlertCPAAboveThreshold    AlertType = "cpa_above_threshold"
	AlertSessionsBelowMinimum AlertType = "sessions_below_minimum"
	AlertAnomalyDetected      AlertType = "anomaly_detected"
)

type AlertSeverity string

const (
	SeverityLow    AlertSeverity = "low"
	SeverityMedium AlertSeverity = "medium"
	SeverityHigh   AlertSeverity = "high"
)

type Alert struct {
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	SessionID string        `json:"sessionId,omitempty"`
}

// AlertMetrics is the observed side of an alert check.
type AlertMetrics struct {
	SessionID string  `json:"sessionId,omitempty"`
	CVR       float64 `json:"cvr"`
	CPA       float64 `json:"cpa"`
	Sessions  int64   `json:"sessions"`
}

// AlertConfig holds the thresholds. A zero threshold disables its rule.
type AlertConfig struct {
	CVRThreshold    float64 `json:"cvrThreshold" toml:"cvr_threshold"`
	CPAThreshold    float64 `json:"cpaThreshold" toml:"cpa_threshold"`
	SessionsMinimum int64   `json:"sessionsMinimum" toml:"sessions_minimum"`
}

type TopSession struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	CVR  float64 `json:"cvr"`
}

type RealTimeMetrics struct {
	CurrentSessions      int64       `json:"currentSessions"`
	ActiveCampaigns      int64       `json:"activeCampaigns"`
	TotalRevenue24h      float64     `json:"totalRevenue24h"`
	AverageCVR24h        float64     `json:"averageCVR24h"`
	TopPerformingSession *TopSession `json:"topPerformingSession,omitempty"`
}

// Session is a running experiment as reported by the metrics source, with
// its lifetime counters.
type Session struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Sessions    int64   `json:"sessions"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
	Cost        float64 `json:"cost"`
	Clicks      int64   `json:"clicks"`
	Impressions int64   `json:"impressions"`
}
