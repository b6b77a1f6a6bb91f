package reports

import (
	"fmt"
	"strconv"
	"time"

	"lpvalidation/services/analytics/internal/model"
)

const highSeverityDeviation = 5.0

// CheckAlerts evaluates the thresholds in a fixed order. A sample below the
// session minimum yields only the sessions alert; otherwise the CVR rule is
// reported before the CPA rule.
func CheckAlerts(metrics model.AlertMetrics, config model.AlertConfig, now time.Time) []model.Alert {
	alerts := make([]model.Alert, 0, 2)
	now = now.UTC()

	if config.SessionsMinimum > 0 && metrics.Sessions < config.SessionsMinimum {
		return append(alerts, model.Alert{
			Type:      model.AlertSessionsBelowMinimum,
			Severity:  model.SeverityHigh,
			Message:   fmt.Sprintf("セッション数 %d が最小値 %d を下回っています", metrics.Sessions, config.SessionsMinimum),
			Timestamp: now,
			SessionID: metrics.SessionID,
		})
	}

	if config.CVRThreshold > 0 && metrics.CVR < config.CVRThreshold {
		alerts = append(alerts, model.Alert{
			Type:      model.AlertCVRBelowThreshold,
			Severity:  model.SeverityMedium,
			Message:   fmt.Sprintf("CVR %s%% が目標値 %s%% を下回っています", number(metrics.CVR), number(config.CVRThreshold)),
			Timestamp: now,
			SessionID: metrics.SessionID,
		})
	}

	if config.CPAThreshold > 0 && metrics.CPA > config.CPAThreshold {
		alerts = append(alerts, model.Alert{
			Type:      model.AlertCPAAboveThreshold,
			Severity:  model.SeverityMedium,
			Message:   fmt.Sprintf("CPA ¥%s が目標値 ¥%s を上回っています", number(metrics.CPA), number(config.CPAThreshold)),
			Timestamp: now,
			SessionID: metrics.SessionID,
		})
	}

	return alerts
}

func (s *Service) CheckAlerts(metrics model.AlertMetrics, config model.AlertConfig) []model.Alert {
	return CheckAlerts(metrics, config, s.now())
}

// AnomalyAlerts converts detected outliers into alerts.
func AnomalyAlerts(anomalies []model.Anomaly, now time.Time) []model.Alert {
	alerts := make([]model.Alert, 0, len(anomalies))
	for _, anomaly := range anomalies {
		severity := model.SeverityMedium
		if anomaly.Deviation >= highSeverityDeviation {
			severity = model.SeverityHigh
		}
		alerts = append(alerts, model.Alert{
			Type:     model.AlertAnomalyDetected,
			Severity: severity,
			Message: fmt.Sprintf("%s の値 %s が想定値 %s から外れています (z=%s)",
				anomaly.Metric, number(anomaly.Value), number(anomaly.Expected), number(anomaly.Deviation)),
			Timestamp: now.UTC(),
			SessionID: anomaly.SessionID,
		})
	}
	return alerts
}

func number(value float64) string {
	return strconv.FormatFloat(model.Finite(value), 'f', -1, 64)
}
