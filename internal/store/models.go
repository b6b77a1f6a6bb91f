// Package store persists reports and serves raw experiment metrics from
// Postgres or a local SQLite file.
package store

import (
	"encoding/json"
	"fmt"

	"lpvalidation/services/analytics/internal/model"
)

const dateLayout = "2006-01-02"

func decodeReport(payload []byte) (model.MetricsReport, error) {
	var report model.MetricsReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return model.MetricsReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
