package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/analytics"
	"lpvalidation/services/analytics/internal/model"
)

// JSONPoster posts a JSON payload to a webhook target.
type JSONPoster interface {
	PostJSON(ctx context.Context, target string, payload any) error
}

type alertNotifier struct {
	poster   JSONPoster
	target   string
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func newAlertNotifier(poster JSONPoster, target string, cooldown time.Duration) *alertNotifier {
	if cooldown < 0 {
		cooldown = 0
	}
	return &alertNotifier{
		poster:   poster,
		target:   strings.TrimSpace(target),
		cooldown: cooldown,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func (n *alertNotifier) enabled() bool {
	return n != nil && n.poster != nil && n.target != ""
}

// notify posts the alerts that are outside their cooldown window and returns
// how many were sent.
func (n *alertNotifier) notify(ctx context.Context, alerts []model.Alert) (int, error) {
	if !n.enabled() || len(alerts) == 0 {
		return 0, nil
	}

	now := n.now().UTC()
	fresh := make([]model.Alert, 0, len(alerts))

	n.mu.Lock()
	for _, alert := range alerts {
		key := alert.SessionID + "|" + string(alert.Type)
		if last, ok := n.lastSent[key]; ok && n.cooldown > 0 && now.Sub(last) < n.cooldown {
			continue
		}
		fresh = append(fresh, alert)
	}
	n.mu.Unlock()

	if len(fresh) == 0 {
		return 0, nil
	}

	payload := map[string]any{
		"event":  "metrics_alert",
		"sentAt": now.Format(time.RFC3339),
		"alerts": fresh,
	}
	if err := n.poster.PostJSON(ctx, n.target, payload); err != nil {
		return 0, err
	}

	n.mu.Lock()
	for _, alert := range fresh {
		n.lastSent[alert.SessionID+"|"+string(alert.Type)] = now
	}
	n.mu.Unlock()
	return len(fresh), nil
}

type alertCheckRequest struct {
	Metrics model.AlertMetrics `json:"metrics"`
	Config  *model.AlertConfig `json:"config"`
	Notify  bool               `json:"notify"`
}

func (h *Handler) checkAlerts(w http.ResponseWriter, r *http.Request) {
	var request alertCheckRequest
	if !decodeBody(w, r, &request) {
		return
	}

	config := h.alertDefaults
	if request.Config != nil {
		config = *request.Config
	}

	alerts := h.reports.CheckAlerts(request.Metrics, config)
	if alerts == nil {
		alerts = []model.Alert{}
	}

	response := map[string]any{"alerts": alerts}
	if request.Notify {
		sent, err := h.alertNotifier.notify(r.Context(), alerts)
		if err != nil {
			h.logger.Warn("alert notification failed", zap.Error(err))
			response["notifyError"] = err.Error()
		}
		response["notified"] = sent
	}
	writeJSON(w, http.StatusOK, response)
}

type trendsRequest struct {
	Series []analytics.TrendPoint `json:"series"`
}

func (h *Handler) analyzeTrends(w http.ResponseWriter, r *http.Request) {
	var request trendsRequest
	if !decodeBody(w, r, &request) {
		return
	}
	writeJSON(w, http.StatusOK, h.reports.AnalyzeTrends(request.Series))
}

type anomaliesRequest struct {
	Samples []model.MetricSnapshot `json:"samples"`
}

func (h *Handler) detectAnomalies(w http.ResponseWriter, r *http.Request) {
	var request anomaliesRequest
	if !decodeBody(w, r, &request) {
		return
	}

	anomalies := h.reports.DetectAnomalies(request.Samples)
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

type significanceRequest struct {
	SampleA model.ConversionSample `json:"sampleA"`
	SampleB model.ConversionSample `json:"sampleB"`
}

func (h *Handler) calculateSignificance(w http.ResponseWriter, r *http.Request) {
	var request significanceRequest
	if !decodeBody(w, r, &request) {
		return
	}
	writeJSON(w, http.StatusOK, h.reports.CalculateSignificance(request.SampleA, request.SampleB))
}
