package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"lpvalidation/services/analytics/internal/model"
	"lpvalidation/services/analytics/internal/queue"
	"lpvalidation/services/analytics/internal/reports"
	"lpvalidation/services/analytics/internal/rollout"
)

var testNow = time.Date(2024, 8, 20, 9, 0, 0, 0, time.UTC)

type stubSource struct {
	daily    []model.MetricSnapshot
	realtime model.RealTimeMetrics
	err      error
}

func (s *stubSource) SessionsByStatus(context.Context, string) ([]model.Session, error) {
	return nil, s.err
}

func (s *stubSource) MetricsByDateRange(context.Context, time.Time, time.Time, []string) ([]model.MetricSnapshot, error) {
	return s.daily, s.err
}

func (s *stubSource) MonthlyAggregates(context.Context, time.Time, time.Time, []string) ([]model.MetricSnapshot, error) {
	return s.daily, s.err
}

func (s *stubSource) RealTimeMetrics(context.Context) (model.RealTimeMetrics, error) {
	return s.realtime, s.err
}

type memoryStore struct {
	mu      sync.Mutex
	reports map[string]model.MetricsReport
}

func newMemoryStore() *memoryStore {
	return &memoryStore{reports: make(map[string]model.MetricsReport)}
}

func (m *memoryStore) SaveReport(_ context.Context, report model.MetricsReport) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.ID] = report
	return report.ID, nil
}

func (m *memoryStore) GetReport(_ context.Context, id string) (model.MetricsReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[id]
	if !ok {
		return model.MetricsReport{}, model.ErrReportNotFound
	}
	return report, nil
}

func (m *memoryStore) ReportHistory(_ context.Context, limit int) ([]model.MetricsReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.MetricsReport, 0, len(m.reports))
	for _, report := range m.reports {
		out = append(out, report)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.After(out[j].GeneratedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type stubHealth struct{ err error }

func (s stubHealth) Health(context.Context) error { return s.err }

type stubVCS struct{}

func (stubVCS) GetBranch(_ context.Context, name string) (rollout.Branch, error) {
	return rollout.Branch{Name: name, SHA: "base"}, nil
}

func (stubVCS) CreateBranch(context.Context, string, string) error { return nil }

func (stubVCS) GetFile(context.Context, string, string) (rollout.ConfigDocument, error) {
	return rollout.ConfigDocument{}, rollout.ErrFileNotFound
}

func (stubVCS) UpdateFile(context.Context, rollout.FileUpdate) (string, error) {
	return "commit", nil
}

func (stubVCS) CreatePR(context.Context, rollout.PullRequestInput) (rollout.PullRequest, error) {
	return rollout.PullRequest{Number: 9, HTMLURL: "https://github.com/acme/site/pull/9"}, nil
}

type recordingProducer struct {
	mu    sync.Mutex
	jobs  []queue.RolloutJob
	err   error
	stats queue.QueueStats
}

func (p *recordingProducer) EnqueueRolloutJob(_ context.Context, job queue.RolloutJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) QueueStats(context.Context) (queue.QueueStats, error) {
	if p.err != nil {
		return queue.QueueStats{}, p.err
	}
	return p.stats, nil
}

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *memoryStore
	source  *stubSource
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) testServer {
	t.Helper()
	source := &stubSource{daily: []model.MetricSnapshot{
		{SessionID: "s1", SessionName: "A", Date: "2024-08-01", Sessions: 1000, Conversions: 100, TotalRevenue: 50000, CVR: 10, CPA: 300},
		{SessionID: "s1", SessionName: "A", Date: "2024-08-02", Sessions: 1000, Conversions: 120, TotalRevenue: 60000, CVR: 12, CPA: 280},
	}}
	store := newMemoryStore()
	ids := 0
	service := reports.NewService(source, store,
		reports.WithClock(func() time.Time { return testNow }),
		reports.WithIDGenerator(func() string {
			ids++
			return "report-" + string(rune('a'+ids-1))
		}),
	)
	handler := NewHandler(service, cfg, opts...)
	handler.now = func() time.Time { return testNow }
	return testServer{handler: handler, router: handler.Router(), store: store, source: source}
}

func (s testServer) do(method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		request.Header.Set(headers[i], headers[i+1])
	}
	recorder := httptest.NewRecorder()
	s.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return body
}

func dailyReportRequest() map[string]any {
	return map[string]any{
		"type":      "daily",
		"startDate": "2024-08-01T00:00:00Z",
		"endDate":   "2024-08-02T00:00:00Z",
	}
}

func TestHealthzReflectsChecker(t *testing.T) {
	server := newTestServer(t, Config{}, WithHealthChecker(stubHealth{}))
	if recorder := server.do(http.MethodGet, "/healthz", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}

	down := newTestServer(t, Config{}, WithHealthChecker(stubHealth{err: errors.New("db down")}))
	if recorder := down.do(http.MethodGet, "/healthz", nil); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, recorder.Code)
	}
}

func TestGenerateReportSavesAndReturnsReport(t *testing.T) {
	server := newTestServer(t, Config{})

	recorder := server.do(http.MethodPost, "/v1/reports", dailyReportRequest())
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}

	var report model.MetricsReport
	if err := json.Unmarshal(recorder.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Summary.TotalSessions != 2000 || report.Summary.TotalConversions != 220 {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
	if _, err := server.store.GetReport(context.Background(), report.ID); err != nil {
		t.Fatalf("expected report %s to be saved: %v", report.ID, err)
	}
}

func TestGenerateReportRendersRequestedFormat(t *testing.T) {
	server := newTestServer(t, Config{})
	request := dailyReportRequest()
	request["format"] = "csv"

	recorder := server.do(http.MethodPost, "/v1/reports", request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("expected csv content type, got %q", got)
	}
}

func TestGenerateReportRejectsInvalidConfig(t *testing.T) {
	server := newTestServer(t, Config{})

	request := dailyReportRequest()
	request["endDate"] = "2024-07-01T00:00:00Z"
	recorder := server.do(http.MethodPost, "/v1/reports", request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, recorder.Code)
	}
	if body := decodeResponse(t, recorder); body["field"] != "endDate" {
		t.Fatalf("expected endDate field, got %v", body)
	}

	recorder = server.do(http.MethodPost, "/v1/reports", "not an object")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed body to be rejected, got %d", recorder.Code)
	}
}

func TestGenerateReportAcceptsCalendarDates(t *testing.T) {
	server := newTestServer(t, Config{})

	request := map[string]any{"type": "daily", "startDate": "2024-08-01", "endDate": "2024-08-02"}
	recorder := server.do(http.MethodPost, "/v1/reports", request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}

	var report model.MetricsReport
	if err := json.Unmarshal(recorder.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if !report.Period.Start.Equal(time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected period start %s", report.Period.Start)
	}

	request["startDate"] = "01/08/2024"
	recorder = server.do(http.MethodPost, "/v1/reports", request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, recorder.Code)
	}
	if body := decodeResponse(t, recorder); body["field"] != "startDate" {
		t.Fatalf("expected startDate field, got %v", body)
	}
}

func TestGetReportNotFound(t *testing.T) {
	server := newTestServer(t, Config{})

	recorder := server.do(http.MethodGet, "/v1/reports/missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, recorder.Code)
	}
}

func TestGetReportFormats(t *testing.T) {
	server := newTestServer(t, Config{})
	created := server.do(http.MethodPost, "/v1/reports", dailyReportRequest())
	id, _ := decodeResponse(t, created)["id"].(string)

	recorder := server.do(http.MethodGet, "/v1/reports/"+id+"?format=pdf", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("expected pdf content type, got %q", got)
	}
	if !bytes.HasPrefix(recorder.Body.Bytes(), []byte("%PDF")) {
		t.Fatal("expected a pdf document")
	}

	recorder = server.do(http.MethodGet, "/v1/reports/"+id+"?format=xml", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown format to be rejected, got %d", recorder.Code)
	}
}

func TestListReports(t *testing.T) {
	server := newTestServer(t, Config{})
	server.do(http.MethodPost, "/v1/reports", dailyReportRequest())

	recorder := server.do(http.MethodGet, "/v1/reports?limit=5", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if items, _ := decodeResponse(t, recorder)["reports"].([]any); len(items) != 1 {
		t.Fatalf("expected one report, got %v", items)
	}

	if recorder := server.do(http.MethodGet, "/v1/reports?limit=abc", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid limit to be rejected, got %d", recorder.Code)
	}
}

func TestSourceFailureIsInternalError(t *testing.T) {
	server := newTestServer(t, Config{})
	server.source.err = errors.New("connection refused")

	recorder := server.do(http.MethodPost, "/v1/reports", dailyReportRequest())
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "connection refused") {
		t.Fatal("expected upstream error detail to stay out of the response")
	}
}

func TestAdminKeyGuardsWriteRoutes(t *testing.T) {
	server := newTestServer(t, Config{AdminAPIKey: "admin-secret"})

	if recorder := server.do(http.MethodPost, "/v1/reports", dailyReportRequest()); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
	if recorder := server.do(http.MethodPost, "/v1/reports", dailyReportRequest(), adminKeyHeader, "admin-secret"); recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if recorder := server.do(http.MethodGet, "/v1/reports", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected read route to stay open, got %d", recorder.Code)
	}
}

func TestRealTimeMetrics(t *testing.T) {
	server := newTestServer(t, Config{})
	server.source.realtime = model.RealTimeMetrics{CurrentSessions: 12, ActiveCampaigns: 3}

	recorder := server.do(http.MethodGet, "/v1/metrics/realtime", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if body := decodeResponse(t, recorder); body["currentSessions"] != float64(12) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	server := newTestServer(t, Config{})

	recorder := server.do(http.MethodPost, "/v1/analytics/significance", map[string]any{
		"sampleA": map[string]any{"conversions": 120, "sessions": 1000},
		"sampleB": map[string]any{"conversions": 140, "sessions": 1000},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if body := decodeResponse(t, recorder); body["isSignificant"] != true {
		t.Fatalf("expected significant result, got %v", body)
	}

	recorder = server.do(http.MethodPost, "/v1/analytics/trends", map[string]any{
		"series": []map[string]any{
			{"date": "2024-08-01", "cvr": 10, "cpa": 300},
			{"date": "2024-08-07", "cvr": 20, "cpa": 300},
		},
	})
	if body := decodeResponse(t, recorder); body["cvrTrend"] != "increasing" {
		t.Fatalf("expected increasing cvr trend, got %v", body)
	}

	recorder = server.do(http.MethodPost, "/v1/analytics/anomalies", map[string]any{"samples": []any{}})
	if anomalies, ok := decodeResponse(t, recorder)["anomalies"].([]any); !ok || len(anomalies) != 0 {
		t.Fatalf("expected empty anomaly list, got %s", recorder.Body.String())
	}
}

type recordingPoster struct {
	mu       sync.Mutex
	payloads []any
}

func (p *recordingPoster) PostJSON(_ context.Context, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestCheckAlertsUsesDefaultsAndCooldown(t *testing.T) {
	poster := &recordingPoster{}
	server := newTestServer(t,
		Config{AlertDefaults: model.AlertConfig{CVRThreshold: 10}},
		WithAlertNotifier(poster, "https://hooks.example.com/alerts", time.Hour),
	)
	server.handler.alertNotifier.now = func() time.Time { return testNow }

	request := map[string]any{
		"metrics": map[string]any{"sessionId": "s1", "cvr": 4, "cpa": 100, "sessions": 500},
		"notify":  true,
	}
	recorder := server.do(http.MethodPost, "/v1/alerts/check", request)
	body := decodeResponse(t, recorder)
	if alerts, _ := body["alerts"].([]any); len(alerts) != 1 {
		t.Fatalf("expected one alert from default thresholds, got %v", body)
	}
	if body["notified"] != float64(1) {
		t.Fatalf("expected alert to be posted, got %v", body["notified"])
	}

	body = decodeResponse(t, server.do(http.MethodPost, "/v1/alerts/check", request))
	if body["notified"] != float64(0) {
		t.Fatalf("expected cooldown to suppress the repeat, got %v", body["notified"])
	}
	if len(poster.payloads) != 1 {
		t.Fatalf("expected one webhook post, got %d", len(poster.payloads))
	}

	request["config"] = map[string]any{"cvrThreshold": 0}
	body = decodeResponse(t, server.do(http.MethodPost, "/v1/alerts/check", request))
	if alerts, _ := body["alerts"].([]any); len(alerts) != 0 {
		t.Fatalf("expected explicit config to disable the rule, got %v", alerts)
	}
}

func optimizationRequest() map[string]any {
	return map[string]any{
		"sessionId": "session1",
		"optimizedLP": map[string]any{
			"headline": "今すぐ始めよう",
			"ctaText":  "無料で試す",
		},
		"metrics":      map[string]any{"cvr": 12.5, "cpa": 285, "sessions": 1500, "conversions": 187, "confidence": 95},
		"improvements": []string{"CTA文言を変更"},
		"options":      map[string]any{"maxRetries": 2},
	}
}

func TestOptimizationRolloutEnqueues(t *testing.T) {
	producer := &recordingProducer{}
	automation := rollout.New(stubVCS{})
	server := newTestServer(t, Config{}, WithRollouts(automation, producer))

	recorder := server.do(http.MethodPost, "/v1/rollouts/optimization", optimizationRequest())
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, recorder.Code, recorder.Body.String())
	}
	if len(producer.jobs) != 1 || producer.jobs[0].Kind != string(rollout.KindOptimization) {
		t.Fatalf("unexpected jobs %+v", producer.jobs)
	}

	result, err := automation.HandleJob(context.Background(), producer.jobs[0])
	if err != nil {
		t.Fatalf("expected queued job to decode: %v", err)
	}
	if !result.Success || result.PRNumber != 9 {
		t.Fatalf("unexpected queued rollout result %+v", result)
	}
}

func TestOptimizationRolloutRunsInline(t *testing.T) {
	producer := &recordingProducer{}
	server := newTestServer(t, Config{}, WithRollouts(rollout.New(stubVCS{}), producer))

	recorder := server.do(http.MethodPost, "/v1/rollouts/optimization?sync=true", optimizationRequest())
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	body := decodeResponse(t, recorder)
	if body["success"] != true || body["prUrl"] != "https://github.com/acme/site/pull/9" {
		t.Fatalf("unexpected result %v", body)
	}
	if len(producer.jobs) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(producer.jobs))
	}

	noQueue := newTestServer(t, Config{}, WithRollouts(rollout.New(stubVCS{}), queue.NewNoopProducer()))
	if recorder := noQueue.do(http.MethodPost, "/v1/rollouts/optimization", optimizationRequest()); recorder.Code != http.StatusOK {
		t.Fatalf("expected noop queue to run inline, got %d", recorder.Code)
	}
}

func TestRolloutValidationAndAvailability(t *testing.T) {
	server := newTestServer(t, Config{}, WithRollouts(rollout.New(stubVCS{}), &recordingProducer{}))

	request := optimizationRequest()
	request["sessionId"] = ""
	if recorder := server.do(http.MethodPost, "/v1/rollouts/optimization", request); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, recorder.Code)
	}

	disabled := newTestServer(t, Config{})
	if recorder := disabled.do(http.MethodPost, "/v1/rollouts/phase-transition", map[string]any{}); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, recorder.Code)
	}
}

func TestPhaseTransitionRolloutDeclined(t *testing.T) {
	server := newTestServer(t, Config{}, WithRollouts(rollout.New(stubVCS{}), nil))

	recorder := server.do(http.MethodPost, "/v1/rollouts/phase-transition", map[string]any{
		"sessionId":          "session1",
		"currentPhase":       1,
		"nextPhase":          2,
		"transitionDecision": map[string]any{"shouldTransition": false},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if body := decodeResponse(t, recorder); body["success"] != false {
		t.Fatalf("expected declined transition, got %v", body)
	}
}

func TestEnqueueFailureIsUnavailable(t *testing.T) {
	producer := &recordingProducer{err: errors.New("redis down")}
	server := newTestServer(t, Config{}, WithRollouts(rollout.New(stubVCS{}), producer))

	if recorder := server.do(http.MethodPost, "/v1/rollouts/optimization", optimizationRequest()); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, recorder.Code)
	}
}
