package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/artifacts"
	"lpvalidation/services/analytics/internal/model"
	"lpvalidation/services/analytics/internal/queue"
	"lpvalidation/services/analytics/internal/reports"
	"lpvalidation/services/analytics/internal/rollout"
	"lpvalidation/services/analytics/internal/telemetry"
)

const (
	adminKeyHeader        = "X-LP-Admin"
	defaultRequestTimeout = 60 * time.Second
	maxRequestBodyBytes   = 1 << 20
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Config struct {
	CORSAllowedOrigins      []string
	AdminAPIKey             string
	DownloadTokenSecret     string
	DownloadTokenTTL        time.Duration
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
	RequestTimeout          time.Duration
	AlertDefaults           model.AlertConfig
}

type Handler struct {
	reports            *reports.Service
	rollouts           *rollout.Automation
	rolloutProducer    queue.Producer
	queueStatsProvider queue.StatsProvider
	health             []HealthChecker
	archive            artifacts.Store
	alertNotifier      *alertNotifier
	metrics            *telemetry.Metrics
	logger             *zap.Logger
	rateLimiter        *apiRateLimiter
	metricsHandler     http.Handler

	corsAllowedOrigins  []string
	adminAPIKey         string
	downloadTokenSecret string
	downloadTokenTTL    time.Duration
	requestTimeout      time.Duration
	alertDefaults       model.AlertConfig
	now                 func() time.Time
}

type Option func(*Handler)

func WithRollouts(automation *rollout.Automation, producer queue.Producer) Option {
	return func(h *Handler) {
		h.rollouts = automation
		h.rolloutProducer = producer
		if stats, ok := producer.(queue.StatsProvider); ok {
			h.queueStatsProvider = stats
		}
	}
}

// WithHealthChecker adds dependencies that /healthz must reach.
func WithHealthChecker(checkers ...HealthChecker) Option {
	return func(h *Handler) { h.health = append(h.health, checkers...) }
}

// WithArchive lets downloads serve the export archived at delivery time
// instead of rendering again.
func WithArchive(store artifacts.Store) Option {
	return func(h *Handler) { h.archive = store }
}

func WithAlertNotifier(poster JSONPoster, target string, cooldown time.Duration) Option {
	return func(h *Handler) { h.alertNotifier = newAlertNotifier(poster, target, cooldown) }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = metrics }
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(service *reports.Service, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		reports:             service,
		logger:              zap.NewNop(),
		corsAllowedOrigins:  cfg.CORSAllowedOrigins,
		adminAPIKey:         strings.TrimSpace(cfg.AdminAPIKey),
		downloadTokenSecret: strings.TrimSpace(cfg.DownloadTokenSecret),
		downloadTokenTTL:    cfg.DownloadTokenTTL,
		requestTimeout:      cfg.RequestTimeout,
		alertDefaults:       cfg.AlertDefaults,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.metrics == nil {
		h.metrics = telemetry.New()
	}
	h.metricsHandler = newMetricsHandler(h.metrics, h.queueStatsProvider)

	if len(h.corsAllowedOrigins) == 0 {
		h.corsAllowedOrigins = []string{"*"}
	}
	if h.downloadTokenTTL <= 0 {
		h.downloadTokenTTL = defaultDownloadTokenTTL
	}
	if h.requestTimeout <= 0 {
		h.requestTimeout = defaultRequestTimeout
	}
	h.rateLimiter = newAPIRateLimiter(cfg.RateLimitRequestsPerSec, cfg.RateLimitBurst)
	if h.rateLimiter != nil {
		h.rateLimiter.onReject = h.metrics.RateLimited
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.requestTimeout))
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", adminKeyHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", h.metricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/reports", func(r chi.Router) {
			r.With(h.requireAdminAccess).Post("/", h.generateReport)
			r.Get("/", h.listReports)
			r.With(h.requireAdminAccess).Post("/scheduled", h.runScheduledReport)
			r.Get("/{reportID}", h.getReport)
			r.With(h.requireAdminAccess).Post("/{reportID}/download-token", h.createDownloadToken)
			r.Get("/{reportID}/download", h.downloadReport)
		})
		r.Get("/metrics/realtime", h.getRealTimeMetrics)
		r.Post("/alerts/check", h.checkAlerts)
		r.Route("/analytics", func(r chi.Router) {
			r.Post("/trends", h.analyzeTrends)
			r.Post("/anomalies", h.detectAnomalies)
			r.Post("/significance", h.calculateSignificance)
		})
		r.Route("/rollouts", func(r chi.Router) {
			r.With(h.requireAdminAccess).Post("/optimization", h.createOptimizationRollout)
			r.With(h.requireAdminAccess).Post("/phase-transition", h.createPhaseTransitionRollout)
			r.Get("/queue", h.getQueueHealth)
			r.Get("/connection", h.testConnection)
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	for _, checker := range h.health {
		if err := checker.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) generateReport(w http.ResponseWriter, r *http.Request) {
	var config model.ReportConfig
	if !decodeBody(w, r, &config) {
		return
	}

	report, err := h.reports.GenerateReport(r.Context(), config)
	if err != nil {
		h.writeServiceError(w, "generate report", err)
		return
	}
	if _, err := h.reports.SaveReport(r.Context(), report); err != nil {
		h.writeServiceError(w, "save report", err)
		return
	}

	format := config.Format
	if format == "" {
		format = model.FormatJSON
	}
	h.writeReport(w, report, format)
}

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	history, err := h.reports.GetReportHistory(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "report history", err)
		return
	}
	if history == nil {
		history = []model.MetricsReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": history})
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	format, ok := formatParam(w, r)
	if !ok {
		return
	}

	report, err := h.reports.GetReport(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		h.writeServiceError(w, "get report", err)
		return
	}
	h.writeReport(w, report, format)
}

func (h *Handler) runScheduledReport(w http.ResponseWriter, r *http.Request) {
	var schedule model.ScheduleConfig
	if !decodeBody(w, r, &schedule) {
		return
	}

	result, err := h.reports.GenerateScheduledReport(r.Context(), schedule)
	if err != nil {
		h.writeServiceError(w, "scheduled report", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) getRealTimeMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.reports.GetRealTimeMetrics(r.Context())
	if err != nil {
		h.writeServiceError(w, "real-time metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *Handler) writeReport(w http.ResponseWriter, report model.MetricsReport, format model.ReportFormat) {
	if format == model.FormatJSON {
		writeJSON(w, http.StatusOK, report)
		return
	}

	body, err := h.reports.FormatReportOutput(report, format)
	if err != nil {
		h.writeServiceError(w, "format report", err)
		return
	}
	w.Header().Set("Content-Type", reports.ContentType(format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func formatParam(w http.ResponseWriter, r *http.Request) (model.ReportFormat, bool) {
	format := model.ReportFormat(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
	if format == "" {
		return model.FormatJSON, true
	}
	if err := model.ValidateFormat(format); err != nil {
		writeValidationError(w, err)
		return "", false
	}
	return format, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if model.IsValidationError(err) {
			writeValidationError(w, err)
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeValidationError(w http.ResponseWriter, err error) {
	var validation *model.ValidationError
	if errors.As(err, &validation) {
		body := map[string]string{"error": validation.Message}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		writeJSON(w, http.StatusBadRequest, body)
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, operation string, err error) {
	switch {
	case model.IsValidationError(err):
		writeValidationError(w, err)
	case errors.Is(err, model.ErrReportNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not found"})
	default:
		h.logger.Error(operation+" failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("%s failed", operation)})
	}
}

// requireAdminAccess guards write routes when an admin key is configured.
func (h *Handler) requireAdminAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := strings.TrimSpace(r.Header.Get(adminKeyHeader))
		if provided == h.adminAPIKey {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(started)),
			)
		})
	}
}
