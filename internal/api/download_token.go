package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/artifacts"
	"lpvalidation/services/analytics/internal/model"
	"lpvalidation/services/analytics/internal/reports"
)

const defaultDownloadTokenTTL = 5 * time.Minute

var errInvalidDownloadToken = errors.New("invalid download token")

type downloadTokenClaims struct {
	ReportID  string             `json:"reportId"`
	Format    model.ReportFormat `json:"format"`
	ExpiresAt int64              `json:"exp"`
}

func (h *Handler) hasDownloadTokenSecret() bool {
	return strings.TrimSpace(h.downloadTokenSecret) != ""
}

func (h *Handler) signDownloadToken(reportID string, format model.ReportFormat, expiresAt time.Time) (string, error) {
	if !h.hasDownloadTokenSecret() {
		return "", errInvalidDownloadToken
	}

	claims := downloadTokenClaims{
		ReportID:  strings.TrimSpace(reportID),
		Format:    format,
		ExpiresAt: expiresAt.UTC().Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	return encodedPayload + "." + h.signDownloadPayload(encodedPayload), nil
}

func (h *Handler) verifyDownloadToken(rawToken string) (downloadTokenClaims, error) {
	if !h.hasDownloadTokenSecret() {
		return downloadTokenClaims{}, errInvalidDownloadToken
	}

	parts := strings.Split(strings.TrimSpace(rawToken), ".")
	if len(parts) != 2 {
		return downloadTokenClaims{}, errInvalidDownloadToken
	}

	encodedPayload, signature := parts[0], parts[1]
	if !hmac.Equal([]byte(signature), []byte(h.signDownloadPayload(encodedPayload))) {
		return downloadTokenClaims{}, errInvalidDownloadToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return downloadTokenClaims{}, errInvalidDownloadToken
	}

	claims := downloadTokenClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return downloadTokenClaims{}, errInvalidDownloadToken
	}
	if claims.ReportID == "" || model.ValidateFormat(claims.Format) != nil {
		return downloadTokenClaims{}, errInvalidDownloadToken
	}
	if claims.ExpiresAt < h.now().UTC().Unix() {
		return downloadTokenClaims{}, errInvalidDownloadToken
	}

	return claims, nil
}

func (h *Handler) signDownloadPayload(encodedPayload string) string {
	mac := hmac.New(sha256.New, []byte(h.downloadTokenSecret))
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (h *Handler) createDownloadToken(w http.ResponseWriter, r *http.Request) {
	if !h.hasDownloadTokenSecret() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "download tokens disabled"})
		return
	}

	format, ok := formatParam(w, r)
	if !ok {
		return
	}

	reportID := chi.URLParam(r, "reportID")
	if _, err := h.reports.GetReport(r.Context(), reportID); err != nil {
		h.writeServiceError(w, "get report", err)
		return
	}

	expiresAt := h.now().UTC().Add(h.downloadTokenTTL)
	token, err := h.signDownloadToken(reportID, format, expiresAt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unable to sign token"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.Format(time.RFC3339),
		"url":       fmt.Sprintf("/v1/reports/%s/download?token=%s", url.PathEscape(reportID), url.QueryEscape(token)),
	})
}

func (h *Handler) downloadReport(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifyDownloadToken(r.URL.Query().Get("token"))
	if err != nil || claims.ReportID != chi.URLParam(r, "reportID") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
		return
	}

	report, err := h.reports.GetReport(r.Context(), claims.ReportID)
	if err != nil {
		h.writeServiceError(w, "get report", err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, claims.ReportID, claims.Format))
	w.Header().Set("Cache-Control", "private, max-age=60")

	if object, ok := h.archivedExport(r, report, claims.Format); ok {
		w.Header().Set("Content-Type", object.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(object.Body)
		return
	}
	h.writeReport(w, report, claims.Format)
}

func (h *Handler) archivedExport(r *http.Request, report model.MetricsReport, format model.ReportFormat) (artifacts.Object, bool) {
	if h.archive == nil {
		return artifacts.Object{}, false
	}
	key := artifacts.ReportObjectKey(report.ID, report.GeneratedAt, string(format))
	object, err := h.archive.GetObject(r.Context(), key)
	if err != nil {
		if !errors.Is(err, artifacts.ErrNotConfigured) && !errors.Is(err, artifacts.ErrObjectNotFound) {
			h.logger.Warn("archived export unavailable", zap.String("key", key), zap.Error(err))
		}
		return artifacts.Object{}, false
	}
	if object.ContentType == "" {
		object.ContentType = reports.ContentType(format)
	}
	return object, true
}
