package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"lpvalidation/services/analytics/internal/artifacts"
	"lpvalidation/services/analytics/internal/model"
)

func TestDownloadTokenRoundTrip(t *testing.T) {
	handler := &Handler{downloadTokenSecret: "test-secret", now: time.Now}

	token, err := handler.signDownloadToken("report-1", model.FormatCSV, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("expected token to be generated: %v", err)
	}

	claims, err := handler.verifyDownloadToken(token)
	if err != nil {
		t.Fatalf("expected token to verify: %v", err)
	}
	if claims.ReportID != "report-1" || claims.Format != model.FormatCSV {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestDownloadTokenRejectsExpired(t *testing.T) {
	handler := &Handler{downloadTokenSecret: "test-secret", now: time.Now}

	token, err := handler.signDownloadToken("report-1", model.FormatPDF, time.Now().UTC().Add(-1*time.Minute))
	if err != nil {
		t.Fatalf("expected token to be generated: %v", err)
	}
	if _, err := handler.verifyDownloadToken(token); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestDownloadTokenRejectsTampering(t *testing.T) {
	handler := &Handler{downloadTokenSecret: "test-secret", now: time.Now}
	other := &Handler{downloadTokenSecret: "other-secret", now: time.Now}

	token, _ := other.signDownloadToken("report-1", model.FormatJSON, time.Now().Add(time.Minute))
	if _, err := handler.verifyDownloadToken(token); err == nil {
		t.Fatal("expected token signed with another secret to fail")
	}
	if _, err := handler.verifyDownloadToken("garbage"); err == nil {
		t.Fatal("expected malformed token to fail")
	}
	if _, err := (&Handler{now: time.Now}).signDownloadToken("report-1", model.FormatJSON, time.Now()); err == nil {
		t.Fatal("expected signing without a secret to fail")
	}
}

func TestDownloadRouteServesRenderedReport(t *testing.T) {
	server := newTestServer(t, Config{DownloadTokenSecret: "test-secret", DownloadTokenTTL: time.Minute})
	created := decodeResponse(t, server.do(http.MethodPost, "/v1/reports", dailyReportRequest()))
	id := created["id"].(string)

	recorder := server.do(http.MethodPost, "/v1/reports/"+id+"/download-token?format=csv", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	var issued struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &issued); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if issued.ExpiresAt != testNow.Add(time.Minute).Format(time.RFC3339) {
		t.Fatalf("unexpected expiry %s", issued.ExpiresAt)
	}

	download := server.do(http.MethodGet, issued.URL, nil)
	if download.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, download.Code)
	}
	if got := download.Header().Get("Content-Disposition"); !strings.Contains(got, id+".csv") {
		t.Fatalf("unexpected content disposition %q", got)
	}

	wrongReport := server.do(http.MethodGet, "/v1/reports/other/download?token="+url.QueryEscape(issued.Token), nil)
	if wrongReport.Code != http.StatusUnauthorized {
		t.Fatalf("expected token to be bound to its report, got %d", wrongReport.Code)
	}
}

func TestDownloadTokenDisabledWithoutSecret(t *testing.T) {
	server := newTestServer(t, Config{})
	recorder := server.do(http.MethodPost, "/v1/reports/report-a/download-token", nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, recorder.Code)
	}
}

type archiveStub map[string]artifacts.Object

func (a archiveStub) PutObject(_ context.Context, key string, object artifacts.Object) error {
	a[key] = object
	return nil
}

func (a archiveStub) GetObject(_ context.Context, key string) (artifacts.Object, error) {
	object, ok := a[key]
	if !ok {
		return artifacts.Object{}, artifacts.ErrObjectNotFound
	}
	return object, nil
}

func (a archiveStub) Close() error { return nil }

func TestDownloadPrefersArchivedExport(t *testing.T) {
	archive := archiveStub{
		"reports/2024/08/20/report-a.pdf": {Body: []byte("%PDF-archived"), ContentType: "application/pdf"},
	}
	server := newTestServer(t, Config{DownloadTokenSecret: "test-secret"}, WithArchive(archive))
	created := decodeResponse(t, server.do(http.MethodPost, "/v1/reports", dailyReportRequest()))
	id := created["id"].(string)

	for format, archived := range map[model.ReportFormat]bool{model.FormatPDF: true, model.FormatCSV: false} {
		token, err := server.handler.signDownloadToken(id, format, testNow.Add(time.Minute))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		download := server.do(http.MethodGet, "/v1/reports/"+id+"/download?token="+url.QueryEscape(token), nil)
		if download.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", format, http.StatusOK, download.Code)
		}
		fromArchive := download.Body.String() == "%PDF-archived"
		if fromArchive != archived {
			t.Fatalf("%s: archived=%v, body %q", format, fromArchive, download.Body.String())
		}
	}
}
