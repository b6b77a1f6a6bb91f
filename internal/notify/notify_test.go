package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap/zaptest"

	"lpvalidation/services/analytics/internal/artifacts"
	"lpvalidation/services/analytics/internal/model"
)

func TestPosterSendsJSONWithAuthHeader(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected auth header, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected json content type, got %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	poster := NewPoster(WithAuthHeader("Bearer secret"), WithPosterLogger(zaptest.NewLogger(t)))
	if err := poster.PostJSON(context.Background(), server.URL, map[string]any{"type": "pr_created"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if received["type"] != "pr_created" {
		t.Fatalf("unexpected payload %v", received)
	}
}

func TestPosterReportsStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad payload"))
	}))
	defer server.Close()

	err := NewPoster().PostJSON(context.Background(), server.URL, map[string]string{})
	if err == nil || !strings.Contains(err.Error(), "status=400") || !strings.Contains(err.Error(), "bad payload") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestPosterBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	poster := NewPoster(WithBreaker(2, time.Minute))
	for i := 0; i < 2; i++ {
		if err := poster.PostJSON(context.Background(), server.URL, map[string]string{}); err == nil {
			t.Fatal("expected failure")
		}
	}

	err := poster.PostJSON(context.Background(), server.URL, map[string]string{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected open breaker to skip the request, got %d calls", calls.Load())
	}
}

func TestPosterRejectsInvalidURL(t *testing.T) {
	if err := NewPoster().PostJSON(context.Background(), "not a url", nil); err == nil {
		t.Fatal("expected invalid url error")
	}
}

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  []byte
}

func newTestMailer(captured *capturedMail) *Mailer {
	mailer := NewMailer(MailerConfig{Host: "smtp.example.com", From: "reports@example.com"})
	mailer.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		captured.addr, captured.from, captured.to, captured.msg = addr, from, to, msg
		return nil
	}
	return mailer
}

func TestMailerBuildsMultipartMessage(t *testing.T) {
	captured := &capturedMail{}
	mailer := newTestMailer(captured)

	err := mailer.Send(context.Background(), Message{
		To:          []string{"ops@example.com"},
		Subject:     "LP検証レポート",
		Body:        "本文",
		Attachments: []Attachment{{Filename: "report.csv", ContentType: "text/csv", Data: []byte("a,b\n")}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if captured.addr != "smtp.example.com:587" {
		t.Fatalf("unexpected addr %q", captured.addr)
	}
	raw := string(captured.msg)
	if !strings.Contains(raw, "Subject: =?UTF-8?b?") {
		t.Fatalf("expected encoded subject in %q", raw)
	}
	if !strings.Contains(raw, `filename=report.csv`) {
		t.Fatalf("expected attachment in %q", raw)
	}
}

func TestMailerRejectsInvalidRecipient(t *testing.T) {
	captured := &capturedMail{}
	mailer := newTestMailer(captured)

	err := mailer.Send(context.Background(), Message{To: []string{"not-an-email"}, Subject: "x"})
	if err == nil || !strings.Contains(err.Error(), "invalid recipient") {
		t.Fatalf("expected invalid recipient error, got %v", err)
	}
	if captured.msg != nil {
		t.Fatal("nothing should be sent")
	}
}

type memoryArchive struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memoryArchive) PutObject(_ context.Context, key string, object artifacts.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]string)
	}
	m.objects[key] = object.ContentType
	return nil
}

func (m *memoryArchive) GetObject(context.Context, string) (artifacts.Object, error) {
	return artifacts.Object{}, artifacts.ErrObjectNotFound
}

func (m *memoryArchive) Close() error { return nil }

type recordingPoster struct {
	target  string
	payload map[string]any
	err     error
}

func (p *recordingPoster) PostJSON(_ context.Context, target string, payload any) error {
	p.target = target
	p.payload, _ = payload.(map[string]any)
	return p.err
}

type recordingMailer struct {
	messages []Message
	err      error
}

func (m *recordingMailer) Send(_ context.Context, message Message) error {
	m.messages = append(m.messages, message)
	return m.err
}

func deliveryReport() model.MetricsReport {
	day := time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC)
	return model.MetricsReport{
		ID:          "report-42",
		Type:        model.ReportDaily,
		Period:      model.PeriodFor(day, day),
		GeneratedAt: day.Add(9 * time.Hour),
		SessionDetails: []model.MetricSnapshot{
			{SessionID: "session1", SessionName: "Test Session", CVR: 12, CPA: 290, Sessions: 1000, Conversions: 120},
		},
	}
}

func TestReportDelivererArchivesMailsAndPosts(t *testing.T) {
	archive := &memoryArchive{}
	poster := &recordingPoster{}
	mailer := &recordingMailer{}
	deliverer := NewReportDeliverer(DelivererConfig{
		Archive:    archive,
		Mailer:     mailer,
		Poster:     poster,
		WebhookURL: "https://hooks.example.com/reports",
		Logger:     zaptest.NewLogger(t),
	})

	err := deliverer.Deliver(context.Background(), deliveryReport(), model.ScheduleConfig{
		Name:       "daily-ops",
		Type:       model.ReportDaily,
		Recipients: []string{"ops@example.com"},
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if archive.objects["reports/2024/08/20/report-42.pdf"] != "application/pdf" {
		t.Fatalf("expected pdf archived, got %v", archive.objects)
	}
	if len(archive.objects) != 3 {
		t.Fatalf("expected three archived renders, got %d", len(archive.objects))
	}
	if len(mailer.messages) != 1 || len(mailer.messages[0].Attachments) != 2 {
		t.Fatalf("expected one email with csv and pdf, got %+v", mailer.messages)
	}
	if poster.target != "https://hooks.example.com/reports" || poster.payload["type"] != "report_generated" {
		t.Fatalf("unexpected webhook %s %v", poster.target, poster.payload)
	}
}

func TestReportDelivererJoinsFailures(t *testing.T) {
	mailErr := errors.New("smtp down")
	hookErr := errors.New("hook down")
	deliverer := NewReportDeliverer(DelivererConfig{
		Mailer: &recordingMailer{err: mailErr},
		Poster: &recordingPoster{err: hookErr},
	})

	err := deliverer.Deliver(context.Background(), deliveryReport(), model.ScheduleConfig{
		Type:       model.ReportDaily,
		Recipients: []string{"ops@example.com"},
		WebhookURL: "https://hooks.example.com/schedule",
	})
	if !errors.Is(err, mailErr) || !errors.Is(err, hookErr) {
		t.Fatalf("expected both failures joined, got %v", err)
	}
}

func TestReportDelivererWithoutTargetsIsNoop(t *testing.T) {
	deliverer := NewReportDeliverer(DelivererConfig{})

	if err := deliverer.Deliver(context.Background(), deliveryReport(), model.ScheduleConfig{Type: model.ReportDaily}); err != nil {
		t.Fatalf("expected no error without recipients or webhook, got %v", err)
	}
}
