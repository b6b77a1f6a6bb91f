package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/artifacts"
	"lpvalidation/services/analytics/internal/model"
	"lpvalidation/services/analytics/internal/reports"
)

type JSONPoster interface {
	PostJSON(ctx context.Context, target string, payload any) error
}

type MailSender interface {
	Send(ctx context.Context, message Message) error
}

// ReportDeliverer archives, emails and announces a scheduled report. Every
// step runs even when an earlier one failed; the failures are joined.
type ReportDeliverer struct {
	renderer   reports.Renderer
	archive    artifacts.Store
	mailer     MailSender
	poster     JSONPoster
	webhookURL string
	now        func() time.Time
	logger     *zap.Logger
}

type DelivererConfig struct {
	Renderer   reports.Renderer
	Archive    artifacts.Store
	Mailer     MailSender
	Poster     JSONPoster
	WebhookURL string
	Logger     *zap.Logger
}

func NewReportDeliverer(cfg DelivererConfig) *ReportDeliverer {
	d := &ReportDeliverer{
		renderer:   cfg.Renderer,
		archive:    cfg.Archive,
		mailer:     cfg.Mailer,
		poster:     cfg.Poster,
		webhookURL: strings.TrimSpace(cfg.WebhookURL),
		now:        time.Now,
		logger:     cfg.Logger,
	}
	if d.archive == nil {
		d.archive = artifacts.NewNoopStore()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

type rendered struct {
	format model.ReportFormat
	data   []byte
}

func (d *ReportDeliverer) Deliver(ctx context.Context, report model.MetricsReport, schedule model.ScheduleConfig) error {
	var errs []error

	renders := make([]rendered, 0, 3)
	for _, format := range []model.ReportFormat{model.FormatJSON, model.FormatCSV, model.FormatPDF} {
		data, err := d.renderer.Render(report, format)
		if err != nil {
			errs = append(errs, fmt.Errorf("render %s: %w", format, err))
			continue
		}
		renders = append(renders, rendered{format: format, data: data})
	}

	objectKeys := d.archiveRenders(ctx, report, renders, &errs)

	if len(schedule.Recipients) > 0 {
		if err := d.email(ctx, report, schedule, renders); err != nil {
			errs = append(errs, err)
		}
	}

	if target := d.webhookTarget(schedule); target != "" {
		if d.poster == nil {
			errs = append(errs, fmt.Errorf("webhook poster not configured"))
		} else if err := d.poster.PostJSON(ctx, target, d.webhookPayload(report, schedule, objectKeys)); err != nil {
			errs = append(errs, fmt.Errorf("report webhook: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (d *ReportDeliverer) archiveRenders(ctx context.Context, report model.MetricsReport, renders []rendered, errs *[]error) []string {
	keys := make([]string, 0, len(renders))
	for _, render := range renders {
		key := artifacts.ReportObjectKey(report.ID, report.GeneratedAt, string(render.format))
		err := d.archive.PutObject(ctx, key, artifacts.Object{Body: render.data, ContentType: reports.ContentType(render.format)})
		if errors.Is(err, artifacts.ErrNotConfigured) {
			return nil
		}
		if err != nil {
			*errs = append(*errs, fmt.Errorf("archive %s: %w", render.format, err))
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) > 0 {
		d.logger.Info("report archived", zap.String("report_id", report.ID), zap.Strings("keys", keys))
	}
	return keys
}

func (d *ReportDeliverer) email(ctx context.Context, report model.MetricsReport, schedule model.ScheduleConfig, renders []rendered) error {
	if d.mailer == nil {
		return fmt.Errorf("email delivery: mailer not configured")
	}

	attachments := make([]Attachment, 0, 2)
	for _, render := range renders {
		if render.format == model.FormatJSON {
			continue
		}
		attachments = append(attachments, Attachment{
			Filename:    report.ID + "." + string(render.format),
			ContentType: reports.ContentType(render.format),
			Data:        render.data,
		})
	}

	name := schedule.Name
	if name == "" {
		name = string(report.Type)
	}
	message := Message{
		To:          schedule.Recipients,
		Subject:     fmt.Sprintf("LP検証レポート: %s (%s)", name, report.Period.End.Format("2006-01-02")),
		Body:        emailBody(report),
		Attachments: attachments,
	}
	if err := d.mailer.Send(ctx, message); err != nil {
		return fmt.Errorf("email delivery: %w", err)
	}
	return nil
}

func emailBody(report model.MetricsReport) string {
	lines := []string{
		"レポートID: " + report.ID,
		fmt.Sprintf("期間: %s - %s", report.Period.Start.Format("2006-01-02"), report.Period.End.Format("2006-01-02")),
		fmt.Sprintf("セッション数: %d", report.Summary.TotalSessions),
		fmt.Sprintf("コンバージョン数: %d", report.Summary.TotalConversions),
		fmt.Sprintf("平均CVR: %.1f%%", report.Summary.AverageCVR),
		fmt.Sprintf("平均CPA: ¥%.0f", report.Summary.AverageCPA),
	}
	if report.Trends != nil {
		lines = append(lines, fmt.Sprintf("CVRトレンド: %s (%.1f%%)", report.Trends.CVRTrend, report.Trends.CVRGrowthRate))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (d *ReportDeliverer) webhookTarget(schedule model.ScheduleConfig) string {
	if target := strings.TrimSpace(schedule.WebhookURL); target != "" {
		return target
	}
	return d.webhookURL
}

func (d *ReportDeliverer) webhookPayload(report model.MetricsReport, schedule model.ScheduleConfig, objectKeys []string) map[string]any {
	return map[string]any{
		"type":       "report_generated",
		"reportId":   report.ID,
		"reportType": report.Type,
		"schedule":   schedule.Name,
		"period":     report.Period,
		"summary":    report.Summary,
		"objectKeys": objectKeys,
		"timestamp":  d.now().UTC().Format(time.RFC3339),
	}
}
