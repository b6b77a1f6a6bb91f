package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"

	"lpvalidation/services/analytics/internal/model"
)

var csvHeader = []string{"Session ID", "Session Name", "CVR", "CPA", "Sessions", "Conversions", "Revenue"}

// Renderer serializes reports. FontPath points to a UTF-8 TrueType font used
// for PDF output; without it the PDF falls back to a core font and non-Latin
// text is replaced.
type Renderer struct {
	FontPath string
}

func (r Renderer) Render(report model.MetricsReport, format model.ReportFormat) ([]byte, error) {
	switch format {
	case model.FormatJSON:
		return json.MarshalIndent(report, "", "  ")
	case model.FormatCSV:
		return renderCSV(report)
	case model.FormatPDF:
		return r.renderPDF(report)
	default:
		return nil, model.ValidateFormat(format)
	}
}

func ContentType(format model.ReportFormat) string {
	switch format {
	case model.FormatCSV:
		return "text/csv; charset=utf-8"
	case model.FormatPDF:
		return "application/pdf"
	default:
		return "application/json"
	}
}

func renderCSV(report model.MetricsReport) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, detail := range report.SessionDetails {
		row := []string{
			detail.SessionID,
			detail.SessionName,
			formatFloat(detail.CVR),
			formatFloat(detail.CPA),
			strconv.FormatInt(detail.Sessions, 10),
			strconv.FormatInt(detail.Conversions, 10),
			formatFloat(detail.TotalRevenue),
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(model.Finite(value), 'f', -1, 64)
}

func (r Renderer) renderPDF(report model.MetricsReport) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(report.GeneratedAt)
	pdf.SetTitle("Metrics report "+report.ID, true)

	family := "Helvetica"
	text := asciiOnly
	if r.FontPath != "" {
		pdf.AddUTF8Font("report", "", r.FontPath)
		family = "report"
		text = func(s string) string { return s }
	}
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("load pdf font: %w", err)
	}

	pdf.AddPage()
	pdf.SetFont(family, "", 16)
	pdf.Cell(0, 10, text("Metrics Report "+report.ID))
	pdf.Ln(12)

	pdf.SetFont(family, "", 10)
	lines := []string{
		"Type: " + string(report.Type),
		fmt.Sprintf("Period: %s - %s", report.Period.Start.Format("2006-01-02"), report.Period.End.Format("2006-01-02")),
		"Generated: " + report.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"),
		fmt.Sprintf("Total sessions: %d", report.Summary.TotalSessions),
		fmt.Sprintf("Total conversions: %d", report.Summary.TotalConversions),
		"Total revenue: " + formatFloat(report.Summary.TotalRevenue),
		"Average CVR: " + formatFloat(report.Summary.AverageCVR) + "%",
		"Average CPA: " + formatFloat(report.Summary.AverageCPA),
	}
	if report.Trends != nil {
		lines = append(lines,
			fmt.Sprintf("CVR trend: %s (%s%%)", report.Trends.CVRTrend, formatFloat(report.Trends.CVRGrowthRate)),
			fmt.Sprintf("CPA trend: %s (%s%%)", report.Trends.CPATrend, formatFloat(report.Trends.CPAImprovementRate)),
		)
	}
	for _, line := range lines {
		pdf.Cell(0, 6, text(line))
		pdf.Ln(6)
	}
	pdf.Ln(4)

	widths := []float64{28, 50, 18, 20, 24, 24, 26}
	for i, heading := range csvHeader {
		pdf.CellFormat(widths[i], 7, heading, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	for _, detail := range report.SessionDetails {
		cells := []string{
			detail.SessionID,
			detail.SessionName,
			formatFloat(detail.CVR),
			formatFloat(detail.CPA),
			strconv.FormatInt(detail.Sessions, 10),
			strconv.FormatInt(detail.Conversions, 10),
			formatFloat(detail.TotalRevenue),
		}
		for i, cell := range cells {
			align := "R"
			if i < 2 {
				align = "L"
			}
			pdf.CellFormat(widths[i], 6, text(cell), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func asciiOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r > 126 {
			return '?'
		}
		return r
	}, s)
}
