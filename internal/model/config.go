package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
)

const MaxSessionsPerReport = 50

// DateLayout is the calendar-date form used for metric dates and report ranges.
const DateLayout = "2006-01-02"

const (
	msgInvalidDateRange  = "日付範囲が無効です"
	msgInvalidSessionIDs = "セッションIDが無効です"
	msgInvalidReportType = "レポートタイプが無効です"
	msgInvalidFormat     = "出力形式が無効です"
	msgInvalidSchedule   = "スケジュール設定が無効です"
)

var validate = validator.New()

// ValidationError rejects malformed input before any external call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Message + " (" + e.Field + ")"
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

type ReportConfig struct {
	Type          ReportType   `json:"type" validate:"required,oneof=daily weekly monthly custom"`
	StartDate     time.Time    `json:"startDate"`
	EndDate       time.Time    `json:"endDate"`
	SessionIDs    []string     `json:"sessionIds" validate:"max=50,dive,required"`
	IncludeCharts bool         `json:"includeCharts"`
	Format        ReportFormat `json:"format,omitempty" validate:"omitempty,oneof=json csv pdf"`
}

// UnmarshalJSON accepts startDate and endDate as RFC3339 instants or as
// calendar dates (2006-01-02, read as UTC). A date in neither form is a
// ValidationError naming the field.
func (c *ReportConfig) UnmarshalJSON(data []byte) error {
	type plain ReportConfig
	aux := struct {
		*plain
		StartDate json.RawMessage `json:"startDate"`
		EndDate   json.RawMessage `json:"endDate"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if c.StartDate, err = parseReportDate("startDate", aux.StartDate); err != nil {
		return err
	}
	c.EndDate, err = parseReportDate("endDate", aux.EndDate)
	return err
}

func parseReportDate(field string, raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: msgInvalidDateRange}
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.ParseInLocation(DateLayout, value, time.UTC); err == nil {
		return parsed, nil
	}
	return time.Time{}, &ValidationError{Field: field, Message: msgInvalidDateRange}
}

func (c ReportConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return translate(err)
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return &ValidationError{Field: "startDate", Message: msgInvalidDateRange}
	}
	if StartOfDay(c.EndDate).Before(StartOfDay(c.StartDate)) {
		return &ValidationError{Field: "endDate", Message: msgInvalidDateRange}
	}
	for _, id := range c.SessionIDs {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Field: "sessionIds", Message: msgInvalidSessionIDs}
		}
	}
	return nil
}

func ValidateFormat(format ReportFormat) error {
	switch format {
	case FormatJSON, FormatCSV, FormatPDF:
		return nil
	}
	return &ValidationError{Field: "format", Message: msgInvalidFormat}
}

// ScheduleConfig describes a recurring report. Time is a wall-clock "HH:MM"
// in Timezone.
type ScheduleConfig struct {
	Name       string     `json:"name" yaml:"name"`
	Type       ReportType `json:"type" yaml:"type" validate:"required,oneof=daily weekly monthly"`
	Time       string     `json:"time" yaml:"time" validate:"omitempty,datetime=15:04"`
	Timezone   string     `json:"timezone" yaml:"timezone" validate:"omitempty,timezone"`
	Recipients []string   `json:"recipients" yaml:"recipients"`
	SessionIDs []string   `json:"sessionIds" yaml:"sessionIds" validate:"max=50,dive,required"`
	WebhookURL string     `json:"webhookUrl,omitempty" yaml:"webhookUrl" validate:"omitempty,url"`
}

func (c ScheduleConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return translate(err)
	}
	return nil
}

type ScheduleResult struct {
	Success  bool   `json:"success"`
	ReportID string `json:"reportId,omitempty"`
	Error    string `json:"error,omitempty"`
}

func translate(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return &ValidationError{Message: err.Error()}
	}

	first := fieldErrors[0]
	field := first.StructField()
	switch {
	case field == "Type":
		return &ValidationError{Field: "type", Message: msgInvalidReportType}
	case strings.HasPrefix(field, "SessionIDs"):
		return &ValidationError{Field: "sessionIds", Message: msgInvalidSessionIDs}
	case field == "Format":
		return &ValidationError{Field: "format", Message: msgInvalidFormat}
	default:
		return &ValidationError{Field: first.Field(), Message: msgInvalidSchedule}
	}
}
