// Package artifacts archives rendered report exports in an object store.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotConfigured  = errors.New("artifact store not configured")
	ErrObjectNotFound = errors.New("archived object not found")
)

const ReportPrefix = "reports/"

// Object is one archived export.
type Object struct {
	Body        []byte
	ContentType string
}

type Store interface {
	PutObject(ctx context.Context, key string, object Object) error
	GetObject(ctx context.Context, key string) (Object, error)
	Close() error
}

// ReportObjectKey places an export under reports/YYYY/MM/DD/<id>.<ext>,
// dated by the report's generation time in UTC.
func ReportObjectKey(reportID string, generatedAt time.Time, extension string) string {
	day := generatedAt.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s.%s",
		ReportPrefix, day.Year(), int(day.Month()), day.Day(),
		strings.TrimSpace(reportID), strings.TrimPrefix(extension, "."))
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) PutObject(context.Context, string, Object) error {
	return ErrNotConfigured
}

func (s *NoopStore) GetObject(context.Context, string) (Object, error) {
	return Object{}, ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}
