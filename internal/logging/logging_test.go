package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewBuildsBothFormats(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	for _, format := range []string{"json", "console", ""} {
		logger, err := New("analytics", format)
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		_ = logger.Sync()
	}
}

func TestNewHonorsLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	logger, err := New("analytics", "json")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be disabled at warn level")
	}

	t.Setenv("LOG_LEVEL", "loud")
	if _, err := New("analytics", "json"); err == nil {
		t.Fatal("expected invalid level to be rejected")
	}
}
