package logging_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazz-dev/svcwatch/internal/logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"INFO":  slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"debug": slog.LevelDebug,
	}
	for in, want := range cases {
		got, err := logging.ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLevel_Invalid(t *testing.T) {
	for _, in := range []string{"", "TRACE", "WARNING", "verbose"} {
		if _, err := logging.ParseLevel(in); err == nil {
			t.Errorf("ParseLevel(%q): expected error, got nil", in)
		}
	}
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("WARN", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "service", "api")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO line should be filtered at WARN, got:\n%s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "service=api") {
		t.Errorf("expected WARN line with attributes, got:\n%s", out)
	}
}
