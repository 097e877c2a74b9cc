// Package logging builds the process logger from the --loglevel flag.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Levels lists the accepted --loglevel values.
var Levels = []string{"INFO", "DEBUG", "ERROR", "WARN"}

// ParseLevel maps a --loglevel value onto a slog.Level. Matching is
// case-insensitive; anything outside Levels is an error.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (must be one of %s)", level, strings.Join(Levels, ", "))
	}
}

// New returns a text logger writing to w at the given level.
func New(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), nil
}
