package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the process logger. Level comes from DEALGATE_LOG_LEVEL when
// level is empty; output is a text handler on stderr.
func New(level string) *slog.Logger {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = strings.ToLower(strings.TrimSpace(os.Getenv("DEALGATE_LOG_LEVEL")))
	}
	var l slog.Level
	switch lvl {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
