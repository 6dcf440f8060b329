package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the process-wide structured logger. Level is controlled by
// LOG_LEVEL (debug|info|warn|error), defaulting to info.
func New() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
