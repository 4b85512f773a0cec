package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

var L *slog.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil)) // Global logger instance

// ParseLevel maps a LOG_LEVEL string to a slog level, defaulting to info.
func ParseLevel(logLevelStr string) (slog.Level, bool) {
	switch strings.ToLower(logLevelStr) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// InitLogger initializes the global logger.
// Call this once at application startup, after loading config.
func InitLogger(logLevelStr string) {
	InitLoggerWithOutput(logLevelStr, os.Stdout)
}

// InitLoggerWithOutput is InitLogger writing to w instead of stdout.
func InitLoggerWithOutput(logLevelStr string, w io.Writer) {
	level, ok := ParseLevel(logLevelStr)
	if !ok {
		slog.Warn("Invalid LOG_LEVEL specified, defaulting to INFO", "configuredLevel", logLevelStr)
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	L = slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(L)
	L.Info("Logger initialized", "level", level.String())
}
