package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. When LogFile is set, output is rotated
// through lumberjack; otherwise it goes to stderr.
func (c *Config) NewLogger() *slog.Logger {
	var out io.Writer = os.Stderr
	if c.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: ParseLogLevel(c.LogLevel),
	})
	return slog.New(handler)
}

// ParseLogLevel maps a LOG_LEVEL string to a slog level. Unknown values fall
// back to info.
func ParseLogLevel(s string) slog.Level {
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
