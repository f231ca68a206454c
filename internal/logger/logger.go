package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var std atomic.Pointer[slog.Logger]

func init() {
	std.Store(New("info", "text", os.Stderr))
}

// New builds a logger for the given level ("debug", "info", "warn", "error")
// and format ("text" or "json"). Unknown levels fall back to info.
func New(levelStr, formatStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if formatStr == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("app", "dtt")
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func SetDefault(l *slog.Logger) {
	if l != nil {
		std.Store(l)
	}
}

func Default() *slog.Logger {
	return std.Load()
}

func SetOutput(output io.Writer) {
	std.Store(New("info", "text", output))
}

func Printf(format string, v ...interface{}) {
	Default().Info(fmt.Sprintf(format, v...))
}

func Println(v ...interface{}) {
	Default().Info(fmt.Sprint(v...))
}

func Fatal(v ...interface{}) {
	Default().Error(fmt.Sprint(v...))
	os.Exit(1)
}

func Fatalf(format string, v ...interface{}) {
	Default().Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}
