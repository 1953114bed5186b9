package telemetry

import (
	"log/slog"
	"os"
)

// InitSlog replaces the default slog handler. Debug mode turns on
// LevelDebug, which also makes resty instrumentation log request ids.
func InitSlog(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
