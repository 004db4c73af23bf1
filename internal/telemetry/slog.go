// slog.go installs the process-wide structured logger from the logging config
// section. Every package in the service logs through the slog default, so this
// runs first in serve() before any service is constructed.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger builds a JSON or text handler at the configured level and sets
// it as the slog default. Unknown formats fall back to text, unknown levels to
// info; source locations are emitted only at debug level.
func SetupLogger(format, level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}
