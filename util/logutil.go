package util

import (
	"log/slog"
	"os"
	"strings"
)

// InitSlog installs the process-wide text logger on stderr. The level
// defaults to info and can be overridden with the LOG_LEVEL environment
// variable (debug, info, warn, error).
func InitSlog() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
