package main

import (
	"log/slog"

	"github.com/nebari-dev/nebari-session-init/pkg/status"
)

// statusLogHandler returns a status.Handler that logs updates using slog.
// This keeps the logging concern in the application layer while reusing
// the status package's channel management.
func statusLogHandler() status.Handler {
	return func(update status.Update) {
		attrs := []any{
			"message", update.Message,
		}

		if update.Repository != "" {
			attrs = append(attrs, "repository", update.Repository)
		}

		switch update.Level {
		case status.LevelInfo:
			slog.Info("Status", attrs...)
		case status.LevelProgress:
			slog.Info("Progress", attrs...)
		case status.LevelSuccess:
			slog.Info("Success", attrs...)
		case status.LevelWarning:
			slog.Warn("Warning", attrs...)
		default:
			slog.Info("Status", attrs...)
		}
	}
}
