// Package logging builds the process-wide structured logger. Output is
// JSON on stdout; credential-bearing attributes are masked before they
// reach the handler.
package logging

import (
	"log/slog"
	"os"
)

// Init installs the default slog logger and returns it. Every line
// carries the service id.
func Init(serviceID string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redactAttr,
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts)).With("service_id", serviceID)
	slog.SetDefault(logger)
	return logger
}
