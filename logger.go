package framelink

import (
	"io"
	"log/slog"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// DiscardLogger returns a Logger that drops every record.
func DiscardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
