package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Stringer creates a slog.Attr with the provided key and the string representation
// of the given fmt.Stringer value. Used for the state enums (connection status,
// election state) so they log as words rather than numbers.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// Topic returns the attribute used for topics and topic filters.
func Topic(topic string) slog.Attr {
	return slog.String("topic", topic)
}

// Topics returns the attribute used when an operation covers several topics at once.
func Topics(topics []string) slog.Attr {
	return slog.Any("topics", topics)
}

// ContextID returns the attribute identifying a local member (context identity).
func ContextID(id string) slog.Attr {
	return slog.String("context_id", id)
}

const (
	// KeyLoggerName is the key for the component name attached to every logger.
	KeyLoggerName = "logger"
)

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Logger returns l scoped with the given component name, falling back to
// slog.Default when l is nil.
func Logger(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(LoggerName(name))
}
