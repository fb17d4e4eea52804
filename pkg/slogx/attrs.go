package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// ByteString creates a slog.Attr with the given key and a string representation of the byte slice value.
func ByteString(key string, value []byte) slog.Attr {
	return slog.String(key, string(value))
}

// Stringer creates a slog.Attr with the provided key and the string representation
// of the given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

const (
	// KeyLoggerName is the key for the component logger name.
	KeyLoggerName = "logger"
	// KeyEventName is the key for event names.
	KeyEventName = "event_name"
	// KeyExchange is the key for broker exchange names.
	KeyExchange = "exchange"
	// KeyQueue is the key for broker queue names.
	KeyQueue = "queue"
	// KeyDeliveryTag is the key for broker delivery tags.
	KeyDeliveryTag = "delivery_tag"
)

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// EventName creates a slog.Attr for an event name.
func EventName(name string) slog.Attr {
	return slog.String(KeyEventName, name)
}

// Exchange creates a slog.Attr for an exchange name.
func Exchange(name string) slog.Attr {
	return slog.String(KeyExchange, name)
}

// Queue creates a slog.Attr for a queue name.
func Queue(name string) slog.Attr {
	return slog.String(KeyQueue, name)
}

// DeliveryTag creates a slog.Attr for a delivery tag.
func DeliveryTag(tag uint64) slog.Attr {
	return slog.Uint64(KeyDeliveryTag, tag)
}

// Named returns a logger derived from base (or slog.Default when base is nil)
// that carries the given logger name.
func Named(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(LoggerName(name))
}
