package slogx

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttrs(t *testing.T) {
	assert.Equal(t, slog.String("error", "boom"), Error(errors.New("boom")))
	assert.Equal(t, slog.String("error", "<nil>"), Error(nil))
	assert.Equal(t, slog.String("body", "{}"), ByteString("body", []byte("{}")))
	assert.Equal(t, slog.String(KeyEventName, "a.b"), EventName("a.b"))
	assert.Equal(t, slog.String(KeyExchange, "a"), Exchange("a"))
	assert.Equal(t, slog.String(KeyQueue, "a.b.c"), Queue("a.b.c"))
	assert.Equal(t, slog.Uint64(KeyDeliveryTag, 42), DeliveryTag(42))
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	Named(base, "topicbus.broker").Info("hello")
	assert.Contains(t, buf.String(), "logger=topicbus.broker")

	assert.NotNil(t, Named(nil, "x"))
}
