package envelope

import (
	"fmt"
	"time"

	"github.com/casualjim/topicbus/pkg/jsonx"
	"github.com/casualjim/topicbus/pkg/uuidx"
	"github.com/casualjim/topicbus/routing"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DefaultVersion is the envelope format version assigned by NewMeta.
const DefaultVersion = 1

// TimestampFormat is the wire format of meta.timestamp. Timestamps are kept in
// UTC with microsecond precision so they survive a serialize/parse round trip.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Meta carries envelope bookkeeping.
type Meta struct {
	Version   int
	Timestamp time.Time
	SessionID uuid.UUID
}

// NewMeta returns metadata with the default version, the current time and a
// freshly generated session id.
func NewMeta() Meta {
	return Meta{
		Version:   DefaultVersion,
		Timestamp: now(),
		SessionID: uuidx.New(),
	}
}

func now() time.Time {
	return normalizeTime(time.Now())
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Envelope is the structured message exchanged on the bus.
type Envelope struct {
	EventName string
	Content   map[string]any
	Context   map[string]any
	Meta      Meta
}

// New builds an envelope. Its metadata defaults are bound here, so two
// envelopes built independently carry distinct timestamps and session ids.
func New(eventName string, content, context map[string]any) Envelope {
	if content == nil {
		content = map[string]any{}
	}
	if context == nil {
		context = map[string]any{}
	}
	return Envelope{
		EventName: eventName,
		Content:   content,
		Context:   context,
		Meta:      NewMeta(),
	}
}

// FromValues builds an envelope from arbitrary Go values for content and
// context. Both are converted to their JSON object form, so typed payload
// structs can be emitted directly.
func FromValues(eventName string, content, context any) (Envelope, error) {
	c, err := jsonx.ToDynamicJSON(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("content: %w", err)
	}
	x, err := jsonx.ToDynamicJSON(context)
	if err != nil {
		return Envelope{}, fmt.Errorf("context: %w", err)
	}
	return New(eventName, c, x), nil
}

// Split returns the domain and type of the envelope's event name.
func (e Envelope) Split() (domain, typ string, err error) {
	return routing.Split(e.EventName)
}

// DecodeContent decodes the content into v, typically a pointer to the payload
// struct registered for the event name.
func (e Envelope) DecodeContent(v any) error {
	return decodeInto(e.Content, v)
}

// DecodeContext decodes the context into v.
func (e Envelope) DecodeContext(v any) error {
	return decodeInto(e.Context, v)
}

func decodeInto(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// MarshalJSON implements json.Marshaler using the canonical wire encoding.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return Serialize(e)
}

// UnmarshalJSON implements json.Unmarshaler. It parses but does not validate.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	env, err := Parse(data)
	if err != nil {
		return err
	}
	*e = env
	return nil
}
