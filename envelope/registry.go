package envelope

import (
	"maps"
	"slices"
)

// ContentSchemas maps event names to the schema of their content.
type ContentSchemas map[string]*Schema

// Registry holds the schemas inbound envelopes are validated against. It is
// immutable once built and safe for concurrent use.
type Registry struct {
	content ContentSchemas
	context *Schema
}

// NewRegistry builds a registry from a content schema per event name and one
// context schema shared by every event. A nil argument leaves that piece
// unset, and validation then fails with a *ConfigError.
func NewRegistry(content ContentSchemas, context *Schema) *Registry {
	r := &Registry{context: context}
	if content != nil {
		r.content = maps.Clone(content)
	}
	return r
}

// ContentSchema returns the content schema registered for an event name.
func (r *Registry) ContentSchema(eventName string) (*Schema, bool) {
	if r == nil || r.content == nil {
		return nil, false
	}
	s, ok := r.content[eventName]
	return s, ok && s != nil
}

// EventNames returns the event names with a content schema, sorted.
func (r *Registry) EventNames() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.content))
}

// Validate checks the envelope's content against the schema registered for
// its event name and its context against the shared context schema.
// The envelope is returned unchanged on success.
func (r *Registry) Validate(env Envelope) (Envelope, error) {
	switch {
	case r == nil:
		return Envelope{}, &ConfigError{Missing: "schema registry"}
	case r.content == nil:
		return Envelope{}, &ConfigError{Missing: "content schema set"}
	case r.context == nil:
		return Envelope{}, &ConfigError{Missing: "context schema"}
	}

	schema, ok := r.ContentSchema(env.EventName)
	if !ok {
		return Envelope{}, &ValidationError{
			EventName: env.EventName,
			Path:      "/event_name",
			Reason:    "no content schema registered for this event",
		}
	}
	if err := schema.validate(env.EventName, "content", env.Content); err != nil {
		return Envelope{}, err
	}
	if err := r.context.validate(env.EventName, "context", env.Context); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ParseAndValidate parses a wire body and validates the result.
func ParseAndValidate(r *Registry, data []byte) (Envelope, error) {
	env, err := Parse(data)
	if err != nil {
		return Envelope{}, err
	}
	return r.Validate(env)
}
