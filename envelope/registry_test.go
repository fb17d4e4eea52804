package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contentSchemaDoc = []byte(`{
	"$schema": "http://json-schema.org/draft-06/schema#",
	"title": "Request",
	"description": "A test request",
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"text": {"type": "string"}
	}
}`)

var contextSchemaDoc = []byte(`{
	"$schema": "http://json-schema.org/draft-06/schema#",
	"title": "ShopContext",
	"description": "A test context",
	"type": "object",
	"properties": {
		"channel": {"type": "string"},
		"channel_user": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"id": {"type": "number"}
			}
		}
	}
}`)

func fixtures(t *testing.T) (ContentSchemas, *Schema) {
	t.Helper()
	content, err := CompileSchemas(map[string][]byte{
		"a-domain.an-event":            contentSchemaDoc,
		"other-domain.to-be-listened": contentSchemaDoc,
	})
	require.NoError(t, err)
	context, err := CompileSchema("context", contextSchemaDoc)
	require.NoError(t, err)
	return content, context
}

func TestValidateFailsClosedWithoutSchemas(t *testing.T) {
	content, context := fixtures(t)
	env, err := Parse([]byte(eventPayload))
	require.NoError(t, err)

	tests := []struct {
		name    string
		reg     *Registry
		missing string
	}{
		{name: "nil registry", reg: nil, missing: "schema registry"},
		{name: "empty registry", reg: NewRegistry(nil, nil), missing: "content schema set"},
		{name: "only content", reg: NewRegistry(content, nil), missing: "context schema"},
		{name: "only context", reg: NewRegistry(nil, context), missing: "content schema set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.reg.Validate(env)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.missing, cerr.Missing)
		})
	}
}

func TestValidate(t *testing.T) {
	content, context := fixtures(t)
	reg := NewRegistry(content, context)

	t.Run("happy path", func(t *testing.T) {
		env := New("a-domain.an-event",
			map[string]any{"name": "n", "text": "t"},
			map[string]any{"channel": "c"})
		got, err := reg.Validate(env)
		require.NoError(t, err)
		assert.Equal(t, env, got)
	})

	t.Run("parse and validate", func(t *testing.T) {
		env, err := ParseAndValidate(reg, []byte(eventPayload))
		require.NoError(t, err)
		assert.Equal(t, "a-domain.an-event", env.EventName)
	})

	t.Run("content mismatch", func(t *testing.T) {
		env := New("a-domain.an-event", map[string]any{"name": 5}, nil)
		_, err := reg.Validate(env)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "/content/name", verr.Path)
		assert.Equal(t, "a-domain.an-event", verr.EventName)
		assert.NotEmpty(t, verr.Reason)
	})

	t.Run("context mismatch", func(t *testing.T) {
		env := New("a-domain.an-event",
			map[string]any{"name": "n"},
			map[string]any{"channel_user": map[string]any{"id": "not a number"}})
		_, err := reg.Validate(env)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "/context/channel_user/id", verr.Path)
	})

	t.Run("unknown event fails closed", func(t *testing.T) {
		env := New("nobody.registered", map[string]any{}, nil)
		_, err := reg.Validate(env)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "/event_name", verr.Path)
	})

	t.Run("parse errors surface before validation", func(t *testing.T) {
		_, err := ParseAndValidate(reg, []byte(`not json`))
		var perr *ParseError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestRegistryIsImmutable(t *testing.T) {
	content, context := fixtures(t)
	reg := NewRegistry(content, context)
	delete(content, "a-domain.an-event")

	_, ok := reg.ContentSchema("a-domain.an-event")
	assert.True(t, ok)
	assert.Equal(t, []string{"a-domain.an-event", "other-domain.to-be-listened"}, reg.EventNames())
}

func TestSchemaFor(t *testing.T) {
	s, err := SchemaFor[greeting]()
	require.NoError(t, err)
	context, err := CompileSchema("context", []byte(`{"type":"object"}`))
	require.NoError(t, err)
	reg := NewRegistry(ContentSchemas{"chat.greeting": s}, context)

	_, err = reg.Validate(New("chat.greeting", map[string]any{"name": "n", "text": "t"}, nil))
	require.NoError(t, err)

	_, err = reg.Validate(New("chat.greeting", map[string]any{"name": "n"}, nil))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr, "reflected struct fields are required")

	_, err = reg.Validate(New("chat.greeting", map[string]any{"name": true, "text": "t"}, nil))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "/content/name", verr.Path)
}

func TestCompileSchemaErrors(t *testing.T) {
	_, err := CompileSchema("broken", []byte(`{"type":`))
	assert.Error(t, err)

	_, err = CompileSchema("bad-keyword", []byte(`{"type": 12}`))
	assert.Error(t, err)

	_, err = CompileSchemas(map[string][]byte{"a.b": []byte(`{}`), "c.d": []byte(`nope`)})
	assert.Error(t, err)

	assert.Panics(t, func() { MustCompileSchema("x", []byte(`][`)) })
}
