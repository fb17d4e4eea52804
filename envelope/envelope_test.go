package envelope

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventPayload = `{
	"event_name": "a-domain.an-event",
	"content": {"name": "test-name", "text": "test-text"},
	"context": {"channel": "test-channel", "channel_user": {"name": "test-user", "id": 24}}
}`

func TestNewBindsDefaultsPerInstance(t *testing.T) {
	e1 := New("a.b", nil, nil)
	e2 := New("a.b", nil, nil)

	assert.Equal(t, DefaultVersion, e1.Meta.Version)
	assert.NotEqual(t, uuid.Nil, e1.Meta.SessionID)
	assert.NotEqual(t, e1.Meta.SessionID, e2.Meta.SessionID)
	assert.False(t, e1.Meta.Timestamp.After(e2.Meta.Timestamp))
	assert.Equal(t, time.UTC, e1.Meta.Timestamp.Location())
	assert.Equal(t, map[string]any{}, e1.Content)
	assert.Equal(t, map[string]any{}, e1.Context)

	// reading the metadata again must not change it
	assert.Equal(t, e1.Meta, e1.Meta)
}

func TestParse(t *testing.T) {
	env, err := Parse([]byte(eventPayload))
	require.NoError(t, err)

	assert.Equal(t, "a-domain.an-event", env.EventName)
	assert.Equal(t, "test-name", env.Content["name"])
	assert.Equal(t, "test-text", env.Content["text"])
	assert.Equal(t, "test-channel", env.Context["channel"])
	user := env.Context["channel_user"].(map[string]any)
	assert.Equal(t, "test-user", user["name"])
	assert.Equal(t, json.Number("24"), user["id"])
	assert.Equal(t, DefaultVersion, env.Meta.Version)
	assert.NotEqual(t, uuid.Nil, env.Meta.SessionID)

	domain, typ, err := env.Split()
	require.NoError(t, err)
	assert.Equal(t, "a-domain", domain)
	assert.Equal(t, "an-event", typ)
}

func TestParseMeta(t *testing.T) {
	t.Run("explicit meta", func(t *testing.T) {
		sid := uuid.New()
		body := `{"event_name":"a.b","content":{},"context":{},"meta":{"version":3,"timestamp":"2018-04-10T11:22:33.123456Z","session_id":"` + sid.String() + `"}}`
		env, err := Parse([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, 3, env.Meta.Version)
		assert.Equal(t, time.Date(2018, 4, 10, 11, 22, 33, 123456000, time.UTC), env.Meta.Timestamp)
		assert.Equal(t, sid, env.Meta.SessionID)
	})

	t.Run("timestamp with offset is normalized to utc", func(t *testing.T) {
		body := `{"event_name":"a.b","content":{},"context":{},"meta":{"timestamp":"2018-04-10T13:22:33.5+02:00"}}`
		env, err := Parse([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, time.Date(2018, 4, 10, 11, 22, 33, 500000000, time.UTC), env.Meta.Timestamp)
	})

	t.Run("partial meta gets defaults", func(t *testing.T) {
		body := `{"event_name":"a.b","content":{},"context":{},"meta":{"version":2}}`
		env, err := Parse([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, 2, env.Meta.Version)
		assert.False(t, env.Meta.Timestamp.IsZero())
		assert.NotEqual(t, uuid.Nil, env.Meta.SessionID)
	})

	t.Run("independent parses get distinct defaults", func(t *testing.T) {
		e1, err := Parse([]byte(eventPayload))
		require.NoError(t, err)
		e2, err := Parse([]byte(eventPayload))
		require.NoError(t, err)
		assert.NotEqual(t, e1.Meta.SessionID, e2.Meta.SessionID)
	})
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "invalid json", body: `{"event_name":`},
		{name: "not an object", body: `[1,2,3]`},
		{name: "missing event name", body: `{"content":{},"context":{}}`, field: "event_name"},
		{name: "event name not a string", body: `{"event_name":1,"content":{},"context":{}}`, field: "event_name"},
		{name: "missing content", body: `{"event_name":"a.b","context":{}}`, field: "content"},
		{name: "content not an object", body: `{"event_name":"a.b","content":[],"context":{}}`, field: "content"},
		{name: "missing context", body: `{"event_name":"a.b","content":{}}`, field: "context"},
		{name: "meta not an object", body: `{"event_name":"a.b","content":{},"context":{},"meta":"x"}`, field: "meta"},
		{name: "fractional version", body: `{"event_name":"a.b","content":{},"context":{},"meta":{"version":1.5}}`, field: "meta.version"},
		{name: "bad timestamp", body: `{"event_name":"a.b","content":{},"context":{},"meta":{"timestamp":"yesterday"}}`, field: "meta.timestamp"},
		{name: "bad session id", body: `{"event_name":"a.b","content":{},"context":{},"meta":{"session_id":"nope"}}`, field: "meta.session_id"},
		{
			name:  "legacy message shape",
			body:  `{"message_type":"integration-request","bot_slug":"slow-slug","content":{},"channel":"fbmessenger"}`,
			field: "event_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.field, perr.Field)
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	env := New("a.b", map[string]any{"x": json.Number("1")}, map[string]any{"y": json.Number("2.5")})

	raw, err := Serialize(env)
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, env, parsed)

	again, err := Serialize(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(again))
}

func TestSerializeKeepsIntegers(t *testing.T) {
	env := New("a.b", map[string]any{"x": 1, "id": uint64(9007199254740993)}, nil)

	raw, err := Serialize(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":9007199254740993`)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), parsed.Content["x"])
	assert.Equal(t, json.Number("9007199254740993"), parsed.Content["id"])

	again, err := Serialize(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(again))

	var out struct {
		X  int    `json:"x"`
		ID uint64 `json:"id"`
	}
	require.NoError(t, parsed.DecodeContent(&out))
	assert.Equal(t, 1, out.X)
	assert.Equal(t, uint64(9007199254740993), out.ID)
}

func TestSerializeFillsZeroMeta(t *testing.T) {
	raw, err := Serialize(Envelope{EventName: "a.b"})
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "a.b", parsed.EventName)
	assert.Equal(t, DefaultVersion, parsed.Meta.Version)
	assert.NotEqual(t, uuid.Nil, parsed.Meta.SessionID)
	assert.False(t, parsed.Meta.Timestamp.IsZero())
	assert.Equal(t, map[string]any{}, parsed.Content)
	assert.Equal(t, map[string]any{}, parsed.Context)

	sid := uuid.New()
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.FixedZone("x", 3600))
	raw, err = Serialize(Envelope{EventName: "a.b", Meta: Meta{Timestamp: ts, SessionID: sid}})
	require.NoError(t, err)
	parsed, err = Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, parsed.Meta.Version)
	assert.Equal(t, sid, parsed.Meta.SessionID)
	assert.Equal(t, ts.UTC().Truncate(time.Microsecond), parsed.Meta.Timestamp)
}

func TestSerializeRoundTripFromWire(t *testing.T) {
	env, err := Parse([]byte(eventPayload))
	require.NoError(t, err)

	raw, err := Serialize(env)
	require.NoError(t, err)
	parsed, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, env.Meta.Timestamp, parsed.Meta.Timestamp)
	assert.Equal(t, env.Meta.SessionID, parsed.Meta.SessionID)
	assert.Equal(t, env, parsed)
}

func TestSerializeFormat(t *testing.T) {
	sid := uuid.MustParse("6f1b6c36-1f8e-4cf4-9e1c-2d0b9a1f2a3b")
	env := Envelope{
		EventName: "a.b",
		Content:   map[string]any{"b": 2, "a": 1},
		Meta: Meta{
			Version:   1,
			Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC),
			SessionID: sid,
		},
	}

	raw, err := Serialize(env)
	require.NoError(t, err)
	assert.Equal(t,
		`{"event_name":"a.b","content":{"a":1,"b":2},"context":{},"meta":{"version":1,"timestamp":"2024-01-02T03:04:05.000006Z","session_id":"6f1b6c36-1f8e-4cf4-9e1c-2d0b9a1f2a3b"}}`,
		string(raw))

	_, err = Serialize(Envelope{})
	assert.Error(t, err)

	_, err = Serialize(Envelope{EventName: "a.b", Content: map[string]any{"ch": make(chan int)}})
	assert.Error(t, err)
}

func TestJSONInterfaces(t *testing.T) {
	env := New("a.b", map[string]any{"x": "y"}, nil)

	viaMarshal, err := json.Marshal(env)
	require.NoError(t, err)
	direct, err := Serialize(env)
	require.NoError(t, err)
	assert.JSONEq(t, string(direct), string(viaMarshal))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(viaMarshal, &decoded))
	assert.Equal(t, env, decoded)
}

type greeting struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func TestFromValuesAndDecode(t *testing.T) {
	env, err := FromValues("chat.greeting", greeting{Name: "n", Text: "t"}, map[string]any{"channel": "web"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "n", "text": "t"}, env.Content)

	var g greeting
	require.NoError(t, env.DecodeContent(&g))
	assert.Equal(t, greeting{Name: "n", Text: "t"}, g)

	var ctx struct {
		Channel string `json:"channel"`
	}
	require.NoError(t, env.DecodeContext(&ctx))
	assert.Equal(t, "web", ctx.Channel)

	_, err = FromValues("chat.greeting", []string{"not", "an", "object"}, nil)
	assert.Error(t, err)
}
