package envelope

import (
	"bytes"
	"errors"
	"time"

	"github.com/casualjim/topicbus/pkg/uuidx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var emptyObject = []byte(`{}`)

// Parse decodes a wire body into an Envelope. The body must be a JSON object
// with a string event_name and object content and context. Meta is optional,
// missing meta fields get the same defaults NewMeta assigns.
//
// Parse does not validate content or context, see Registry.Validate.
func Parse(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, &ParseError{Reason: "body is not valid json"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, &ParseError{Reason: "body is not a json object"}
	}

	name := root.Get("event_name")
	if !name.Exists() {
		return Envelope{}, &ParseError{Field: "event_name", Reason: "is required"}
	}
	if name.Type != gjson.String {
		return Envelope{}, &ParseError{Field: "event_name", Reason: "must be a string"}
	}

	content, err := objectField(root, "content")
	if err != nil {
		return Envelope{}, err
	}
	context, err := objectField(root, "context")
	if err != nil {
		return Envelope{}, err
	}
	meta, err := parseMeta(root.Get("meta"))
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		EventName: name.String(),
		Content:   content,
		Context:   context,
		Meta:      meta,
	}, nil
}

func objectField(root gjson.Result, field string) (map[string]any, error) {
	v := root.Get(field)
	if !v.Exists() {
		return nil, &ParseError{Field: field, Reason: "is required"}
	}
	if !v.IsObject() {
		return nil, &ParseError{Field: field, Reason: "must be a json object"}
	}
	m, err := decodeObject([]byte(v.Raw))
	if err != nil {
		return nil, &ParseError{Field: field, Reason: "could not be decoded", Err: err}
	}
	return m, nil
}

// decodeObject keeps numbers as json.Number so integers wider than 2^53
// come back with the digits they were sent with.
func decodeObject(raw []byte) (map[string]any, error) {
	m := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseMeta(v gjson.Result) (Meta, error) {
	meta := NewMeta()
	if !v.Exists() || v.Type == gjson.Null {
		return meta, nil
	}
	if !v.IsObject() {
		return Meta{}, &ParseError{Field: "meta", Reason: "must be a json object"}
	}

	if version := v.Get("version"); version.Exists() {
		if version.Type != gjson.Number || version.Float() != float64(version.Int()) {
			return Meta{}, &ParseError{Field: "meta.version", Reason: "must be an integer"}
		}
		meta.Version = int(version.Int())
	}

	if ts := v.Get("timestamp"); ts.Exists() {
		if ts.Type != gjson.String || ts.String() == "" {
			return Meta{}, &ParseError{Field: "meta.timestamp", Reason: "must be a date-time string"}
		}
		dt, err := strfmt.ParseDateTime(ts.String())
		if err != nil {
			return Meta{}, &ParseError{Field: "meta.timestamp", Reason: "must be a date-time string", Err: err}
		}
		meta.Timestamp = normalizeTime(time.Time(dt))
	}

	if sid := v.Get("session_id"); sid.Exists() {
		if sid.Type != gjson.String {
			return Meta{}, &ParseError{Field: "meta.session_id", Reason: "must be a uuid string"}
		}
		id, err := uuidx.Parse(sid.String())
		if err != nil {
			return Meta{}, &ParseError{Field: "meta.session_id", Reason: "must be a uuid string", Err: err}
		}
		meta.SessionID = id
	}

	return meta, nil
}

// Serialize encodes an envelope in its canonical wire form: keys in a fixed
// order, map keys sorted, the timestamp in TimestampFormat and the session id
// in canonical UUID form. Serialize and Parse round-trip losslessly.
//
// Zero meta fields are filled with the defaults NewMeta assigns, so an
// envelope built as a struct literal still serializes to a body Parse accepts.
func Serialize(env Envelope) ([]byte, error) {
	if env.EventName == "" {
		return nil, errors.New("envelope: event name is required")
	}
	meta := withDefaults(env.Meta)

	content, err := encodeObject(env.Content)
	if err != nil {
		return nil, &ParseError{Field: "content", Reason: "could not be encoded", Err: err}
	}
	context, err := encodeObject(env.Context)
	if err != nil {
		return nil, &ParseError{Field: "context", Reason: "could not be encoded", Err: err}
	}

	result := []byte(`{}`)
	result, err = sjson.SetBytes(result, "event_name", env.EventName)
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetRawBytes(result, "content", content)
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetRawBytes(result, "context", context)
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "meta.version", meta.Version)
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "meta.timestamp", meta.Timestamp.Format(TimestampFormat))
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(result, "meta.session_id", meta.SessionID.String())
}

func withDefaults(meta Meta) Meta {
	if meta.Version == 0 {
		meta.Version = DefaultVersion
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = now()
	} else {
		meta.Timestamp = normalizeTime(meta.Timestamp)
	}
	if meta.SessionID == uuid.Nil {
		meta.SessionID = uuidx.New()
	}
	return meta
}

func encodeObject(m map[string]any) ([]byte, error) {
	if m == nil {
		return emptyObject, nil
	}
	return json.Marshal(m)
}
