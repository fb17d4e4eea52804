package jsonx

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// ToDynamicJSON converts any Go value to a dynamic JSON object represented as a map[string]any.
// It first marshals the input value to JSON bytes and then unmarshals those bytes into a map,
// so numbers come back as json.Number and nested structs as maps.
//
// A nil input yields an empty map. Values that do not encode to a JSON object are rejected.
func ToDynamicJSON(val any) (map[string]any, error) {
	if val == nil {
		return map[string]any{}, nil
	}
	if m, ok := val.(map[string]any); ok && m == nil {
		return map[string]any{}, nil
	}

	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		return nil, fmt.Errorf("value of type %T does not encode to a json object", val)
	}

	result := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err = dec.Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// Encode returns the wire form of a payload. Byte slices, strings and
// json.RawMessage values are returned untouched, anything else is encoded as JSON.
func Encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return b, nil
	}
}
