package jsonx

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToDynamicJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    map[string]any
		wantErr bool
	}{
		{
			name: "simple struct",
			input: struct {
				Name string `json:"name"`
				Age  int    `json:"age"`
			}{
				Name: "test",
				Age:  30,
			},
			want: map[string]any{
				"name": "test",
				"age":  json.Number("30"),
			},
		},
		{
			name:  "map with ints",
			input: map[string]any{"x": 1, "nested": map[string]int{"y": 2}},
			want:  map[string]any{"x": json.Number("1"), "nested": map[string]any{"y": json.Number("2")}},
		},
		{
			name:  "wide integer keeps its digits",
			input: map[string]uint64{"id": 9007199254740993},
			want:  map[string]any{"id": json.Number("9007199254740993")},
		},
		{
			name:  "nil",
			input: nil,
			want:  map[string]any{},
		},
		{
			name:    "not an object",
			input:   []int{1, 2},
			wantErr: true,
		},
		{
			name:    "invalid input",
			input:   make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToDynamicJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b))

	b, err = Encode("already text")
	require.NoError(t, err)
	assert.Equal(t, "already text", string(b))

	b, err = Encode(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))

	_, err = Encode(make(chan int))
	assert.Error(t, err)
}
