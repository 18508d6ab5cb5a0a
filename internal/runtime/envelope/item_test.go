package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/presto/internal/runtime/jsoncodec"
)

func TestItemIDPreservesForm(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		numeric bool
	}{
		{"string", `"abc-1"`, "abc-1", false},
		{"integer", `42`, "42", true},
		{"large integer", `12345678901234567890`, "12345678901234567890", true},
		{"null", `null`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ItemID
			require.NoError(t, jsoncodec.Unmarshal([]byte(tt.in), &id))
			assert.Equal(t, tt.want, id.String())
			assert.Equal(t, tt.numeric, id.IsNumeric())

			if id.IsZero() {
				return
			}
			out, err := jsoncodec.Marshal(id)
			require.NoError(t, err)
			assert.Equal(t, tt.in, string(out))
		})
	}
}

func TestItemIDRejectsObjects(t *testing.T) {
	var id ItemID
	assert.Error(t, jsoncodec.Unmarshal([]byte(`{"a":1}`), &id))
}

func TestItemIDConstructors(t *testing.T) {
	assert.Equal(t, "7", IntID(7).String())
	assert.True(t, IntID(7).IsNumeric())
	assert.False(t, StringID("x").IsNumeric())
	assert.True(t, ItemID{}.IsZero())
}

func TestGenericItemMarshalDefaults(t *testing.T) {
	item := GenericItem{ID: StringID("1"), Text: "hello"}

	data, err := jsoncodec.Marshal(item)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","text":"hello","raw":{},"parameters":{},"result":{}}`, string(data))
}

func TestGenericItemKeepsUndecodedResult(t *testing.T) {
	in := `{"id":3,"url":"https://example.com/a.jpg","raw":{},"parameters":{},"result":{"hash_value":"abc"}}`

	var item GenericItem
	require.NoError(t, jsoncodec.Unmarshal([]byte(in), &item))
	assert.Nil(t, item.Result)
	assert.JSONEq(t, `{"hash_value":"abc"}`, string(item.RawResult()))

	out, err := jsoncodec.Marshal(item)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestGenericItemEmptyResultIsDropped(t *testing.T) {
	var item GenericItem
	require.NoError(t, jsoncodec.Unmarshal([]byte(`{"id":"a","result":{}}`), &item))
	assert.Empty(t, item.RawResult())
}

func TestGenericItemParameter(t *testing.T) {
	item := GenericItem{Parameters: map[string]any{"top_n": 5.0}}

	v, ok := item.Parameter("top_n")
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)

	_, ok = item.Parameter("missing")
	assert.False(t, ok)
}
