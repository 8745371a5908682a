package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "surrounding prose", in: "Sure! {\"a\":1} Hope this helps.", want: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}
}

func TestDecodeObject_Repairs(t *testing.T) {
	obj, err := DecodeObject(`{"action": "click", "selector": "#apply",}`)
	require.NoError(t, err)
	assert.Equal(t, "click", obj["action"])
	assert.Equal(t, "#apply", obj["selector"])
}

func TestExtractJSON_NoObject(t *testing.T) {
	_, err := ExtractJSON("no json here")
	assert.ErrorIs(t, err, ErrNoJSON)
}
