package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name  string
	Score int
	Tags  []string
}

func TestCodecsRoundTrip(t *testing.T) {
	want := profile{Name: "muninn", Score: 42, Tags: []string{"raven", "memory"}}

	for _, serializerType := range []string{JSONType, GobType} {
		t.Run(serializerType, func(t *testing.T) {
			codec, err := Lookup(serializerType)
			require.NoError(t, err)

			data, err := codec.Marshal(want)
			require.NoError(t, err)

			var got profile
			require.NoError(t, codec.Unmarshal(data, &got))
			assert.Equal(t, want, got)
		})
	}
}

func TestLookupUnknownType(t *testing.T) {
	_, err := Lookup("yaml")
	assert.Error(t, err)
}

func TestUnmarshalInvalidData(t *testing.T) {
	codec, err := Lookup(JSONType)
	require.NoError(t, err)

	var got profile
	assert.Error(t, codec.Unmarshal([]byte("{not json"), &got))
}

func TestJSONRejectsUnknownFields(t *testing.T) {
	codec, err := Lookup(JSONType)
	require.NoError(t, err)

	var got profile
	assert.Error(t, codec.Unmarshal([]byte(`{"Name":"muninn","Wings":2}`), &got))
}
