package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Name string `json:"name"`
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSONCodec{}
	in := greeting{Name: "World"}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out greeting
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestSelectorForRequestContentType(t *testing.T) {
	s := NewSelector()

	c, err := s.ForRequest("application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	_, err = s.ForRequest("application/x-unknown", nil)
	require.Error(t, err)
}

func TestSelectorForRequestSniffsJSONBody(t *testing.T) {
	s := NewSelector()

	c, err := s.ForRequest("", []byte(`{"name":"World"}`))
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	c, err = s.ForRequest("", []byte(`not json`))
	require.NoError(t, err)
	assert.Equal(t, s.Default.ContentType(), c.ContentType())
}

func TestSelectorForResponseHonorsQuality(t *testing.T) {
	s := NewSelector()

	c := s.ForResponse("application/x-protobuf;q=0.2, application/json;q=0.9")
	assert.Equal(t, "application/json", c.ContentType())

	c = s.ForResponse("application/x-protobuf;q=0")
	assert.Equal(t, s.Default.ContentType(), c.ContentType())
}
