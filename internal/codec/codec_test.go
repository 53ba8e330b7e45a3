package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_KeyOrderIndependent(t *testing.T) {
	a := Payload{"b": 1, "a": 2, "c": map[string]interface{}{"y": 1, "x": 2}}
	b := Payload{"c": map[string]interface{}{"x": 2, "y": 1}, "a": 2, "b": 1}

	ab, err := Canonical(a)
	require.NoError(t, err)
	bb, err := Canonical(b)
	require.NoError(t, err)
	assert.Equal(t, string(ab), string(bb))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Payload{"a": 1, "b": 2}, Payload{"b": 2, "a": 1}))
	assert.False(t, Equal(Payload{"a": 1}, Payload{"a": 2}))
}

func TestDecodePayload_RejectsNonObject(t *testing.T) {
	_, err := DecodePayload([]byte(`[1,2,3]`))
	assert.Error(t, err)

	p, err := DecodePayload([]byte(`{"name":"Alice","age":30}`))
	require.NoError(t, err)
	assert.Equal(t, float64(30), p["age"])
}

func TestClone_IsIndependent(t *testing.T) {
	original := Payload{"nested": map[string]interface{}{"v": float64(1)}}
	cloned := Clone(original)

	cloned["nested"].(map[string]interface{})["v"] = float64(2)
	assert.Equal(t, float64(1), original["nested"].(map[string]interface{})["v"])
}
