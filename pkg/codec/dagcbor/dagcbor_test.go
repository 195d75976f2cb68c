package dagcbor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDeterministic(t *testing.T) {
	m := map[string]interface{}{
		"zebra": 1,
		"apple": 2,
		"mango": 3,
	}

	first, err := Marshal(m)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Marshal(m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRoundTrip(t *testing.T) {
	type record struct {
		Name  string            `cbor:"name"`
		Size  uint64            `cbor:"size"`
		Tags  map[string]string `cbor:"tags"`
		Bytes []byte            `cbor:"bytes"`
	}

	in := record{
		Name:  "object",
		Size:  42,
		Tags:  map[string]string{"a": "1", "b": "2"},
		Bytes: []byte{0x01, 0x02, 0x03},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestIsCanonical(t *testing.T) {
	data, err := Marshal(map[string]int{"k1": 1, "k2": 2})
	require.NoError(t, err)
	assert.True(t, IsCanonical(data))

	assert.False(t, IsCanonical([]byte{0xff, 0xff}))
}

func TestCanonicalBytesNormalizes(t *testing.T) {
	// 0xA2 map with keys out of canonical order: {"b": 1, "a": 2}
	nonCanonical := []byte{0xa2, 0x61, 'b', 0x01, 0x61, 'a', 0x02}

	canonical, err := CanonicalBytes(nonCanonical)
	require.NoError(t, err)

	// Keys must come back sorted: {"a": 2, "b": 1}
	want := []byte{0xa2, 0x61, 'a', 0x02, 0x61, 'b', 0x01}
	assert.Equal(t, want, canonical)
}
