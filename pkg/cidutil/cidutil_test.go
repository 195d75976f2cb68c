package cidutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCidRoundTrip(t *testing.T) {
	data := []byte("Hello, World!")

	for _, codec := range []Codec{Raw, DagCBOR, DagPB, DagJSON} {
		t.Run(codec.Name(), func(t *testing.T) {
			c := NewCid(data, codec)
			assert.True(t, Verify(data, c))

			got, ok := CodecOf(c)
			require.True(t, ok)
			assert.Equal(t, codec, got)
		})
	}
}

func TestCidConsistency(t *testing.T) {
	data := []byte("test data")
	c1 := NewCid(data, Raw)
	c2 := NewCid(data, Raw)
	assert.True(t, c1.Equals(c2))
}

func TestCodecIsPartOfIdentity(t *testing.T) {
	data := []byte("same bytes")
	raw := NewCid(data, Raw)
	cbor := NewCid(data, DagCBOR)
	assert.False(t, raw.Equals(cbor))
}

func TestDifferentDataDifferentCid(t *testing.T) {
	c1 := NewCid([]byte("data1"), Raw)
	c2 := NewCid([]byte("data2"), Raw)
	assert.False(t, c1.Equals(c2))
}

func TestVerifyRejectsWrongData(t *testing.T) {
	c := NewCid([]byte("verify me"), Raw)
	assert.True(t, Verify([]byte("verify me"), c))
	assert.False(t, Verify([]byte("wrong data"), c))
}

func TestParseRoundTrip(t *testing.T) {
	c := NewCid([]byte("text form"), DagCBOR)
	parsed, err := Parse(c.String())
	require.NoError(t, err)
	assert.True(t, c.Equals(parsed))
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "not-a-cid", "bafy!!!", "zzzz"} {
		_, err := Parse(input)
		var invalidErr *InvalidCidError
		assert.ErrorAs(t, err, &invalidErr, "input %q", input)
	}
}

func TestDigestOf(t *testing.T) {
	data := []byte("digest check")
	c := NewCid(data, Raw)

	digest, err := DigestOf(c)
	require.NoError(t, err)

	want := Hash(data)
	assert.Equal(t, want[:], digest)
}

func TestKeyedHashDiffersFromPlain(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 1
	data := []byte("keyed")

	plain := Hash(data)
	keyed := KeyedHash(key, data)
	assert.NotEqual(t, plain, keyed)

	again := KeyedHash(key, data)
	assert.Equal(t, keyed, again)
}
