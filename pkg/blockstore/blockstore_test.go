package blockstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/functionland/fula-store/pkg/cidutil"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	data := []byte("Hello, World!")
	c, err := store.PutBlock(ctx, data)
	require.NoError(t, err)

	has, err := store.HasBlock(ctx, c)
	require.NoError(t, err)
	assert.True(t, has)

	got, err := store.GetBlock(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, err := store.BlockSize(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), size)
}

// Putting identical bytes twice yields the same CID and one stored copy.
func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	c1, err := store.PutBlock(ctx, []byte("Hello, World!"))
	require.NoError(t, err)
	c2, err := store.PutBlock(ctx, []byte("Hello, World!"))
	require.NoError(t, err)

	assert.True(t, c1.Equals(c2))
	assert.Equal(t, 1, store.Len())
}

func TestGetMissingBlock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	missing := cidutil.NewCid([]byte("never stored"), cidutil.Raw)
	_, err := store.GetBlock(ctx, missing)
	assert.True(t, IsNotFound(err))

	_, err = store.BlockSize(ctx, missing)
	assert.True(t, IsNotFound(err))
}

func TestDeleteBlock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	c, err := store.PutBlock(ctx, []byte("delete me"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteBlock(ctx, c))
	has, err := store.HasBlock(ctx, c)
	require.NoError(t, err)
	assert.False(t, has)

	// Deleting an absent block is not an error
	assert.NoError(t, store.DeleteBlock(ctx, c))
}

func TestOversizedBlockRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.PutBlock(ctx, make([]byte, MaxBlockSize+1))
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeInvalidInput, se.Code)
}

func TestIPLDRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	type record struct {
		Name  string `cbor:"name"`
		Value int    `cbor:"value"`
	}

	in := record{Name: "test", Value: 42}
	c, err := PutIPLD(ctx, store, &in)
	require.NoError(t, err)

	codec, ok := cidutil.CodecOf(c)
	require.True(t, ok)
	assert.Equal(t, cidutil.DagCBOR, codec)

	var out record
	require.NoError(t, GetIPLD(ctx, store, c, &out))
	assert.Equal(t, in, out)
}

func TestRawAndNodeCodecsDiffer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	data := []byte{0x01}
	raw, err := store.PutBlock(ctx, data)
	require.NoError(t, err)
	node, err := store.PutNode(ctx, data)
	require.NoError(t, err)
	assert.False(t, raw.Equals(node))
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	cached, err := NewCachedStore(inner, 16)
	require.NoError(t, err)

	data := []byte("cached data")
	c, err := cached.PutBlock(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.CacheLen())

	// Remove from the inner store; the cache must still serve reads
	require.NoError(t, inner.DeleteBlock(ctx, c))
	got, err := cached.GetBlock(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	has, err := cached.HasBlock(ctx, c)
	require.NoError(t, err)
	assert.True(t, has)

	cached.PurgeCache()
	_, err = cached.GetBlock(ctx, c)
	assert.True(t, IsNotFound(err))
}

func TestBoltStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blocks.db")

	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	data := []byte("durable block")
	c, err := store.PutBlock(ctx, data)
	require.NoError(t, err)

	got, err := store.GetBlock(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, err := store.BlockSize(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), size)

	c2, err := store.PutBlock(ctx, data)
	require.NoError(t, err)
	assert.True(t, c.Equals(c2))

	require.NoError(t, store.DeleteBlock(ctx, c))
	_, err = store.GetBlock(ctx, c)
	assert.True(t, IsNotFound(err))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryStore()
	_, err := store.PutBlock(ctx, []byte("too late"))
	assert.Error(t, err)
}

func TestDagNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	c1, err := store.PutBlock(ctx, []byte("part one"))
	require.NoError(t, err)
	c2, err := store.PutBlock(ctx, []byte("part two"))
	require.NoError(t, err)

	node := NewDagNode([]cid.Cid{c1, c2}, 16)
	nodeCid, err := PutIPLD(ctx, store, node)
	require.NoError(t, err)

	var decoded DagNode
	require.NoError(t, GetIPLD(ctx, store, nodeCid, &decoded))
	assert.Equal(t, uint64(16), decoded.TotalSize)

	parts, err := decoded.PartCids()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Equals(c1))
	assert.True(t, parts[1].Equals(c2))
}
