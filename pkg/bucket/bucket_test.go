package bucket

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/crypto"
	"github.com/functionland/fula-store/pkg/privacy"
	"github.com/functionland/fula-store/pkg/prolly"
)

type fixture struct {
	store *blockstore.MemoryStore
	roots *MemoryRootStore
	km    *crypto.KeyManager
	mgr   *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := blockstore.NewMemoryStore()
	roots := NewMemoryRootStore()
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)
	mgr, err := NewManager(store, roots, km, opts)
	require.NoError(t, err)
	return &fixture{store: store, roots: roots, km: km, mgr: mgr}
}

// secondManager opens an independent manager over the same stores and keys,
// simulating a second writer process.
func (f *fixture) secondManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(f.store, f.roots, f.km, DefaultOptions())
	require.NoError(t, err)
	return mgr
}

func TestValidateName(t *testing.T) {
	valid := []string{"my-bucket", "abc", "photos.2024", "a1b2c3"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}

	invalid := []string{"", "ab", "UPPER", "-leading", "trailing-", "dot..dot", "has_underscore", "way" + string(make([]byte, 64))}
	for _, name := range invalid {
		assert.Error(t, ValidateName(name), name)
	}
}

func TestCreateOpenBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "photos", "alice")
	require.NoError(t, err)
	assert.Equal(t, "photos", b.Name())

	_, err = f.mgr.CreateBucket(ctx, "photos", "bob")
	assert.True(t, IsBucketExists(err))

	opened, err := f.mgr.OpenBucket(ctx, "photos")
	require.NoError(t, err)
	assert.Same(t, b, opened)

	_, err = f.mgr.OpenBucket(ctx, "no-such-bucket")
	assert.True(t, IsBucketNotFound(err))
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "docs", "alice")
	require.NoError(t, err)

	payload := []byte("the quick brown fox")
	meta, err := b.PutObject(ctx, "/reports/q3.txt", bytes.NewReader(payload), PutOptions{
		ContentType:  "text/plain",
		UserMetadata: []privacy.Pair{{Key: "author", Value: "alice"}},
		Tags:         map[string]string{"quarter": "q3"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), meta.Size)
	assert.NotEmpty(t, meta.ETag)

	gotMeta, data, err := b.GetObject(ctx, "/reports/q3.txt")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "text/plain", gotMeta.ContentType)
	assert.Equal(t, meta.ETag, gotMeta.ETag)
	assert.Equal(t, []privacy.Pair{{Key: "author", Value: "alice"}}, gotMeta.UserMetadata)

	head, err := b.HeadObject(ctx, "/reports/q3.txt")
	require.NoError(t, err)
	assert.Equal(t, meta.Size, head.Size)

	_, _, err = b.GetObject(ctx, "/reports/missing.txt")
	assert.True(t, IsObjectNotFound(err))
}

// The server-side namespace never sees the plaintext path.
func TestStorageKeysAreOpaque(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "private", "alice")
	require.NoError(t, err)

	_, err = b.PutObject(ctx, "/photos/vacation/beach.jpg", bytes.NewReader([]byte("img")), PutOptions{})
	require.NoError(t, err)

	it, err := b.tree.Range(ctx, nil, nil)
	require.NoError(t, err)
	entries, err := it.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	key := string(entries[0].Key)
	for _, segment := range []string{"photos", "vacation", "beach", "/"} {
		assert.NotContains(t, key, segment)
	}
}

func TestLargeObjectMultiChunk(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.ChunkSize = 4096
	f := newFixture(t, opts)

	b, err := f.mgr.CreateBucket(ctx, "media", "alice")
	require.NoError(t, err)

	payload := make([]byte, 40_000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	_, err = b.PutObject(ctx, "/video.bin", bytes.NewReader(payload), PutOptions{})
	require.NoError(t, err)

	_, data, err := b.GetObject(ctx, "/video.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestEmptyObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "empties", "alice")
	require.NoError(t, err)

	_, err = b.PutObject(ctx, "/empty", bytes.NewReader(nil), PutOptions{})
	require.NoError(t, err)

	meta, data, err := b.GetObject(ctx, "/empty")
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, uint64(0), meta.Size)
}

func TestDeleteObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "trash", "alice")
	require.NoError(t, err)

	_, err = b.PutObject(ctx, "/doomed.txt", bytes.NewReader([]byte("x")), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, b.DeleteObject(ctx, "/doomed.txt"))
	_, _, err = b.GetObject(ctx, "/doomed.txt")
	assert.True(t, IsObjectNotFound(err))

	// Deleting twice reports not found
	assert.True(t, IsObjectNotFound(b.DeleteObject(ctx, "/doomed.txt")))

	// The tombstone stays in the tree; only live objects count
	live, err := b.LiveObjectCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, live)
}

func TestCopyObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "copies", "alice")
	require.NoError(t, err)

	_, err = b.PutObject(ctx, "/src.txt", bytes.NewReader([]byte("copy me")), PutOptions{ContentType: "text/plain"})
	require.NoError(t, err)

	_, err = b.CopyObject(ctx, "/src.txt", "/dst.txt")
	require.NoError(t, err)

	meta, data, err := b.GetObject(ctx, "/dst.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("copy me"), data)
	assert.Equal(t, "text/plain", meta.ContentType)
}

func TestListObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "listing", "alice")
	require.NoError(t, err)

	paths := []string{
		"/docs/a.txt",
		"/docs/b.txt",
		"/photos/2023/old.jpg",
		"/photos/2024/new.jpg",
		"/readme.md",
	}
	for _, p := range paths {
		_, err := b.PutObject(ctx, p, bytes.NewReader([]byte(p)), PutOptions{})
		require.NoError(t, err)
	}

	all, err := b.ListObjects(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, all.Objects, 5)
	assert.False(t, all.IsTruncated)
	assert.Equal(t, "/docs/a.txt", all.Objects[0].Key)

	prefixed, err := b.ListObjects(ctx, ListParams{Prefix: "/docs/"})
	require.NoError(t, err)
	assert.Len(t, prefixed.Objects, 2)

	grouped, err := b.ListObjects(ctx, ListParams{Prefix: "/", Delimiter: "/"})
	require.NoError(t, err)
	assert.Len(t, grouped.Objects, 1) // /readme.md
	assert.ElementsMatch(t, []string{"/docs/", "/photos/"}, grouped.CommonPrefixes)

	deep, err := b.ListObjects(ctx, ListParams{Prefix: "/photos/", Delimiter: "/"})
	require.NoError(t, err)
	assert.Empty(t, deep.Objects)
	assert.ElementsMatch(t, []string{"/photos/2023/", "/photos/2024/"}, deep.CommonPrefixes)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "pages", "alice")
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := b.PutObject(ctx, fmt.Sprintf("/item-%02d", i), bytes.NewReader([]byte("x")), PutOptions{})
		require.NoError(t, err)
	}

	var got []string
	token := ""
	pages := 0
	for {
		page, err := b.ListObjects(ctx, ListParams{MaxKeys: 3, ContinuationToken: token})
		require.NoError(t, err)
		for _, obj := range page.Objects {
			got = append(got, obj.Key)
		}
		pages++
		if !page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}

	assert.Equal(t, 3, pages)
	require.Len(t, got, 7)
	for i, key := range got {
		assert.Equal(t, fmt.Sprintf("/item-%02d", i), key)
	}
}

func TestFlushAndReopen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "durable", "alice")
	require.NoError(t, err)

	_, err = b.PutObject(ctx, "/kept.txt", bytes.NewReader([]byte("persisted")), PutOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Flush(ctx))

	// A fresh manager over the same stores and keys sees the flushed state
	reopened, err := f.secondManager(t).OpenBucket(ctx, "durable")
	require.NoError(t, err)

	_, data, err := reopened.GetObject(ctx, "/kept.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}

// After a flush, every live tree entry has a forest entry with the matching
// storage key and vice versa.
func TestForestTreeConsistency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "consistent", "alice")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := b.PutObject(ctx, fmt.Sprintf("/f/%02d.dat", i), bytes.NewReader([]byte{byte(i)}), PutOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, b.DeleteObject(ctx, "/f/03.dat"))
	require.NoError(t, b.DeleteObject(ctx, "/f/15.dat"))
	require.NoError(t, b.Flush(ctx))

	reopened, err := f.secondManager(t).OpenBucket(ctx, "consistent")
	require.NoError(t, err)

	byStorageKey := reopened.forest.ByStorageKey()

	it, err := reopened.tree.Range(ctx, nil, nil)
	require.NoError(t, err)
	liveKeys := 0
	for {
		e, err := it.Next(ctx)
		require.NoError(t, err)
		if e == nil {
			break
		}
		pointer, err := DecodePointer(e.Value)
		require.NoError(t, err)
		if pointer.Tombstone {
			_, present := byStorageKey[string(e.Key)]
			assert.False(t, present, "tombstoned key %q still in forest", e.Key)
			continue
		}
		liveKeys++
		_, present := byStorageKey[string(e.Key)]
		assert.True(t, present, "live key %q missing from forest", e.Key)
	}
	assert.Equal(t, liveKeys, len(byStorageKey))
	assert.Equal(t, 18, liveKeys)
}

func TestConcurrentWritersMerge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b1, err := f.mgr.CreateBucket(ctx, "shared", "alice")
	require.NoError(t, err)
	require.NoError(t, b1.Flush(ctx))

	// A second process opens the bucket at the same ancestor
	b2, err := f.secondManager(t).OpenBucket(ctx, "shared")
	require.NoError(t, err)

	_, err = b1.PutObject(ctx, "/from-one.txt", bytes.NewReader([]byte("one")), PutOptions{})
	require.NoError(t, err)
	_, err = b2.PutObject(ctx, "/from-two.txt", bytes.NewReader([]byte("two")), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, b1.Flush(ctx))
	// b2's CAS loses, merges, and retries
	require.NoError(t, b2.Flush(ctx))

	merged, err := f.secondManager(t).OpenBucket(ctx, "shared")
	require.NoError(t, err)

	_, data, err := merged.GetObject(ctx, "/from-one.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	_, data, err = merged.GetObject(ctx, "/from-two.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

// Two writers to the same path: the later write wins the merge.
func TestConcurrentWritersLastWriterWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b1, err := f.mgr.CreateBucket(ctx, "contended", "alice")
	require.NoError(t, err)
	require.NoError(t, b1.Flush(ctx))

	b2, err := f.secondManager(t).OpenBucket(ctx, "contended")
	require.NoError(t, err)

	_, err = b1.PutObject(ctx, "/hot.txt", bytes.NewReader([]byte("earlier")), PutOptions{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = b2.PutObject(ctx, "/hot.txt", bytes.NewReader([]byte("later")), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, b1.Flush(ctx))
	require.NoError(t, b2.Flush(ctx))

	final, err := f.secondManager(t).OpenBucket(ctx, "contended")
	require.NoError(t, err)
	_, data, err := final.GetObject(ctx, "/hot.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("later"), data)
}

func TestLWWResolver(t *testing.T) {
	encode := func(t *testing.T, p *ObjectPointer) []byte {
		data, err := p.Encode()
		require.NoError(t, err)
		return data
	}

	older := encode(t, &ObjectPointer{MetaCid: "bafyv1", UpdatedAt: 2, OwnerID: "alice"})
	newer := encode(t, &ObjectPointer{MetaCid: "bafyv2", UpdatedAt: 3, OwnerID: "bob"})

	winner, remove, err := LWWResolver([]byte("k"), nil, older, newer)
	require.NoError(t, err)
	assert.False(t, remove)
	assert.Equal(t, newer, winner)

	// Symmetric
	winner, _, err = LWWResolver([]byte("k"), nil, newer, older)
	require.NoError(t, err)
	assert.Equal(t, newer, winner)

	// A tombstone with a later timestamp beats an older write
	tombstone := encode(t, &ObjectPointer{UpdatedAt: 5, OwnerID: "alice", Tombstone: true})
	winner, _, err = LWWResolver([]byte("k"), nil, older, tombstone)
	require.NoError(t, err)
	assert.Equal(t, tombstone, winner)

	// Equal timestamps tie-break on the larger owner id
	tieA := encode(t, &ObjectPointer{MetaCid: "bafya", UpdatedAt: 7, OwnerID: "aaa"})
	tieB := encode(t, &ObjectPointer{MetaCid: "bafyb", UpdatedAt: 7, OwnerID: "bbb"})
	winner, _, err = LWWResolver([]byte("k"), nil, tieA, tieB)
	require.NoError(t, err)
	assert.Equal(t, tieB, winner)

	// A full tie surfaces a key conflict instead of silently picking
	same1 := encode(t, &ObjectPointer{MetaCid: "bafyx", UpdatedAt: 7, OwnerID: "same"})
	same2 := encode(t, &ObjectPointer{MetaCid: "bafyy", UpdatedAt: 7, OwnerID: "same"})
	_, _, err = LWWResolver([]byte("k"), nil, same1, same2)
	assert.True(t, prolly.IsKeyConflict(err))
}

// Rotating the KEK re-wraps every DEK but leaves the tree root untouched.
func TestKeyRotationKeepsRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "rotated", "alice")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.PutObject(ctx, fmt.Sprintf("/obj-%d", i), bytes.NewReader([]byte{byte(i)}), PutOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, b.Flush(ctx))

	rootBefore := b.Root()
	versionBefore := f.km.Version()

	require.NoError(t, f.mgr.RotateKeys(ctx))

	assert.Equal(t, versionBefore+1, f.km.Version())
	assert.True(t, rootBefore.Equals(b.Root()), "tree root moved during rotation")

	// Decryption under the rotated KEK still works
	_, data, err := b.GetObject(ctx, "/obj-3")
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, data)

	// And so does a cold open with the rotated key manager
	reopened, err := f.secondManager(t).OpenBucket(ctx, "rotated")
	require.NoError(t, err)
	_, data, err = reopened.GetObject(ctx, "/obj-0")
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)
}

func TestDeleteBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	b, err := f.mgr.CreateBucket(ctx, "removable", "alice")
	require.NoError(t, err)

	_, err = b.PutObject(ctx, "/blocker.txt", bytes.NewReader([]byte("x")), PutOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Flush(ctx))

	err = f.mgr.DeleteBucket(ctx, "removable")
	assert.True(t, IsPreconditionFailed(err))

	require.NoError(t, b.DeleteObject(ctx, "/blocker.txt"))
	require.NoError(t, b.Flush(ctx))
	require.NoError(t, f.mgr.DeleteBucket(ctx, "removable"))

	_, err = f.mgr.OpenBucket(ctx, "removable")
	assert.True(t, IsBucketNotFound(err))
}

func TestListBuckets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	for _, name := range []string{"alpha", "beta", "alpine"} {
		_, err := f.mgr.CreateBucket(ctx, name, "alice")
		require.NoError(t, err)
	}

	all, err := f.mgr.ListBuckets(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "alpine", "beta"}, all)

	filtered, err := f.mgr.ListBuckets(ctx, "alp")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "alpine"}, filtered)
}
