package privacy

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/functionland/fula-store/pkg/crypto"
)

func testDEK(t *testing.T) *crypto.DEK {
	t.Helper()
	dek, err := crypto.GenerateDEK()
	require.NoError(t, err)
	return dek
}

func TestMetadataSealOpen(t *testing.T) {
	dek := testDEK(t)

	m := &Metadata{
		ContentCid:   "bafkreexample",
		Size:         1234,
		ETag:         `"abcd"`,
		ContentType:  "image/jpeg",
		UserMetadata: []Pair{{Key: "camera", Value: "x100"}, {Key: "author", Value: "kai"}},
		Tags:         map[string]string{"album": "summer"},
		CreatedAt:    1700000000,
		UpdatedAt:    1700000001,
		OwnerID:      "owner-1",
	}

	blob, err := SealMetadata(m, dek, crypto.AES256GCM)
	require.NoError(t, err)

	got, err := OpenMetadata(blob, dek)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	// User metadata order survives the round trip
	assert.Equal(t, "camera", got.UserMetadata[0].Key)
}

func TestMetadataWrongDEK(t *testing.T) {
	m := &Metadata{ContentCid: "bafkre", OwnerID: "o"}
	blob, err := SealMetadata(m, testDEK(t), crypto.ChaCha20Poly1305)
	require.NoError(t, err)

	_, err = OpenMetadata(blob, testDEK(t))
	assert.True(t, crypto.IsDecryptionFailure(err))
}

func TestMetadataTagLimit(t *testing.T) {
	tags := make(map[string]string)
	for i := 0; i < MaxTags+1; i++ {
		tags[strings.Repeat("k", i+1)] = "v"
	}
	m := &Metadata{ContentCid: "bafkre", Tags: tags}
	_, err := SealMetadata(m, testDEK(t), crypto.AES256GCM)
	assert.Error(t, err)
}

func TestObfuscateKeyDeterministic(t *testing.T) {
	dek := testDEK(t)
	for _, mode := range []ObfuscationMode{DeterministicHash, RandomUuid, PreserveStructure, FlatNamespace} {
		t.Run(string(mode), func(t *testing.T) {
			k1, err := ObfuscateKey("/photos/vacation/beach.jpg", dek, mode)
			require.NoError(t, err)
			k2, err := ObfuscateKey("/photos/vacation/beach.jpg", dek, mode)
			require.NoError(t, err)
			assert.Equal(t, k1, k2)

			other, err := ObfuscateKey("/photos/vacation/sunset.jpg", dek, mode)
			require.NoError(t, err)
			assert.NotEqual(t, k1, other)
		})
	}
}

func TestObfuscateDeterministicHashShape(t *testing.T) {
	key, err := ObfuscateKey("/docs/report.pdf", testDEK(t), DeterministicHash)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "f/"))
	assert.Len(t, key, 2+64)
}

func TestObfuscateRandomUuidShape(t *testing.T) {
	key, err := ObfuscateKey("/docs/report.pdf", testDEK(t), RandomUuid)
	require.NoError(t, err)
	assert.Len(t, key, 36)
	assert.Equal(t, 4, strings.Count(key, "-"))
}

func TestObfuscatePreserveStructure(t *testing.T) {
	key, err := ObfuscateKey("/photos/vacation/beach.jpg", testDEK(t), PreserveStructure)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "photos/vacation/"))
	assert.NotContains(t, key, "beach")
	assert.NotContains(t, key, ".jpg")
}

// FlatNamespace keys for sibling files share no prefix of length >= 3 and
// contain no path segment.
func TestObfuscateFlatNamespacePrivacy(t *testing.T) {
	dek := testDEK(t)

	beach, err := ObfuscateKey("/photos/vacation/beach.jpg", dek, FlatNamespace)
	require.NoError(t, err)
	sunset, err := ObfuscateKey("/photos/vacation/sunset.jpg", dek, FlatNamespace)
	require.NoError(t, err)

	assert.NotContains(t, beach, "/")
	assert.NotContains(t, sunset, "/")

	for _, segment := range []string{"photos", "vacation", "beach", "sunset"} {
		assert.NotContains(t, beach, segment)
		assert.NotContains(t, sunset, segment)
	}

	// CID-shaped tokens share a fixed header: the multibase 'b' plus six base32
	// characters that encode only the version, codec, multihash code and digest
	// length. Skip it and require no common prefix beyond it.
	const header = 7
	common := 0
	for i := header; i < len(beach) && i < len(sunset); i++ {
		if beach[i] != sunset[i] {
			break
		}
		common++
	}
	assert.Less(t, common, 3)
}

func TestForestInsertRemove(t *testing.T) {
	f := NewForest()

	f.Insert(FileEntry{OriginalPath: "/photos/beach.jpg", StorageKey: "k1", Size: 100})
	f.Insert(FileEntry{OriginalPath: "/photos/sunset.jpg", StorageKey: "k2", Size: 200})
	f.Insert(FileEntry{OriginalPath: "/docs/report.pdf", StorageKey: "k3", Size: 300})

	assert.Equal(t, uint64(3), f.FileCount)
	assert.Equal(t, uint64(600), f.TotalSize)

	photos := f.ListDirectory("/photos")
	require.Len(t, photos, 2)
	assert.Equal(t, "/photos/beach.jpg", photos[0].OriginalPath)

	// Replacing an entry keeps the count and adjusts the size
	f.Insert(FileEntry{OriginalPath: "/photos/beach.jpg", StorageKey: "k1b", Size: 150})
	assert.Equal(t, uint64(3), f.FileCount)
	assert.Equal(t, uint64(650), f.TotalSize)

	entry, ok := f.Lookup("/photos/beach.jpg")
	require.True(t, ok)
	assert.Equal(t, "k1b", entry.StorageKey)

	assert.True(t, f.Remove("/docs/report.pdf"))
	assert.False(t, f.Remove("/docs/report.pdf"))
	assert.Equal(t, uint64(2), f.FileCount)
}

func TestForestSubtree(t *testing.T) {
	f := NewForest()
	f.Insert(FileEntry{OriginalPath: "/photos/2024/beach.jpg", StorageKey: "a", Size: 1})
	f.Insert(FileEntry{OriginalPath: "/photos/2024/sunset.jpg", StorageKey: "b", Size: 1})
	f.Insert(FileEntry{OriginalPath: "/docs/report.pdf", StorageKey: "c", Size: 1})

	sub := f.GetSubtree("/photos")
	assert.Equal(t, uint64(2), sub.FileCount)
	_, ok := sub.Lookup("/docs/report.pdf")
	assert.False(t, ok)
}

func TestForestSealOpen(t *testing.T) {
	dek := testDEK(t)

	f := NewForest()
	f.Insert(FileEntry{OriginalPath: "/a.txt", StorageKey: "k1", Size: 10, Mtime: 1700000000})
	f.Insert(FileEntry{OriginalPath: "/dir/b.txt", StorageKey: "k2", Size: 20, Mtime: 1700000001})

	blob, err := f.Seal(dek, crypto.AES256GCM)
	require.NoError(t, err)

	got, err := OpenForest(blob, dek)
	require.NoError(t, err)
	assert.Equal(t, f.FileCount, got.FileCount)
	assert.Equal(t, f.TotalSize, got.TotalSize)

	entry, ok := got.Lookup("/dir/b.txt")
	require.True(t, ok)
	assert.Equal(t, "k2", entry.StorageKey)

	// The forest key is derived from the bucket DEK, so another DEK fails
	_, err = OpenForest(blob, testDEK(t))
	assert.True(t, crypto.IsDecryptionFailure(err))
}

func TestForestKeyDiffersFromDEK(t *testing.T) {
	dek := testDEK(t)
	forestKey, err := DeriveForestKey(dek)
	require.NoError(t, err)
	assert.NotEqual(t, dek.Bytes(), forestKey.Bytes())
}

func TestShareTokenRoundTrip(t *testing.T) {
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)

	recipient, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	dek := testDEK(t)
	expiry := time.Now().Add(time.Hour)

	token, err := BuildShareToken(km, recipient.Public(), dek, "/photos", expiry, Permissions{Read: true})
	require.NoError(t, err)
	assert.NotEmpty(t, token.ID)

	got, err := token.Accept(recipient.Secret(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, dek.Bytes(), got.Bytes())
}

func TestShareTokenWrongRecipient(t *testing.T) {
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)
	recipient, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	eavesdropper, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	token, err := BuildShareToken(km, recipient.Public(), testDEK(t), "/", time.Now().Add(time.Hour), Permissions{Read: true})
	require.NoError(t, err)

	_, err = token.Accept(eavesdropper.Secret(), time.Now())
	assert.Error(t, err)
}

func TestShareTokenExpiry(t *testing.T) {
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)
	recipient, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	token, err := BuildShareToken(km, recipient.Public(), testDEK(t), "/", time.Now().Add(-time.Minute), Permissions{Read: true})
	require.NoError(t, err)

	_, err = token.Accept(recipient.Secret(), time.Now())
	assert.Error(t, err)
}

func TestShareTokenTamperedScope(t *testing.T) {
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)
	recipient, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	token, err := BuildShareToken(km, recipient.Public(), testDEK(t), "/photos", time.Now().Add(time.Hour), Permissions{Read: true})
	require.NoError(t, err)

	token.PathScope = "/"
	_, err = token.Accept(recipient.Secret(), time.Now())
	assert.Error(t, err)
}
