package privacy

import (
	"crypto/sha256"
	"io"
	"path"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/functionland/fula-store/pkg/codec/dagcbor"
	"github.com/functionland/fula-store/pkg/crypto"
)

// forestKeyInfo is the HKDF context string for the forest key
const forestKeyInfo = "fula-forest-v1"

// FileEntry maps one real path to its obfuscated storage key
type FileEntry struct {
	OriginalPath string `cbor:"original_path"`
	StorageKey   string `cbor:"storage_key"`
	ContentType  string `cbor:"content_type,omitempty"`
	Size         uint64 `cbor:"size"`
	Mtime        int64  `cbor:"mtime"`
}

// Forest is the client-side encrypted directory index. It restores the
// human-visible file tree on top of the flat, obfuscated server namespace.
// A file entry exists iff the matching index entry exists; Flush at the
// bucket layer commits both together.
type Forest struct {
	Directories map[string][]FileEntry `cbor:"directories"`
	FileCount   uint64                 `cbor:"file_count"`
	TotalSize   uint64                 `cbor:"total_size"`
}

// NewForest creates an empty forest
func NewForest() *Forest {
	return &Forest{Directories: make(map[string][]FileEntry)}
}

func dirOf(p string) string {
	d := path.Dir(strings.TrimSuffix(p, "/"))
	if d == "." {
		d = "/"
	}
	return d
}

// Insert adds or replaces the entry for its original path
func (f *Forest) Insert(entry FileEntry) {
	dir := dirOf(entry.OriginalPath)
	entries := f.Directories[dir]
	for i, existing := range entries {
		if existing.OriginalPath == entry.OriginalPath {
			f.TotalSize += entry.Size - existing.Size
			entries[i] = entry
			return
		}
	}
	entries = append(entries, entry)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].OriginalPath < entries[j].OriginalPath
	})
	f.Directories[dir] = entries
	f.FileCount++
	f.TotalSize += entry.Size
}

// Remove deletes the entry for a path, reporting whether it existed
func (f *Forest) Remove(p string) bool {
	dir := dirOf(p)
	entries := f.Directories[dir]
	for i, existing := range entries {
		if existing.OriginalPath == p {
			f.Directories[dir] = append(entries[:i], entries[i+1:]...)
			if len(f.Directories[dir]) == 0 {
				delete(f.Directories, dir)
			}
			f.FileCount--
			f.TotalSize -= existing.Size
			return true
		}
	}
	return false
}

// Lookup finds the entry for an exact path
func (f *Forest) Lookup(p string) (FileEntry, bool) {
	for _, entry := range f.Directories[dirOf(p)] {
		if entry.OriginalPath == p {
			return entry, true
		}
	}
	return FileEntry{}, false
}

// ListDirectory returns the entries directly inside one directory
func (f *Forest) ListDirectory(dir string) []FileEntry {
	if dir == "" {
		dir = "/"
	}
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = "/"
	}
	entries := f.Directories[dir]
	out := make([]FileEntry, len(entries))
	copy(out, entries)
	return out
}

// ListFiles returns every entry in the forest, ordered by path
func (f *Forest) ListFiles() []FileEntry {
	var out []FileEntry
	for _, entries := range f.Directories {
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OriginalPath < out[j].OriginalPath
	})
	return out
}

// GetSubtree extracts the forest rooted at prefix, for sharing a folder
func (f *Forest) GetSubtree(prefix string) *Forest {
	prefix = strings.TrimSuffix(prefix, "/")
	sub := NewForest()
	for dir, entries := range f.Directories {
		if dir != prefix && !strings.HasPrefix(dir, prefix+"/") {
			continue
		}
		for _, entry := range entries {
			sub.Insert(entry)
		}
	}
	return sub
}

// ByStorageKey indexes every entry by its storage key
func (f *Forest) ByStorageKey() map[string]FileEntry {
	out := make(map[string]FileEntry, f.FileCount)
	for _, entries := range f.Directories {
		for _, entry := range entries {
			out[entry.StorageKey] = entry
		}
	}
	return out
}

// DeriveForestKey derives the forest encryption key from the bucket DEK
func DeriveForestKey(bucketDEK *crypto.DEK) (*crypto.DEK, error) {
	r := hkdf.New(sha256.New, bucketDEK.Bytes(), nil, []byte(forestKeyInfo))
	raw := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, &crypto.Error{Code: crypto.CodeEncryption, Message: "forest key derivation failed", Cause: err}
	}
	dek, err := crypto.DEKFromBytes(raw)
	for i := range raw {
		raw[i] = 0
	}
	return dek, err
}

// Seal serialises the forest deterministically and encrypts it under the
// forest key. The blob is stored as an ordinary block whose CID is bound to
// the bucket record.
func (f *Forest) Seal(bucketDEK *crypto.DEK, cipher crypto.Cipher) ([]byte, error) {
	key, err := DeriveForestKey(bucketDEK)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	plain, err := dagcbor.Marshal(f)
	if err != nil {
		return nil, &crypto.Error{Code: crypto.CodeInvalidFormat, Message: "forest encoding failed", Cause: err}
	}
	return crypto.Encrypt(cipher, key.Bytes(), plain)
}

// OpenForest decrypts and decodes a sealed forest
func OpenForest(blob []byte, bucketDEK *crypto.DEK) (*Forest, error) {
	key, err := DeriveForestKey(bucketDEK)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	plain, err := crypto.Decrypt(key.Bytes(), blob)
	if err != nil {
		return nil, err
	}

	var f Forest
	if err := dagcbor.Unmarshal(plain, &f); err != nil {
		return nil, crypto.ErrDecryption
	}
	if f.Directories == nil {
		f.Directories = make(map[string][]FileEntry)
	}
	return &f, nil
}
