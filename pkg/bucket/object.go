package bucket

import (
	"strings"

	"github.com/functionland/fula-store/pkg/codec/dagcbor"
	"github.com/functionland/fula-store/pkg/crypto"
	"github.com/functionland/fula-store/pkg/prolly"
)

// ObjectPointer is the tree's leaf value: it binds a storage key to the CID
// of the object's encrypted metadata and carries the last-writer-wins fields
// the CRDT merge resolves on. Deletes are tombstone pointers with their own
// UpdatedAt so a delete can win over an older write.
type ObjectPointer struct {
	MetaCid   string `cbor:"meta_cid,omitempty"`
	UpdatedAt int64  `cbor:"updated_at"`
	OwnerID   string `cbor:"owner_id"`
	Tombstone bool   `cbor:"tombstone,omitempty"`
}

// Encode serialises the pointer for storage as a tree value
func (p *ObjectPointer) Encode() ([]byte, error) {
	data, err := dagcbor.Marshal(p)
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "pointer encoding failed", Cause: err}
	}
	return data, nil
}

// DecodePointer parses a tree value back into an ObjectPointer
func DecodePointer(data []byte) (*ObjectPointer, error) {
	var p ObjectPointer
	if err := dagcbor.Unmarshal(data, &p); err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "pointer decoding failed", Cause: err}
	}
	return &p, nil
}

// LWWResolver resolves concurrent writes to the same key: the higher
// UpdatedAt wins, ties break on the lexicographically larger OwnerID, and a
// full tie surfaces KeyConflict rather than silently dropping a write. The
// rule is symmetric in its two sides, which makes the merge commutative.
func LWWResolver(key, base, left, right []byte) ([]byte, bool, error) {
	// A side that removed the key outright loses to any surviving write
	if left == nil {
		return right, right == nil, nil
	}
	if right == nil {
		return left, false, nil
	}

	lp, err := DecodePointer(left)
	if err != nil {
		return nil, false, err
	}
	rp, err := DecodePointer(right)
	if err != nil {
		return nil, false, err
	}

	switch {
	case lp.UpdatedAt > rp.UpdatedAt:
		return left, false, nil
	case rp.UpdatedAt > lp.UpdatedAt:
		return right, false, nil
	}

	switch cmp := strings.Compare(lp.OwnerID, rp.OwnerID); {
	case cmp > 0:
		return left, false, nil
	case cmp < 0:
		return right, false, nil
	}

	return nil, false, prolly.KeyConflict(key)
}

// keyring maps storage keys to their HPKE-wrapped object DEKs. It lives
// outside the tree so key rotation re-wraps DEKs without moving the tree
// root, and is sealed under the bucket DEK before persisting.
type keyring struct {
	Keys map[string]*crypto.KeyInfo `cbor:"keys"`
}

func newKeyring() *keyring {
	return &keyring{Keys: make(map[string]*crypto.KeyInfo)}
}

func (k *keyring) seal(bucketDEK *crypto.DEK, cipher crypto.Cipher) ([]byte, error) {
	plain, err := dagcbor.Marshal(k)
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "keyring encoding failed", Cause: err}
	}
	return crypto.Encrypt(cipher, bucketDEK.Bytes(), plain)
}

func openKeyring(blob []byte, bucketDEK *crypto.DEK) (*keyring, error) {
	plain, err := crypto.Decrypt(bucketDEK.Bytes(), blob)
	if err != nil {
		return nil, err
	}
	var k keyring
	if err := dagcbor.Unmarshal(plain, &k); err != nil {
		return nil, crypto.ErrDecryption
	}
	if k.Keys == nil {
		k.Keys = make(map[string]*crypto.KeyInfo)
	}
	return &k, nil
}
