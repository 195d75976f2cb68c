// Package privacy implements the structure-hiding layer: encrypted per-object
// metadata, storage-key obfuscation, the encrypted PrivateForest directory
// index, and share tokens. The server only ever sees opaque storage keys and
// AEAD ciphertext.
package privacy

import (
	"fmt"

	"github.com/functionland/fula-store/pkg/codec/dagcbor"
	"github.com/functionland/fula-store/pkg/crypto"
)

// MaxTags is the S3 tag limit per object
const MaxTags = 10

// Pair is one user-metadata entry. A slice of pairs preserves the order the
// client supplied, which a CBOR map would not.
type Pair struct {
	Key   string `cbor:"k"`
	Value string `cbor:"v"`
}

// Metadata is the plaintext per-object metadata, held client-side only
type Metadata struct {
	ContentCid   string            `cbor:"content_cid"`
	Size         uint64            `cbor:"size"`
	ETag         string            `cbor:"etag"`
	ContentType  string            `cbor:"content_type,omitempty"`
	UserMetadata []Pair            `cbor:"user_metadata,omitempty"`
	Tags         map[string]string `cbor:"tags,omitempty"`
	CreatedAt    int64             `cbor:"created_at"`
	UpdatedAt    int64             `cbor:"updated_at"`
	OwnerID      string            `cbor:"owner_id"`
}

// Validate enforces the structural limits
func (m *Metadata) Validate() error {
	if len(m.Tags) > MaxTags {
		return &crypto.Error{
			Code:    crypto.CodeInvalidFormat,
			Message: fmt.Sprintf("at most %d tags allowed, got %d", MaxTags, len(m.Tags)),
		}
	}
	if m.ContentCid == "" {
		return &crypto.Error{Code: crypto.CodeInvalidFormat, Message: "content CID is required"}
	}
	return nil
}

// SealMetadata serialises metadata deterministically and encrypts it under
// the object DEK. The result is stored as an ordinary block; decryption needs
// only the DEK, never a server contribution.
func SealMetadata(m *Metadata, dek *crypto.DEK, cipher crypto.Cipher) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	plain, err := dagcbor.Marshal(m)
	if err != nil {
		return nil, &crypto.Error{Code: crypto.CodeInvalidFormat, Message: "metadata encoding failed", Cause: err}
	}
	return crypto.Encrypt(cipher, dek.Bytes(), plain)
}

// OpenMetadata decrypts and decodes sealed metadata
func OpenMetadata(blob []byte, dek *crypto.DEK) (*Metadata, error) {
	plain, err := crypto.Decrypt(dek.Bytes(), blob)
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := dagcbor.Unmarshal(plain, &m); err != nil {
		return nil, crypto.ErrDecryption
	}
	return &m, nil
}
