// Package crypto implements the client-side cryptographic layer: the two AEAD
// suites for content encryption, RFC 9180 HPKE for wrapping DEKs under KEK
// public keys, the KEK/DEK key manager, and key rotation. Everything here runs
// on the client; storage nodes only ever see ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// FormatVersion is the current encrypted blob format version. Version 1 was
// the legacy pre-RFC-9180 format and is recognised only to be rejected.
const FormatVersion = 2

// Cipher identifies an AEAD suite in the encrypted blob header
type Cipher byte

// Supported AEAD suites
const (
	AES256GCM        Cipher = 1
	ChaCha20Poly1305 Cipher = 2
)

// String returns the canonical algorithm name
func (c Cipher) String() string {
	switch c {
	case AES256GCM:
		return "AES-256-GCM"
	case ChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

const (
	// KeySize is the symmetric key size (256 bits)
	KeySize = 32
	// NonceSize is the AEAD nonce size (96 bits)
	NonceSize = 12
	// TagSize is the AEAD authentication tag size
	TagSize = 16
	// headerSize is version byte + cipher id byte + nonce
	headerSize = 2 + NonceSize
)

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, &Error{Code: CodeInvalidKey, Message: fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	switch c {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, &Error{Code: CodeInvalidKey, Cause: err}
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, &Error{Code: CodeInvalidFormat, Message: fmt.Sprintf("unknown cipher id %d", byte(c))}
	}
}

// Encrypt seals plaintext under key with a fresh random nonce. The output
// layout is version(1) || cipher_id(1) || nonce(12) || ciphertext || tag(16).
func Encrypt(c Cipher, key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(c, key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(plaintext)+TagSize)
	out[0] = FormatVersion
	out[1] = byte(c)
	if _, err := rand.Read(out[2 : 2+NonceSize]); err != nil {
		return nil, &Error{Code: CodeEncryption, Message: "nonce generation failed", Cause: err}
	}

	// The header (version and cipher id) is bound into the tag
	return aead.Seal(out, out[2:2+NonceSize], plaintext, out[:2]), nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering with the version,
// cipher id, nonce, ciphertext, or tag fails uniformly with ErrDecryption.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(blob) < headerSize+TagSize {
		return nil, ErrDecryption
	}
	if blob[0] != FormatVersion {
		return nil, ErrDecryption
	}

	aead, err := newAEAD(Cipher(blob[1]), key)
	if err != nil {
		return nil, ErrDecryption
	}

	plaintext, err := aead.Open(nil, blob[2:2+NonceSize], blob[headerSize:], blob[:2])
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// CipherOf reports which AEAD suite a blob was sealed under
func CipherOf(blob []byte) (Cipher, error) {
	if len(blob) < 2 || blob[0] != FormatVersion {
		return 0, &Error{Code: CodeInvalidFormat, Message: "not an encrypted blob"}
	}
	c := Cipher(blob[1])
	if c != AES256GCM && c != ChaCha20Poly1305 {
		return 0, &Error{Code: CodeInvalidFormat, Message: "unknown cipher id"}
	}
	return c, nil
}
