package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// pathKeyInfo is the HKDF context string for path-derived keys
const pathKeyInfo = "fula-path-key-v1"

// DEK is a single-use data encryption key. It is never persisted in
// plaintext; Zero wipes it when the owner is done with it.
type DEK struct {
	key [KeySize]byte
}

// GenerateDEK returns a fresh random DEK
func GenerateDEK() (*DEK, error) {
	var d DEK
	if _, err := rand.Read(d.key[:]); err != nil {
		return nil, &Error{Code: CodeEncryption, Message: "key generation failed", Cause: err}
	}
	return &d, nil
}

// DEKFromBytes builds a DEK from raw key material
func DEKFromBytes(b []byte) (*DEK, error) {
	if len(b) != KeySize {
		return nil, &Error{Code: CodeInvalidKey, Message: fmt.Sprintf("DEK must be %d bytes, got %d", KeySize, len(b))}
	}
	var d DEK
	copy(d.key[:], b)
	return &d, nil
}

// Bytes exposes the raw key for sealing operations
func (d *DEK) Bytes() []byte {
	return d.key[:]
}

// Zero wipes the key material
func (d *DEK) Zero() {
	for i := range d.key {
		d.key[i] = 0
	}
}

// PublicKey is an X25519 KEK public key, freely shareable
type PublicKey struct {
	bytes [32]byte
}

// PublicKeyFromBytes builds a public key from its 32-byte form
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != 32 {
		return PublicKey{}, &Error{Code: CodeInvalidKey, Message: fmt.Sprintf("public key must be 32 bytes, got %d", len(b))}
	}
	var pk PublicKey
	copy(pk.bytes[:], b)
	return pk, nil
}

// Bytes returns the raw public key
func (pk PublicKey) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, pk.bytes[:])
	return out
}

// Base64 encodes the public key for transport
func (pk PublicKey) Base64() string {
	return base64.StdEncoding.EncodeToString(pk.bytes[:])
}

// PublicKeyFromBase64 decodes a base64 public key
func PublicKeyFromBase64(s string) (PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return PublicKey{}, &Error{Code: CodeInvalidKey, Message: "invalid base64 public key", Cause: err}
	}
	return PublicKeyFromBytes(b)
}

// Equal reports whether two public keys are the same
func (pk PublicKey) Equal(other PublicKey) bool {
	return pk.bytes == other.bytes
}

// SecretKey is an X25519 KEK secret key, device-local
type SecretKey struct {
	bytes [32]byte
}

// GenerateSecretKey returns a fresh random secret key
func GenerateSecretKey() (*SecretKey, error) {
	var sk SecretKey
	if _, err := rand.Read(sk.bytes[:]); err != nil {
		return nil, &Error{Code: CodeEncryption, Message: "key generation failed", Cause: err}
	}
	return &sk, nil
}

// SecretKeyFromBytes builds a secret key from its 32-byte form
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != 32 {
		return nil, &Error{Code: CodeInvalidKey, Message: fmt.Sprintf("secret key must be 32 bytes, got %d", len(b))}
	}
	var sk SecretKey
	copy(sk.bytes[:], b)
	return &sk, nil
}

// Bytes exposes the raw secret key
func (sk *SecretKey) Bytes() []byte {
	return sk.bytes[:]
}

// Zero wipes the key material
func (sk *SecretKey) Zero() {
	for i := range sk.bytes {
		sk.bytes[i] = 0
	}
}

// Public derives the matching public key
func (sk *SecretKey) Public() (PublicKey, error) {
	pub, err := curve25519.X25519(sk.bytes[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, &Error{Code: CodeInvalidKey, Cause: err}
	}
	return PublicKeyFromBytes(pub)
}

// KeyPair is an X25519 KEK keypair
type KeyPair struct {
	secret *SecretKey
	public PublicKey
}

// GenerateKeyPair returns a fresh KEK keypair
func GenerateKeyPair() (*KeyPair, error) {
	sk, err := GenerateSecretKey()
	if err != nil {
		return nil, err
	}
	return KeyPairFromSecret(sk)
}

// KeyPairFromSecret derives a keypair from an existing secret key
func KeyPairFromSecret(sk *SecretKey) (*KeyPair, error) {
	pk, err := sk.Public()
	if err != nil {
		return nil, err
	}
	return &KeyPair{secret: sk, public: pk}, nil
}

// Secret returns the secret half
func (kp *KeyPair) Secret() *SecretKey {
	return kp.secret
}

// Public returns the public half
func (kp *KeyPair) Public() PublicKey {
	return kp.public
}

// KeyManager owns the root KEK keypair and an Ed25519 signing keypair, tracks
// the key version, and derives per-path keys. Rotation is a pure client-side
// operation: it never touches the block store.
type KeyManager struct {
	mu      sync.RWMutex
	root    *KeyPair
	signing ed25519.PrivateKey
	version uint32
}

// NewKeyManager creates a manager with fresh keypairs at version 1
func NewKeyManager() (*KeyManager, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &Error{Code: CodeEncryption, Message: "signing key generation failed", Cause: err}
	}
	return &KeyManager{root: kp, signing: signing, version: 1}, nil
}

// KeyManagerFromSecret restores a manager from a saved KEK secret key
func KeyManagerFromSecret(sk *SecretKey, version uint32) (*KeyManager, error) {
	kp, err := KeyPairFromSecret(sk)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		version = 1
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &Error{Code: CodeEncryption, Message: "signing key generation failed", Cause: err}
	}
	return &KeyManager{root: kp, signing: signing, version: version}, nil
}

// PublicKey returns the current KEK public key
func (km *KeyManager) PublicKey() PublicKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.root.Public()
}

// KeyPair returns the current KEK keypair
func (km *KeyManager) KeyPair() *KeyPair {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.root
}

// SigningKey returns the Ed25519 signing key used for share tokens
func (km *KeyManager) SigningKey() ed25519.PrivateKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.signing
}

// VerifyKey returns the Ed25519 public verification key
func (km *KeyManager) VerifyKey() ed25519.PublicKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.signing.Public().(ed25519.PublicKey)
}

// Version returns the current key version
func (km *KeyManager) Version() uint32 {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.version
}

// GenerateDEK returns a fresh random DEK
func (km *KeyManager) GenerateDEK() (*DEK, error) {
	return GenerateDEK()
}

// DerivePathKey derives a deterministic key for a path using HKDF-SHA256 with
// IKM secret_key || path.
func (km *KeyManager) DerivePathKey(path string) (*DEK, error) {
	km.mu.RLock()
	ikm := append(append([]byte{}, km.root.Secret().Bytes()...), []byte(path)...)
	km.mu.RUnlock()

	r := hkdf.New(sha256.New, ikm, nil, []byte(pathKeyInfo))
	var d DEK
	if _, err := io.ReadFull(r, d.key[:]); err != nil {
		return nil, &Error{Code: CodeEncryption, Message: "path key derivation failed", Cause: err}
	}
	for i := range ikm {
		ikm[i] = 0
	}
	return &d, nil
}

// Rotate replaces the root keypair, increments the key version, and returns
// the previous keypair so callers can unwrap pre-rotation DEKs for re-wrap.
func (km *KeyManager) Rotate() (*KeyPair, error) {
	next, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	old := km.root
	km.root = next
	km.version++
	return old, nil
}
