package crypto

import (
	"crypto/rand"

	"github.com/cloudflare/circl/hpke"
)

// HPKE suite fixed by the format: RFC 9180 Base mode with X25519-HKDF-SHA256
// KEM, HKDF-SHA256 KDF, and ChaCha20-Poly1305 AEAD.
const (
	hpkeKEM  = hpke.KEM_X25519_HKDF_SHA256
	hpkeKDF  = hpke.KDF_HKDF_SHA256
	hpkeAEAD = hpke.AEAD_ChaCha20Poly1305
)

// hpkeInfo binds wraps to this format version
const hpkeInfo = "fula-dek-wrap-v2"

// WrapVersion is the wrapped-DEK format version (RFC 9180 HPKE)
const WrapVersion = 2

// EncapsulatedKeySize is the X25519 KEM encapsulated key size
const EncapsulatedKeySize = 32

// AlgorithmName is the canonical name of the fixed HPKE suite
const AlgorithmName = "X25519HkdfSha256+HkdfSha256+ChaCha20Poly1305"

// WrappedKey is a DEK sealed to a recipient's KEK public key. The serialised
// layout is version(1) || encapsulated_key(32) || aead_blob.
type WrappedKey struct {
	Version         byte
	EncapsulatedKey [EncapsulatedKeySize]byte
	Blob            []byte
}

// KeyInfo describes a wrapped DEK alongside the key version that produced it
type KeyInfo struct {
	Version         byte   `cbor:"version"`
	KeyVersion      uint32 `cbor:"key_version"`
	EncapsulatedKey []byte `cbor:"encapsulated_key"`
	Blob            []byte `cbor:"blob"`
	Algorithm       string `cbor:"algorithm"`
}

// Serialize renders the wrapped key in its wire layout
func (w *WrappedKey) Serialize() []byte {
	out := make([]byte, 0, 1+EncapsulatedKeySize+len(w.Blob))
	out = append(out, w.Version)
	out = append(out, w.EncapsulatedKey[:]...)
	return append(out, w.Blob...)
}

// ParseWrappedKey parses the wire layout back into a WrappedKey
func ParseWrappedKey(data []byte) (*WrappedKey, error) {
	if len(data) < 1+EncapsulatedKeySize+TagSize {
		return nil, &Error{Code: CodeInvalidFormat, Message: "wrapped key too short"}
	}
	if data[0] != WrapVersion {
		return nil, &Error{Code: CodeInvalidFormat, Message: "unsupported wrap version"}
	}
	var w WrappedKey
	w.Version = data[0]
	copy(w.EncapsulatedKey[:], data[1:1+EncapsulatedKeySize])
	w.Blob = append([]byte{}, data[1+EncapsulatedKeySize:]...)
	return &w, nil
}

// WrapDEK seals a DEK to the recipient's KEK public key
func WrapDEK(recipient PublicKey, dek *DEK) (*WrappedKey, error) {
	suite := hpke.NewSuite(hpkeKEM, hpkeKDF, hpkeAEAD)

	pk, err := hpkeKEM.Scheme().UnmarshalBinaryPublicKey(recipient.Bytes())
	if err != nil {
		return nil, &Error{Code: CodeInvalidKey, Message: "invalid recipient public key", Cause: err}
	}

	sender, err := suite.NewSender(pk, []byte(hpkeInfo))
	if err != nil {
		return nil, &Error{Code: CodeEncryption, Cause: err}
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, &Error{Code: CodeEncryption, Cause: err}
	}

	blob, err := sealer.Seal(dek.Bytes(), nil)
	if err != nil {
		return nil, &Error{Code: CodeEncryption, Cause: err}
	}

	w := &WrappedKey{Version: WrapVersion, Blob: blob}
	copy(w.EncapsulatedKey[:], enc)
	return w, nil
}

// UnwrapDEK opens a wrapped DEK with the recipient's KEK secret key. Failure
// is uniform: a wrong key and a tampered blob are indistinguishable.
func UnwrapDEK(secret *SecretKey, w *WrappedKey) (*DEK, error) {
	if w.Version != WrapVersion {
		return nil, ErrDecryption
	}

	suite := hpke.NewSuite(hpkeKEM, hpkeKDF, hpkeAEAD)

	sk, err := hpkeKEM.Scheme().UnmarshalBinaryPrivateKey(secret.Bytes())
	if err != nil {
		return nil, ErrDecryption
	}

	receiver, err := suite.NewReceiver(sk, []byte(hpkeInfo))
	if err != nil {
		return nil, ErrDecryption
	}
	opener, err := receiver.Setup(w.EncapsulatedKey[:])
	if err != nil {
		return nil, ErrDecryption
	}

	raw, err := opener.Open(w.Blob, nil)
	if err != nil {
		return nil, ErrDecryption
	}

	dek, err := DEKFromBytes(raw)
	if err != nil {
		return nil, ErrDecryption
	}
	for i := range raw {
		raw[i] = 0
	}
	return dek, nil
}

// WrapDEKInfo wraps a DEK and records the producing key version
func WrapDEKInfo(recipient PublicKey, dek *DEK, keyVersion uint32) (*KeyInfo, error) {
	w, err := WrapDEK(recipient, dek)
	if err != nil {
		return nil, err
	}
	return &KeyInfo{
		Version:         w.Version,
		KeyVersion:      keyVersion,
		EncapsulatedKey: w.EncapsulatedKey[:],
		Blob:            w.Blob,
		Algorithm:       AlgorithmName,
	}, nil
}

// UnwrapDEKInfo opens a KeyInfo with the recipient's secret key
func UnwrapDEKInfo(secret *SecretKey, info *KeyInfo) (*DEK, error) {
	if len(info.EncapsulatedKey) != EncapsulatedKeySize {
		return nil, ErrDecryption
	}
	w := &WrappedKey{Version: info.Version, Blob: info.Blob}
	copy(w.EncapsulatedKey[:], info.EncapsulatedKey)
	return UnwrapDEK(secret, w)
}
