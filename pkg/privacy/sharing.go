package privacy

import (
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"github.com/functionland/fula-store/pkg/codec/dagcbor"
	"github.com/functionland/fula-store/pkg/crypto"
)

// Permissions describes what a share grants
type Permissions struct {
	Read  bool `cbor:"read"`
	Write bool `cbor:"write"`
}

// ShareToken grants a recipient access to a path scope. The DEK travels
// HPKE-wrapped to the recipient's KEK public key, and the whole token is
// signed by the sharer. Revocation of delivered tokens is out of scope.
type ShareToken struct {
	ID              string          `cbor:"id"`
	PathScope       string          `cbor:"path_scope"`
	ExpiresAt       int64           `cbor:"expires_at"`
	Permissions     Permissions     `cbor:"permissions"`
	WrappedDEK      *crypto.KeyInfo `cbor:"wrapped_dek"`
	SharerVerifyKey []byte          `cbor:"sharer_verify_key"`
	Signature       []byte          `cbor:"signature,omitempty"`
}

func (t *ShareToken) signingBytes() ([]byte, error) {
	unsigned := *t
	unsigned.Signature = nil
	return dagcbor.Marshal(&unsigned)
}

// BuildShareToken wraps the DEK for the recipient and signs the token with
// the sharer's Ed25519 key.
func BuildShareToken(km *crypto.KeyManager, recipient crypto.PublicKey, dek *crypto.DEK, scope string, expiresAt time.Time, perms Permissions) (*ShareToken, error) {
	wrapped, err := crypto.WrapDEKInfo(recipient, dek, km.Version())
	if err != nil {
		return nil, err
	}

	token := &ShareToken{
		ID:              uuid.NewString(),
		PathScope:       scope,
		ExpiresAt:       expiresAt.Unix(),
		Permissions:     perms,
		WrappedDEK:      wrapped,
		SharerVerifyKey: km.VerifyKey(),
	}

	payload, err := token.signingBytes()
	if err != nil {
		return nil, &crypto.Error{Code: crypto.CodeInvalidFormat, Message: "token encoding failed", Cause: err}
	}
	token.Signature = ed25519.Sign(km.SigningKey(), payload)
	return token, nil
}

// Verify checks the sharer's signature and the expiry at the given time
func (t *ShareToken) Verify(now time.Time) error {
	if len(t.SharerVerifyKey) != ed25519.PublicKeySize {
		return &crypto.Error{Code: crypto.CodeInvalidKey, Message: "malformed sharer key"}
	}
	payload, err := t.signingBytes()
	if err != nil {
		return &crypto.Error{Code: crypto.CodeInvalidFormat, Cause: err}
	}
	if !ed25519.Verify(ed25519.PublicKey(t.SharerVerifyKey), payload, t.Signature) {
		return &crypto.Error{Code: crypto.CodeDecryption, Message: "share token signature invalid"}
	}
	if now.Unix() >= t.ExpiresAt {
		return &crypto.Error{Code: crypto.CodeInvalidFormat, Message: "share token expired"}
	}
	return nil
}

// Accept verifies the token and unwraps the DEK with the recipient's secret
// key
func (t *ShareToken) Accept(recipientSecret *crypto.SecretKey, now time.Time) (*crypto.DEK, error) {
	if err := t.Verify(now); err != nil {
		return nil, err
	}
	return crypto.UnwrapDEKInfo(recipientSecret, t.WrappedDEK)
}
