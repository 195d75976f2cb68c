package crypto

import (
	"errors"
	"fmt"
)

// Error codes for cryptographic operations
const (
	CodeInvalidKey    = "INVALID_KEY"
	CodeInvalidFormat = "INVALID_FORMAT"
	CodeEncryption    = "ENCRYPTION_FAILURE"
	CodeDecryption    = "DECRYPTION_FAILURE"
)

// Error is the typed error for all cryptographic operations. Decryption
// failures deliberately carry no detail about which stage failed.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Cause != nil {
		return fmt.Sprintf("crypto: %s: %v", msg, e.Cause)
	}
	return "crypto: " + msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrDecryption is the uniform decryption failure. Tag mismatches and key
// derivation failures are indistinguishable by design.
var ErrDecryption = &Error{Code: CodeDecryption, Message: "decryption failed"}

// IsDecryptionFailure reports whether err is a decryption failure
func IsDecryptionFailure(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == CodeDecryption
	}
	return false
}
