package blockstore

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Error codes for block store operations
const (
	CodeNotFound      = "NOT_FOUND"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeIntegrity     = "INTEGRITY_FAILURE"
	CodeSerialization = "SERIALIZATION"
	CodeTimeout       = "TIMEOUT"
	CodeConnection    = "CONNECTION"
	CodeConfiguration = "CONFIGURATION"
)

// StoreError is the typed error every block store operation returns. It keeps
// the offending CID and backend so the caller can map it onto a gateway error.
type StoreError struct {
	Code    string
	Message string
	CID     cid.Cid
	Backend string
	Cause   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.CID.Defined() {
		msg = fmt.Sprintf("%s (cid: %s)", msg, e.CID)
	}
	if e.Backend != "" {
		msg = fmt.Sprintf("%s (backend: %s)", msg, e.Backend)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return "blockstore: " + msg
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the operation may be retried against the same
// source. Integrity failures never are.
func (e *StoreError) Retryable() bool {
	return e.Code == CodeTimeout || e.Code == CodeConnection
}

// NotFound constructs the canonical missing-block error
func NotFound(c cid.Cid) *StoreError {
	return &StoreError{Code: CodeNotFound, Message: "block not found", CID: c}
}

// IsNotFound reports whether err is a missing-block error
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsIntegrity reports whether err is a corruption signal
func IsIntegrity(err error) bool {
	return hasCode(err, CodeIntegrity)
}

// IsRetryable reports whether err may be retried
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

func hasCode(err error, code string) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
