package prolly

import (
	"errors"
	"fmt"
)

// Error codes for tree operations
const (
	CodeNotFound      = "KEY_NOT_FOUND"
	CodeCorruptNode   = "CORRUPT_NODE"
	CodeConfiguration = "CONFIGURATION"
	CodeKeyConflict   = "KEY_CONFLICT"
)

// TreeError is the typed error for tree operations
type TreeError struct {
	Code    string
	Message string
	Key     []byte
	Cause   error
}

// Error implements the error interface
func (e *TreeError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if len(e.Key) > 0 {
		msg = fmt.Sprintf("%s (key: %q)", msg, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("prolly: %s: %v", msg, e.Cause)
	}
	return "prolly: " + msg
}

// Unwrap returns the underlying error
func (e *TreeError) Unwrap() error {
	return e.Cause
}

// IsKeyNotFound reports whether err is a missing-key error
func IsKeyNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsKeyConflict reports whether err is an unresolvable merge conflict
func IsKeyConflict(err error) bool {
	return hasCode(err, CodeKeyConflict)
}

func hasCode(err error, code string) bool {
	var te *TreeError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}
