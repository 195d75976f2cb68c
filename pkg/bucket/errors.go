package bucket

import (
	"errors"
	"fmt"
)

// Error codes for bucket operations
const (
	CodeBucketNotFound     = "BUCKET_NOT_FOUND"
	CodeBucketExists       = "BUCKET_ALREADY_EXISTS"
	CodeObjectNotFound     = "OBJECT_NOT_FOUND"
	CodeInvalidName        = "INVALID_BUCKET_NAME"
	CodeInvalidInput       = "INVALID_INPUT"
	CodePreconditionFailed = "PRECONDITION_FAILED"
	CodeVersionMismatch    = "VERSION_MISMATCH"
)

// Error is the typed error for bucket and object operations
type Error struct {
	Code    string
	Message string
	Bucket  string
	Key     string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Bucket != "" {
		msg = fmt.Sprintf("%s (bucket: %s)", msg, e.Bucket)
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key: %s)", msg, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("bucket: %s: %v", msg, e.Cause)
	}
	return "bucket: " + msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsBucketNotFound reports whether err is a missing-bucket error
func IsBucketNotFound(err error) bool {
	return hasCode(err, CodeBucketNotFound)
}

// IsBucketExists reports whether err is a name-collision error
func IsBucketExists(err error) bool {
	return hasCode(err, CodeBucketExists)
}

// IsObjectNotFound reports whether err is a missing-object error
func IsObjectNotFound(err error) bool {
	return hasCode(err, CodeObjectNotFound)
}

// IsPreconditionFailed reports whether err is a failed precondition
func IsPreconditionFailed(err error) bool {
	return hasCode(err, CodePreconditionFailed)
}

// IsVersionMismatch reports whether err is an exhausted CAS retry budget
func IsVersionMismatch(err error) bool {
	return hasCode(err, CodeVersionMismatch)
}

func hasCode(err error, code string) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
