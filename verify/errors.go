package verify

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is returned when the input is not a readable PDF.
	ErrParse = errors.New("failed to parse PDF")
	// ErrSignatureNotFound is returned for an index outside the discovered
	// signatures.
	ErrSignatureNotFound = errors.New("signature not found")
	// ErrInvalidByteRange is returned when a ByteRange is not four
	// non-negative integers inside the file.
	ErrInvalidByteRange = errors.New("invalid ByteRange")
)

// Load failure sub-codes, as reported by LoadCode.
const (
	LoadGenericError = -1
	LoadParseError   = -2
)

// LoadCode maps a Load error to its sub-code, or 0 for nil.
func LoadCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrParse):
		return LoadParseError
	default:
		return LoadGenericError
	}
}

// ValidationError represents a general validation error in the verification process.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// RevocationError represents an error during revocation checking (CRL/OCSP).
type RevocationError struct {
	Msg string
	Err error
}

func (e *RevocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RevocationError) Unwrap() error {
	return e.Err
}

// InvalidSignatureError indicates that the cryptographic signature verification failed.
type InvalidSignatureError struct {
	Msg string
}

func (e *InvalidSignatureError) Error() string {
	return e.Msg
}

// PolicyError indicates a violation of validation policy (e.g. key size).
type PolicyError struct {
	Msg string
}

func (e *PolicyError) Error() string {
	return e.Msg
}
