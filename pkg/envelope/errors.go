package envelope

import (
	"errors"
	"fmt"
)

// Sentinel errors for envelope operations.
var (
	// ErrMissingKey indicates a nil public or private key.
	ErrMissingKey = errors.New("key is required")

	// ErrUnsupportedKey indicates a parsed key that is not RSA.
	ErrUnsupportedKey = errors.New("unsupported key type")

	// ErrMalformed indicates truncated or structurally invalid input.
	ErrMalformed = errors.New("malformed envelope")

	// ErrAuthentication indicates the ciphertext failed AEAD authentication.
	ErrAuthentication = errors.New("message authentication failed")
)

// CryptoError wraps key parsing and (de)cryption failures.
type CryptoError struct {
	// Op is the step that failed (e.g., "wrap key", "decrypt").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CryptoError) Error() string {
	return fmt.Sprintf("envelope: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CryptoError) Unwrap() error {
	return e.Err
}

// IsCryptoError reports whether err is (or wraps) a CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// IsAuthenticationFailure reports whether err indicates tampered ciphertext
// or a mismatched key.
func IsAuthenticationFailure(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
