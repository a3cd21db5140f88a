package dkim

import (
	"errors"
	"fmt"
)

// Configuration errors. These are reported by Builder.Build and
// Builder.BuildStrict wrapped in a *ConfigError, never during signing.
var (
	ErrMissingDomain           = errors.New("dkim: signing domain is required")
	ErrMissingSelector         = errors.New("dkim: selector is required")
	ErrMissingKey              = errors.New("dkim: private key is required")
	ErrMissingAlgorithm        = errors.New("dkim: signing algorithm is required")
	ErrMissingCanonicalization = errors.New("dkim: canonicalization is required")
	ErrInvalidDomain           = errors.New("dkim: invalid signing domain")
	ErrInvalidSelector         = errors.New("dkim: invalid selector")
	ErrInvalidIdentity         = errors.New("dkim: identity is not within the signing domain")
	ErrPublicSuffix            = errors.New("dkim: signing domain is a public suffix")
	ErrKeyNotRSA               = errors.New("dkim: private key is not an RSA key")
	ErrInvalidKey              = errors.New("dkim: private key is invalid")
	ErrWeakKey                 = errors.New("dkim: private key is too weak")
	ErrUnknownAlgorithm        = errors.New("dkim: unknown signing algorithm")
	ErrUnknownCanonicalization = errors.New("dkim: unknown canonicalization")
	ErrInvalidHeaderName       = errors.New("dkim: invalid header field name")
	ErrFromExcluded            = errors.New("dkim: From header field cannot be excluded from signing")
	ErrConfigNotBuilt          = errors.New("dkim: configuration was not built by a Builder")
)

// Signing errors.
var (
	ErrHeaderMalformed = errors.New("dkim: mail header is malformed")
	ErrNoSignedHeaders = errors.New("dkim: no header fields selected for signing")
	ErrSignatureFailed = errors.New("dkim: signature computation failed")
	ErrSignatureSyntax = errors.New("dkim: malformed DKIM-Signature")
)

// ConfigError reports a missing or structurally invalid configuration field.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v (field %s)", e.Err, e.Field)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// EncodingError reports header or body bytes that cannot be interpreted as
// an RFC 5322 message.
type EncodingError struct {
	// Header is the offending header field name, if known.
	Header string
	Err    error
}

func (e *EncodingError) Error() string {
	if e.Header != "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Header)
	}
	return e.Err.Error()
}

func (e *EncodingError) Unwrap() error { return e.Err }

// CryptoError reports a failure of the underlying signature operation.
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSignatureFailed, e.Err)
}

func (e *CryptoError) Unwrap() []error { return []error{ErrSignatureFailed, e.Err} }
