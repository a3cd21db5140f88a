// Package dkim implements DomainKeys Identified Mail (DKIM) signing per RFC 6376.
//
// A message is signed by computing a digest over a canonical form of its
// body and of a selected, ordered set of its header fields, signing that
// digest with the domain's RSA private key, and prepending the result as a
// DKIM-Signature header field.
//
// This implementation supports:
//   - RSA-SHA256 (required by RFC 6376)
//   - RSA-SHA1 (deprecated, but supported for compatibility)
//   - "simple" and "relaxed" canonicalization for headers and body
//
// # Basic Usage
//
// Build a validated configuration once and reuse the signer for many messages:
//
//	cfg, err := dkim.NewBuilder().
//	    Domain("example.com").
//	    Selector("s1").
//	    PrivateKey(privateKey).
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	signer, err := dkim.NewSigner(cfg)
//	value, err := signer.Sign(rawMessage)
//
// The returned value belongs in a "DKIM-Signature" header field placed
// before every other header field of the message. [SignMail] does this for
// a seal.Mail.
//
// A Signer holds no mutable state and may be shared between goroutines.
package dkim

import (
	"crypto"
	"crypto/rand"
	"time"
)

// Algorithm represents a DKIM signing algorithm.
type Algorithm string

const (
	// AlgRSASHA256 is the RSA-SHA256 algorithm (required by RFC 6376).
	AlgRSASHA256 Algorithm = "rsa-sha256"

	// AlgRSASHA1 is the deprecated RSA-SHA1 algorithm.
	AlgRSASHA1 Algorithm = "rsa-sha1"
)

// Hash returns the digest function of the algorithm.
func (a Algorithm) Hash() (crypto.Hash, bool) {
	switch a {
	case AlgRSASHA256:
		return crypto.SHA256, true
	case AlgRSASHA1:
		return crypto.SHA1, true
	default:
		return 0, false
	}
}

// ParseAlgorithm parses an a= value such as "rsa-sha256".
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(toLowerASCII(s))
	if _, ok := a.Hash(); !ok {
		return "", &ConfigError{Field: "algorithm", Err: ErrUnknownAlgorithm}
	}
	return a, nil
}

// ParseDomain returns the lowercase A-label form of a signing domain.
// U-labels are accepted and converted.
func ParseDomain(s string) (string, error) {
	d, err := normalizeDomain(s)
	if err != nil {
		return "", &ConfigError{Field: "domain", Err: err}
	}
	return d, nil
}

// Canonicalization represents header/body canonicalization algorithms.
type Canonicalization string

const (
	// CanonSimple uses the "simple" canonicalization algorithm.
	CanonSimple Canonicalization = "simple"

	// CanonRelaxed uses the "relaxed" canonicalization algorithm.
	CanonRelaxed Canonicalization = "relaxed"
)

func (c Canonicalization) valid() bool {
	return c == CanonSimple || c == CanonRelaxed
}

// ParseCanonicalization parses "simple" or "relaxed", ignoring case.
func ParseCanonicalization(s string) (Canonicalization, error) {
	c := Canonicalization(toLowerASCII(s))
	if !c.valid() {
		return "", &ConfigError{Field: "canonicalization", Err: ErrUnknownCanonicalization}
	}
	return c, nil
}

// DefaultSignedHeaders is the default list of headers to sign.
// Headers missing from a message are skipped. The order here is the order
// of the h= tag.
var DefaultSignedHeaders = []string{
	"From",
	"Sender",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"Reply-To",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-ID",
	"Content-Description",
	"Content-Disposition",
	"Resent-Date",
	"Resent-From",
	"Resent-Sender",
	"Resent-To",
	"Resent-Cc",
	"Resent-Message-ID",
	"List-Id",
	"List-Help",
	"List-Unsubscribe",
	"List-Subscribe",
	"List-Post",
	"List-Owner",
	"List-Archive",
}

// HeaderName is the name of the header field carrying the signature.
const HeaderName = "DKIM-Signature"

// MinRSAKeyBits is the smallest RSA modulus accepted for signing (RFC 6376 Section 3.3.3).
const MinRSAKeyBits = 1024

// timeNow is the clock used when a Config has none.
var timeNow = time.Now

// cryptoRand is the random source for RSA blinding.
var cryptoRand = rand.Reader

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
