package dkim

import (
	"crypto/rsa"
	_ "crypto/sha1" // registers crypto.SHA1
	_ "crypto/sha256"
	"strings"
)

// Signer provides DKIM message signing with one validated Config.
// It holds no mutable state and is safe for concurrent use.
type Signer struct {
	cfg *Config
}

// NewSigner returns a Signer for cfg, which must come from a Builder.
func NewSigner(cfg *Config) (*Signer, error) {
	if cfg == nil || !cfg.built {
		return nil, &ConfigError{Field: "config", Err: ErrConfigNotBuilt}
	}
	return &Signer{cfg: cfg}, nil
}

// Config returns the signer's configuration.
func (s *Signer) Config() *Config {
	return s.cfg
}

// Sign signs a complete RFC 5322 message (headers, empty line, body) and
// returns the DKIM-Signature header value: no field name and no trailing
// CRLF. The message is not modified.
func (s *Signer) Sign(message []byte) (string, error) {
	sig, err := s.SignMessage(message)
	if err != nil {
		return "", err
	}
	return sig.Value(), nil
}

// SignFields signs a message given as ordered header fields, exactly as they
// will be transmitted, and a body that is already transfer-encoded.
func (s *Signer) SignFields(fields []Field, body []byte) (string, error) {
	headers, err := parseFields(fields)
	if err != nil {
		return "", err
	}
	sig, err := s.sign(headers, body)
	if err != nil {
		return "", err
	}
	return sig.Value(), nil
}

// SignMessage is like Sign but returns the structured signature.
func (s *Signer) SignMessage(message []byte) (*Signature, error) {
	headers, body, err := parseMessage(message)
	if err != nil {
		return nil, err
	}
	return s.sign(headers, body)
}

// Canonicalize returns the canonical header lines and body that a signature
// of message covers, excluding the DKIM-Signature header itself.
func (s *Signer) Canonicalize(message []byte) (*CanonicalMessage, error) {
	headers, body, err := parseMessage(message)
	if err != nil {
		return nil, err
	}
	signed := selectHeaders(headers, s.cfg.headers)
	canonical, _, err := canonicalizeHeaders(s.cfg.headerCanon, headers, signed)
	if err != nil {
		return nil, err
	}
	return &CanonicalMessage{
		Headers: canonical,
		Body:    CanonicalizeBody(s.cfg.bodyCanon, body),
	}, nil
}

func (s *Signer) sign(headers []headerData, body []byte) (*Signature, error) {
	cfg := s.cfg

	signed := selectHeaders(headers, cfg.headers)
	if len(signed) == 0 {
		return nil, ErrNoSignedHeaders
	}

	canonical, sources, err := canonicalizeHeaders(cfg.headerCanon, headers, signed)
	if err != nil {
		return nil, err
	}

	hash, _ := cfg.algorithm.Hash()

	// Body hash
	canonBody := CanonicalizeBody(cfg.bodyCanon, body)
	bh := hash.New()
	bh.Write(canonBody)

	sig := NewSignature()
	sig.Algorithm = string(cfg.algorithm)
	sig.Canonicalization = string(cfg.headerCanon) + "/" + string(cfg.bodyCanon)
	sig.Domain = cfg.domain
	sig.Selector = cfg.selector
	sig.SignTime = cfg.now().Unix()
	sig.SignedHeaders = signed
	sig.BodyHash = bh.Sum(nil)
	sig.Identity = cfg.identity
	if cfg.lengthParam {
		sig.Length = int64(len(canonBody))
	}
	if cfg.zParam {
		for _, h := range sources {
			sig.CopiedHeaders = append(sig.CopiedHeaders, h.key+":"+strings.ReplaceAll(h.value(), crlf, ""))
		}
	}

	// The signature header is digested last, with an empty b= and no
	// trailing CRLF (RFC 6376 Section 3.7).
	sigLine, err := canonicalizeHeader(cfg.headerCanon, sig.Header(false))
	if err != nil {
		return nil, err
	}

	dh := hash.New()
	for _, h := range canonical {
		dh.Write([]byte(h.Line))
	}
	dh.Write([]byte(strings.TrimSuffix(sigLine, crlf)))

	signature, err := rsa.SignPKCS1v15(cryptoRand, cfg.key, hash, dh.Sum(nil))
	if err != nil {
		return nil, &CryptoError{Err: err}
	}
	sig.Signature = signature
	return sig, nil
}
