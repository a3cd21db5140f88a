package dkim

import (
	"crypto"
	"crypto/rsa"
	"errors"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Builder accumulates signing settings. It is not safe for concurrent use;
// the Config it produces is.
//
// Optional settings left unset take the documented defaults when built with
// Build. BuildStrict requires the algorithm and both canonicalizations.
type Builder struct {
	domain   string
	selector string
	identity string
	key      crypto.Signer

	headerCanon *Canonicalization
	bodyCanon   *Canonicalization
	algorithm   *Algorithm

	defaultHeaders []string
	additional     []string
	excluded       []string

	lengthParam bool
	zParam      bool
	clock       func() time.Time
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Domain sets the signing domain (d= tag). Required.
func (b *Builder) Domain(domain string) *Builder {
	b.domain = domain
	return b
}

// Selector sets the key selector (s= tag). Required.
func (b *Builder) Selector(selector string) *Builder {
	b.selector = selector
	return b
}

// PrivateKey sets the signing key. Required; must be an *rsa.PrivateKey.
func (b *Builder) PrivateKey(key crypto.Signer) *Builder {
	b.key = key
	return b
}

// Identity sets the agent or user identifier (i= tag). Its domain must be
// the signing domain or a subdomain of it. When unset no i= tag is emitted.
func (b *Builder) Identity(identity string) *Builder {
	b.identity = identity
	return b
}

// HeaderCanonicalization sets the header canonicalization. Default: relaxed.
func (b *Builder) HeaderCanonicalization(c Canonicalization) *Builder {
	b.headerCanon = &c
	return b
}

// BodyCanonicalization sets the body canonicalization. Default: simple.
func (b *Builder) BodyCanonicalization(c Canonicalization) *Builder {
	b.bodyCanon = &c
	return b
}

// Canonicalization sets both canonicalizations at once.
func (b *Builder) Canonicalization(header, body Canonicalization) *Builder {
	return b.HeaderCanonicalization(header).BodyCanonicalization(body)
}

// Algorithm sets the signing algorithm. Default: rsa-sha256.
func (b *Builder) Algorithm(a Algorithm) *Builder {
	b.algorithm = &a
	return b
}

// DefaultHeaders replaces the default header set. Default: DefaultSignedHeaders.
func (b *Builder) DefaultHeaders(names ...string) *Builder {
	b.defaultHeaders = append([]string{}, names...)
	return b
}

// SignHeaders adds header names to sign in addition to the defaults. A name
// previously passed to ExcludeHeaders is no longer excluded.
func (b *Builder) SignHeaders(names ...string) *Builder {
	for _, n := range names {
		b.excluded = removeName(b.excluded, n)
		if !containsName(b.additional, n) {
			b.additional = append(b.additional, n)
		}
	}
	return b
}

// ExcludeHeaders removes header names from the signed set. A name previously
// passed to SignHeaders is no longer added. From cannot be excluded.
func (b *Builder) ExcludeHeaders(names ...string) *Builder {
	for _, n := range names {
		b.additional = removeName(b.additional, n)
		if !containsName(b.excluded, n) {
			b.excluded = append(b.excluded, n)
		}
	}
	return b
}

// LengthParam enables the l= body length tag.
func (b *Builder) LengthParam(enabled bool) *Builder {
	b.lengthParam = enabled
	return b
}

// ZParam enables the z= copied header fields tag.
func (b *Builder) ZParam(enabled bool) *Builder {
	b.zParam = enabled
	return b
}

// Clock sets the time source for the t= tag. Default: time.Now.
func (b *Builder) Clock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the settings and returns an immutable Config, applying
// defaults for every unset optional setting. All problems found are
// reported together; each is a *ConfigError.
func (b *Builder) Build() (*Config, error) {
	return b.build(false)
}

// BuildStrict is like Build but also requires the algorithm and both
// canonicalizations to be set explicitly.
func (b *Builder) BuildStrict() (*Config, error) {
	return b.build(true)
}

func (b *Builder) build(strict bool) (*Config, error) {
	var errs []error
	fail := func(field string, err error) {
		errs = append(errs, &ConfigError{Field: field, Err: err})
	}

	cfg := &Config{
		headerCanon: CanonRelaxed,
		bodyCanon:   CanonSimple,
		algorithm:   AlgRSASHA256,
		lengthParam: b.lengthParam,
		zParam:      b.zParam,
		clock:       b.clock,
	}

	if b.domain == "" {
		fail("domain", ErrMissingDomain)
	} else if d, err := normalizeDomain(b.domain); err != nil {
		fail("domain", err)
	} else if _, err := publicsuffix.EffectiveTLDPlusOne(d); err != nil {
		fail("domain", ErrPublicSuffix)
	} else {
		cfg.domain = d
	}

	if b.selector == "" {
		fail("selector", ErrMissingSelector)
	} else if s, err := normalizeDomain(b.selector); err != nil {
		fail("selector", ErrInvalidSelector)
	} else {
		cfg.selector = s
	}

	if b.identity != "" && cfg.domain != "" {
		id, err := normalizeIdentity(b.identity, cfg.domain)
		if err != nil {
			fail("identity", err)
		}
		cfg.identity = id
	}

	if key, err := checkKey(b.key); err != nil {
		fail("private key", err)
	} else {
		cfg.key = key
	}

	switch {
	case b.algorithm != nil:
		if _, ok := b.algorithm.Hash(); !ok {
			fail("algorithm", ErrUnknownAlgorithm)
		}
		cfg.algorithm = *b.algorithm
	case strict:
		fail("algorithm", ErrMissingAlgorithm)
	}

	for _, c := range []struct {
		field string
		set   *Canonicalization
		dst   *Canonicalization
	}{
		{"header canonicalization", b.headerCanon, &cfg.headerCanon},
		{"body canonicalization", b.bodyCanon, &cfg.bodyCanon},
	} {
		switch {
		case c.set != nil:
			if !c.set.valid() {
				fail(c.field, ErrUnknownCanonicalization)
			}
			*c.dst = *c.set
		case strict:
			fail(c.field, ErrMissingCanonicalization)
		}
	}

	headers, err := b.resolveHeaders()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.headers = headers

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	cfg.built = true
	return cfg, nil
}

// resolveHeaders computes the candidate list: defaults, then additional
// names, minus excluded names. From is always a candidate.
func (b *Builder) resolveHeaders() ([]string, error) {
	defaults := b.defaultHeaders
	if defaults == nil {
		defaults = DefaultSignedHeaders
	}

	var names []string
	for _, list := range [][]string{defaults, b.additional, b.excluded} {
		for _, n := range list {
			if !validHeaderName(n) {
				return nil, &ConfigError{Field: "headers", Err: ErrInvalidHeaderName}
			}
		}
	}
	if containsName(b.excluded, "From") {
		return nil, &ConfigError{Field: "excluded headers", Err: ErrFromExcluded}
	}

	for _, list := range [][]string{defaults, b.additional} {
		for _, n := range list {
			if !containsName(names, n) && !containsName(b.excluded, n) {
				names = append(names, n)
			}
		}
	}
	if !containsName(names, "From") {
		names = append([]string{"From"}, names...)
	}
	return names, nil
}

// normalizeDomain converts a domain to its lowercase A-label form and
// checks every label is a valid LDH label.
func normalizeDomain(s string) (string, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", ErrInvalidDomain
	}
	ascii = toLowerASCII(ascii)
	if _, ok := dns.IsDomainName(ascii); !ok || len(ascii) > 253 {
		return "", ErrInvalidDomain
	}
	labels := dns.SplitDomainName(ascii)
	if len(labels) == 0 {
		return "", ErrInvalidDomain
	}
	for _, l := range labels {
		if !validLabel(l) {
			return "", ErrInvalidDomain
		}
	}
	return ascii, nil
}

func validLabel(l string) bool {
	if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		if !('a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

// normalizeIdentity validates [local-part]@domain against the signing domain.
func normalizeIdentity(identity, domain string) (string, error) {
	at := strings.LastIndexByte(identity, '@')
	if at < 0 {
		return "", ErrInvalidIdentity
	}
	local := identity[:at]
	for i := 0; i < len(local); i++ {
		if c := local[i]; c <= ' ' || c >= 0x7f || c == ';' {
			return "", ErrInvalidIdentity
		}
	}
	d, err := normalizeDomain(identity[at+1:])
	if err != nil {
		return "", ErrInvalidIdentity
	}
	if d != domain && !strings.HasSuffix(d, "."+domain) {
		return "", ErrInvalidIdentity
	}
	return local + "@" + d, nil
}

func checkKey(key crypto.Signer) (*rsa.PrivateKey, error) {
	if key == nil {
		return nil, ErrMissingKey
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok || rsaKey == nil {
		return nil, ErrKeyNotRSA
	}
	if rsaKey.N == nil || rsaKey.N.BitLen() < MinRSAKeyBits {
		return nil, ErrWeakKey
	}
	if err := rsaKey.Validate(); err != nil {
		return nil, ErrInvalidKey
	}
	return rsaKey, nil
}

func containsName(list []string, name string) bool {
	for _, n := range list {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func removeName(list []string, name string) []string {
	out := list[:0:0]
	for _, n := range list {
		if !strings.EqualFold(n, name) {
			out = append(out, n)
		}
	}
	return out
}

// Config is a validated, immutable signing configuration. It is created by
// a Builder and may be shared by any number of Signers and goroutines.
type Config struct {
	domain      string
	selector    string
	identity    string
	key         *rsa.PrivateKey
	headerCanon Canonicalization
	bodyCanon   Canonicalization
	algorithm   Algorithm
	headers     []string
	lengthParam bool
	zParam      bool
	clock       func() time.Time
	built       bool
}

// Domain returns the signing domain in lowercase A-label form.
func (c *Config) Domain() string { return c.domain }

// Selector returns the key selector.
func (c *Config) Selector() string { return c.selector }

// Identity returns the i= value, or "" if none is emitted.
func (c *Config) Identity() string { return c.identity }

// Algorithm returns the signing algorithm.
func (c *Config) Algorithm() Algorithm { return c.algorithm }

// HeaderCanonicalization returns the header canonicalization.
func (c *Config) HeaderCanonicalization() Canonicalization { return c.headerCanon }

// BodyCanonicalization returns the body canonicalization.
func (c *Config) BodyCanonicalization() Canonicalization { return c.bodyCanon }

// Headers returns the candidate header names in h= order.
func (c *Config) Headers() []string { return append([]string{}, c.headers...) }

// LengthParam reports whether l= is emitted.
func (c *Config) LengthParam() bool { return c.lengthParam }

// ZParam reports whether z= is emitted.
func (c *Config) ZParam() bool { return c.zParam }

// PublicKey returns the public half of the signing key, or nil if c was
// not created by a Builder.
func (c *Config) PublicKey() *rsa.PublicKey {
	if !c.built || c.key == nil {
		return nil
	}
	return &c.key.PublicKey
}

// KeyRecordName returns the fully qualified DNS name of the key record,
// selector._domainkey.domain.
func (c *Config) KeyRecordName() string {
	return dns.Fqdn(c.selector + "._domainkey." + c.domain)
}

func (c *Config) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return timeNow()
}
