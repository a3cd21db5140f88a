package dkim

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Signature represents a DKIM-Signature header (RFC 6376 Section 3.5).
// Tags are emitted in the fixed order v, a, c, d, s, t, h, bh, b, i, l, z.
type Signature struct {
	// Required fields
	Version       int      // v= Version, must be 1
	Algorithm     string   // a= Algorithm (e.g., "rsa-sha256")
	Signature     []byte   // b= Signature data
	BodyHash      []byte   // bh= Body hash
	Domain        string   // d= Signing domain
	SignedHeaders []string // h= Signed header fields
	Selector      string   // s= Selector

	// Optional fields
	Canonicalization string   // c= Canonicalization (e.g., "relaxed/simple")
	Identity         string   // i= Agent or User Identifier (AUID)
	Length           int64    // l= Body length limit (-1 if not set)
	SignTime         int64    // t= Signature timestamp (-1 if not set)
	CopiedHeaders    []string // z= Copied header fields, "Name:value" unencoded
}

// NewSignature creates a new Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Version:          1,
		Canonicalization: "simple/simple",
		Length:           -1,
		SignTime:         -1,
	}
}

// HeaderCanon returns the header canonicalization algorithm.
func (s *Signature) HeaderCanon() Canonicalization {
	parts := strings.SplitN(s.Canonicalization, "/", 2)
	if len(parts) > 0 && parts[0] != "" {
		return Canonicalization(toLowerASCII(parts[0]))
	}
	return CanonSimple
}

// BodyCanon returns the body canonicalization algorithm.
func (s *Signature) BodyCanon() Canonicalization {
	parts := strings.SplitN(s.Canonicalization, "/", 2)
	if len(parts) > 1 {
		return Canonicalization(toLowerASCII(parts[1]))
	}
	// Default body canonicalization is "simple"
	return CanonSimple
}

// headerWriter helps create DKIM-Signature headers with proper folding.
// It tracks line length and folds to the next line when needed (RFC 5322).
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

const maxLineLen = 76

// add adds text, potentially folding to a new line if it exceeds maxLineLen.
func (w *headerWriter) add(sep, text string) {
	n := len(text)
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+n > maxLineLen {
		w.fold()
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

// addf formats and adds text.
func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that can be wrapped at any position (like base64).
func (w *headerWriter) addWrap(data []byte) {
	for len(data) > 0 {
		n := maxLineLen - w.lineLen
		if n <= 0 {
			w.fold()
			n = maxLineLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

// fold starts a continuation line.
func (w *headerWriter) fold() {
	w.b.WriteString("\r\n\t")
	w.lineLen = 1
}

// String returns the header content (without trailing CRLF).
func (w *headerWriter) String() string {
	return w.b.String()
}

// Header generates the complete DKIM-Signature header field, without a
// trailing CRLF. If includeSignature is false, the b= value is left empty;
// that form is what the signature itself covers.
//
// Tags after b= always start on a fresh line, so the folding of the
// remainder does not depend on the length of the b= value.
func (s *Signature) Header(includeSignature bool) string {
	w := &headerWriter{}

	w.addf("", "%s: v=%d;", HeaderName, s.Version)
	w.addf(" ", "a=%s;", s.Algorithm)

	canon := s.Canonicalization
	if canon == "" {
		canon = "simple/simple"
	}
	w.addf(" ", "c=%s;", canon)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)

	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}

	// Signed headers: one name per unit so long lists fold at colons
	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.add(sep, h)
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))

	// Keep room for one more byte after "b=" so that removing the b= value
	// never changes where the following ";" lands.
	if w.lineLen+len(" b=")+1 > maxLineLen {
		w.fold()
	} else {
		w.b.WriteString(" ")
		w.lineLen++
	}
	w.b.WriteString("b=")
	w.lineLen += len("b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	var trailing []string
	if s.Identity != "" {
		trailing = append(trailing, "i="+s.Identity)
	}
	if s.Length >= 0 {
		trailing = append(trailing, "l="+strconv.FormatInt(s.Length, 10))
	}
	if len(trailing) == 0 && len(s.CopiedHeaders) == 0 {
		return w.String()
	}

	if w.lineLen >= maxLineLen {
		w.fold()
	}
	w.b.WriteString(";")
	w.fold()
	w.nonfirst = false
	for i, t := range trailing {
		if i < len(trailing)-1 || len(s.CopiedHeaders) > 0 {
			t += ";"
		}
		w.add(" ", t)
	}

	for i, h := range s.CopiedHeaders {
		encoded := encodeCopiedHeader(h)
		sep := ""
		if i == 0 {
			encoded = "z=" + encoded
			sep = " "
		}
		if i < len(s.CopiedHeaders)-1 {
			encoded += "|"
		}
		w.add(sep, encoded)
	}

	return w.String()
}

// Value returns the DKIM-Signature header field value: the complete
// header without the field name, the colon and the following space.
func (s *Signature) Value() string {
	return strings.TrimPrefix(s.Header(true), HeaderName+": ")
}

// encodeCopiedHeader encodes one "Name:value" z= entry. The value uses
// DKIM quoted-printable (RFC 6376 Section 2.11) with "|" also encoded.
func encodeCopiedHeader(h string) string {
	name, value, ok := strings.Cut(h, ":")
	if !ok {
		return qpEncode(h)
	}
	return name + ":" + qpEncode(value)
}

func qpEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		// dkim-safe-char: %x21-3A / %x3C / %x3E-7E, minus "|" for z=
		if c > ' ' && c < 0x7f && c != ';' && c != '=' && c != '|' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// ParseSignature parses a DKIM-Signature header produced by a signer. The
// input may include the "DKIM-Signature:" field name. It checks syntax and
// required tags only; it does not verify anything.
func ParseSignature(header string) (*Signature, error) {
	input := unfoldHeader(strings.TrimRight(header, crlf))
	if name, rest, ok := strings.Cut(input, ":"); ok && strings.EqualFold(strings.TrimSpace(name), HeaderName) {
		input = rest
	}

	sig := NewSignature()
	seen := make(map[string]bool)

	for _, part := range strings.Split(input, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: tag without value: %q", ErrSignatureSyntax, part)
		}
		tag = strings.TrimSpace(tag)
		value = strings.TrimSpace(value)

		if seen[tag] {
			return nil, fmt.Errorf("%w: duplicate tag %s", ErrSignatureSyntax, tag)
		}
		seen[tag] = true

		switch tag {
		case "v":
			v, err := strconv.Atoi(value)
			if err != nil || v != 1 {
				return nil, fmt.Errorf("%w: invalid version %q", ErrSignatureSyntax, value)
			}
			sig.Version = v
		case "a":
			sig.Algorithm = toLowerASCII(value)
		case "b":
			decoded, err := base64.StdEncoding.DecodeString(stripWSP(value))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid signature encoding: %v", ErrSignatureSyntax, err)
			}
			sig.Signature = decoded
		case "bh":
			decoded, err := base64.StdEncoding.DecodeString(stripWSP(value))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid body hash encoding: %v", ErrSignatureSyntax, err)
			}
			sig.BodyHash = decoded
		case "c":
			sig.Canonicalization = toLowerASCII(value)
		case "d":
			sig.Domain = toLowerASCII(value)
		case "s":
			sig.Selector = toLowerASCII(value)
		case "h":
			for _, h := range strings.Split(value, ":") {
				if h = strings.TrimSpace(h); h != "" {
					sig.SignedHeaders = append(sig.SignedHeaders, h)
				}
			}
		case "i":
			sig.Identity = value
		case "l":
			l, err := strconv.ParseInt(value, 10, 64)
			if err != nil || l < 0 {
				return nil, fmt.Errorf("%w: invalid length %q", ErrSignatureSyntax, value)
			}
			sig.Length = l
		case "t":
			t, err := strconv.ParseInt(value, 10, 64)
			if err != nil || t < 0 {
				return nil, fmt.Errorf("%w: invalid timestamp %q", ErrSignatureSyntax, value)
			}
			sig.SignTime = t
		case "z":
			for _, h := range strings.Split(value, "|") {
				sig.CopiedHeaders = append(sig.CopiedHeaders, qpDecode(stripWSP(h)))
			}
		}
	}

	for _, tag := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[tag] {
			return nil, fmt.Errorf("%w: missing tag %s", ErrSignatureSyntax, tag)
		}
	}
	return sig, nil
}

// unfoldHeader unfolds a folded header (removes CRLF followed by whitespace)
func unfoldHeader(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "")
	return strings.ReplaceAll(s, "\n", "")
}

func stripWSP(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

// qpDecode decodes DKIM quoted-printable.
func qpDecode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	}
	return -1
}
