package dkim

import (
	"bytes"
	"strings"
)

const crlf = "\r\n"

// Field is a single header field exactly as it will be transmitted.
// The rendered form is Name ": " Value; a folded Value keeps its line
// breaks, each followed by whitespace.
type Field struct {
	Name  string
	Value string
}

// headerData represents a parsed header.
type headerData struct {
	key  string // Original case
	lkey string // Lowercase
	raw  string // Complete field without the final CRLF; folds are CRLF+WSP
}

// value returns the unparsed field body, leading whitespace removed.
func (h headerData) value() string {
	idx := strings.IndexByte(h.raw, ':')
	return strings.TrimLeft(h.raw[idx+1:], " \t")
}

// CanonicalHeader is one signed header line in canonical form.
type CanonicalHeader struct {
	// Name is the header name as listed in the h= tag.
	Name string
	// Line is the canonical header line, terminated by CRLF.
	Line string
}

// CanonicalMessage is the canonical view of a message that a signature
// covers. It is derived per signing operation and never retained.
type CanonicalMessage struct {
	// Headers are the selected header fields, in h= order.
	Headers []CanonicalHeader
	// Body is the canonical body.
	Body []byte
}

// SignedHeaders returns the header names in the order they are digested.
func (m *CanonicalMessage) SignedHeaders() []string {
	names := make([]string, len(m.Headers))
	for i, h := range m.Headers {
		names[i] = h.Name
	}
	return names
}

// HeaderBytes returns the concatenation of the canonical header lines.
func (m *CanonicalMessage) HeaderBytes() []byte {
	var b bytes.Buffer
	for _, h := range m.Headers {
		b.WriteString(h.Line)
	}
	return b.Bytes()
}

// CanonicalizeHeader returns the canonical form of a single raw header
// field ("Name: value", possibly folded), terminated by CRLF.
//
// Simple canonicalization only normalizes line terminators.
// Relaxed canonicalization:
//   - Convert header name to lowercase
//   - Unfold header lines (remove CRLF before WSP)
//   - Compress WSP to single space
//   - Remove leading and trailing WSP from header value
func CanonicalizeHeader(c Canonicalization, field string) (string, error) {
	field = strings.TrimRight(field, crlf)
	idx := strings.IndexByte(field, ':')
	if idx == -1 {
		return "", &EncodingError{Err: ErrHeaderMalformed}
	}
	raw, err := normalizeFolding(field, field[:idx])
	if err != nil {
		return "", err
	}
	return canonicalizeHeader(c, raw)
}

func canonicalizeHeader(c Canonicalization, raw string) (string, error) {
	switch c {
	case CanonSimple:
		return raw + crlf, nil
	case CanonRelaxed:
		canonical, err := canonicalizeHeaderRelaxed(raw)
		if err != nil {
			return "", err
		}
		return canonical + crlf, nil
	default:
		return "", &ConfigError{Field: "header canonicalization", Err: ErrUnknownCanonicalization}
	}
}

// canonicalizeHeaderRelaxed returns the header in relaxed canonicalization,
// without a line terminator.
func canonicalizeHeaderRelaxed(header string) (string, error) {
	idx := strings.IndexByte(header, ':')
	if idx == -1 {
		return "", &EncodingError{Err: ErrHeaderMalformed}
	}

	name := toLowerASCII(strings.TrimRight(header[:idx], " \t"))

	// Folds are CRLF followed by WSP, so dropping the line breaks unfolds.
	value := strings.ReplaceAll(header[idx+1:], crlf, "")

	return name + ":" + string(compressWSP([]byte(value))), nil
}

// compressWSP collapses runs of spaces and tabs into one space and trims
// whitespace at both ends.
func compressWSP(line []byte) []byte {
	out := make([]byte, 0, len(line))
	prevWS := false
	for _, b := range line {
		if b == ' ' || b == '\t' {
			prevWS = true
			continue
		}
		if prevWS && len(out) > 0 {
			out = append(out, ' ')
		}
		prevWS = false
		out = append(out, b)
	}
	return out
}

// relaxBodyLine collapses WSP runs and strips trailing WSP; leading
// whitespace survives as a single space.
func relaxBodyLine(line []byte) []byte {
	out := make([]byte, 0, len(line))
	prevWS := false
	for _, b := range line {
		if b == ' ' || b == '\t' {
			prevWS = true
			continue
		}
		if prevWS {
			out = append(out, ' ')
		}
		prevWS = false
		out = append(out, b)
	}
	return out
}

// CanonicalizeBody returns the canonical form of a message body.
//
// Both algorithms normalize line terminators to CRLF and drop empty lines
// at the end of the body; a body with content always ends with exactly one
// CRLF and a body without content canonicalizes to no bytes at all.
// Relaxed canonicalization additionally strips trailing WSP from every line
// and compresses WSP runs to a single space.
func CanonicalizeBody(c Canonicalization, body []byte) []byte {
	var out bytes.Buffer
	pending := 0

	for len(body) > 0 {
		var line []byte
		terminated := false
		if i := bytes.IndexByte(body, '\n'); i >= 0 {
			line, body = body[:i], body[i+1:]
			line = bytes.TrimSuffix(line, []byte{'\r'})
			terminated = true
		} else {
			line, body = body, nil
		}

		if c == CanonRelaxed {
			line = relaxBodyLine(line)
		}

		// Empty lines are held back until content follows them
		if len(line) == 0 {
			if terminated {
				pending++
			}
			continue
		}

		for ; pending > 0; pending-- {
			out.WriteString(crlf)
		}
		out.Write(line)
		pending = 1
	}

	if out.Len() == 0 {
		return []byte{}
	}
	out.WriteString(crlf)
	return out.Bytes()
}

// selectHeaders returns the h= list for a message: every candidate name
// present in the message, repeated once per instance, in candidate order.
func selectHeaders(headers []headerData, candidates []string) []string {
	present := make(map[string]int)
	for _, h := range headers {
		present[h.lkey]++
	}

	var names []string
	for _, c := range candidates {
		lc := toLowerASCII(c)
		for i := 0; i < present[lc]; i++ {
			names = append(names, lc)
		}
	}
	return names
}

// canonicalizeHeaders canonicalizes the header fields named in signed, in
// that order, and also returns the fields used. Repeated names consume
// instances from the bottom of the header block upwards (RFC 6376 Section 5.4.2).
func canonicalizeHeaders(c Canonicalization, headers []headerData, signed []string) ([]CanonicalHeader, []headerData, error) {
	// Build a map of headers in reverse order (most recent first)
	headerMap := make(map[string][]headerData)
	for i := len(headers) - 1; i >= 0; i-- {
		headerMap[headers[i].lkey] = append(headerMap[headers[i].lkey], headers[i])
	}

	out := make([]CanonicalHeader, 0, len(signed))
	used := make([]headerData, 0, len(signed))
	for _, name := range signed {
		lname := toLowerASCII(name)
		hdrs := headerMap[lname]
		if len(hdrs) == 0 {
			// Header not present, contributes nothing (RFC 6376 Section 5.4)
			continue
		}
		hdr := hdrs[0]
		headerMap[lname] = hdrs[1:]

		line, err := canonicalizeHeader(c, hdr.raw)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, CanonicalHeader{Name: lname, Line: line})
		used = append(used, hdr)
	}
	return out, used, nil
}

// parseMessage splits a raw RFC 5322 message into header fields and body.
// Lines may end in CRLF or a bare LF; header folds are stored as CRLF.
func parseMessage(data []byte) ([]headerData, []byte, error) {
	var headers []headerData
	rest := data

	for len(rest) > 0 {
		var line []byte
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i], rest[i+1:]
		} else {
			line, rest = rest, nil
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})

		// Empty line signals end of headers
		if len(line) == 0 {
			return headers, rest, nil
		}

		// Check for continuation (folded header)
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				return nil, nil, &EncodingError{Err: ErrHeaderMalformed}
			}
			headers[len(headers)-1].raw += crlf + string(line)
			continue
		}

		h, err := newHeaderData(string(line))
		if err != nil {
			return nil, nil, err
		}
		headers = append(headers, h)
	}

	return headers, nil, nil
}

func newHeaderData(line string) (headerData, error) {
	colonIdx := strings.IndexByte(line, ':')
	if colonIdx == -1 {
		return headerData{}, &EncodingError{Err: ErrHeaderMalformed}
	}
	key := strings.TrimRight(line[:colonIdx], " \t")
	if !validHeaderName(key) {
		return headerData{}, &EncodingError{Header: key, Err: ErrHeaderMalformed}
	}
	return headerData{key: key, lkey: toLowerASCII(key), raw: line}, nil
}

// parseFields renders fields the way they are transmitted.
func parseFields(fields []Field) ([]headerData, error) {
	headers := make([]headerData, 0, len(fields))
	for _, f := range fields {
		if !validHeaderName(f.Name) {
			return nil, &EncodingError{Header: f.Name, Err: ErrHeaderMalformed}
		}
		raw, err := normalizeFolding(f.Name+": "+strings.TrimRight(f.Value, crlf), f.Name)
		if err != nil {
			return nil, err
		}
		headers = append(headers, headerData{key: f.Name, lkey: toLowerASCII(f.Name), raw: raw})
	}
	return headers, nil
}

// normalizeFolding converts every line break of a header field to CRLF.
// A line break must be followed by WSP.
func normalizeFolding(field, name string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(field, crlf, "\n"), "\n")
	for i, l := range lines {
		if strings.IndexByte(l, '\r') >= 0 {
			return "", &EncodingError{Header: name, Err: ErrHeaderMalformed}
		}
		if i > 0 && (l == "" || (l[0] != ' ' && l[0] != '\t')) {
			return "", &EncodingError{Header: name, Err: ErrHeaderMalformed}
		}
	}
	return strings.Join(lines, crlf), nil
}

// validHeaderName reports whether s is a valid RFC 5322 field name
// (printable US-ASCII except colon).
func validHeaderName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || c == ':' {
			return false
		}
	}
	return true
}
