package seal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/synqronlabs/seal/utils"
)

// MailboxAddress represents an email address as per RFC 5322 Section 3.4.
type MailboxAddress struct {
	// LocalPart is the portion before the @ sign.
	LocalPart string `json:"local_part" msg:"local_part"`

	// Domain is the portion after the @ sign.
	Domain string `json:"domain" msg:"domain"`

	// DisplayName is an optional human-readable name associated with the address.
	DisplayName string `json:"display_name,omitempty" msg:"display_name"`
}

// String returns the address in the standard "local-part@domain" format.
func (m MailboxAddress) String() string {
	if m.LocalPart == "" && m.Domain == "" {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// IsZero reports whether the address is empty.
func (m MailboxAddress) IsZero() bool {
	return m.LocalPart == "" && m.Domain == ""
}

// Envelope carries the transport addresses of a message. It is not part of
// the signed content.
type Envelope struct {
	// From is the reverse-path. Empty for bounce messages.
	From MailboxAddress `json:"from" msg:"from"`

	// To lists every recipient, including Cc and Bcc.
	To []MailboxAddress `json:"to" msg:"to"`
}

// Header is a single header field. Value is the field body exactly as it is
// transmitted after "Name: ". A folded Value keeps its line breaks, each
// followed by whitespace.
type Header struct {
	Name  string `json:"name" msg:"name"`
	Value string `json:"value" msg:"value"`
}

// Headers is an ordered collection of header fields. Duplicates are kept.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns all header values with the given name (case-insensitive).
func (h Headers) GetAll(name string) []string {
	var values []string
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// Has reports whether a header with the given name is present.
func (h Headers) Has(name string) bool {
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Prepend returns the headers with hdr placed first.
func (h Headers) Prepend(hdr Header) Headers {
	out := make(Headers, 0, len(h)+1)
	out = append(out, hdr)
	return append(out, h...)
}

// Content is the message header section and body as transmitted after DATA.
type Content struct {
	// Headers contains all message header fields per RFC 5322, in order.
	Headers Headers `json:"headers" msg:"headers"`

	// Body is the body after content-transfer-encoding, with CRLF line endings.
	Body []byte `json:"body,omitempty" msg:"body"`
}

// ToRaw renders the content as RFC 5322 message bytes: one "Name: Value"
// line per header terminated by CRLF, an empty line, then the body.
// Line breaks inside folded values are written as CRLF.
func (c *Content) ToRaw() []byte {
	var b bytes.Buffer
	for _, h := range c.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(utils.NormalizeLineEndings(h.Value))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(c.Body)
	return b.Bytes()
}

// ParseContent splits raw message bytes into header fields and body.
// LF line endings are accepted and converted to CRLF. Folded header values
// are kept folded. A message without an empty line has no body.
func ParseContent(raw []byte) (*Content, error) {
	content := &Content{Headers: make(Headers, 0)}
	rest := raw

	for len(rest) > 0 {
		var line []byte
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i], rest[i+1:]
		} else {
			line, rest = rest, nil
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if len(line) == 0 {
			content.Body = []byte(utils.NormalizeLineEndings(string(rest)))
			return content, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			if len(content.Headers) == 0 {
				return nil, fmt.Errorf("%w: continuation line before first header", ErrMalformedHeader)
			}
			last := &content.Headers[len(content.Headers)-1]
			last.Value += "\r\n" + string(line)
			continue
		}

		name, value, ok := strings.Cut(string(line), ":")
		name = strings.TrimRight(name, " \t")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		content.Headers = append(content.Headers, Header{
			Name:  name,
			Value: strings.TrimLeft(value, " \t"),
		})
	}

	return content, nil
}

// Mail is a message together with its envelope.
type Mail struct {
	// ID is a unique, time-ordered identifier assigned on creation.
	ID string `json:"id" msg:"id"`

	// CreatedAt is when the Mail was built or parsed.
	CreatedAt time.Time `json:"created_at" msg:"created_at"`

	// Envelope holds the transport addresses.
	Envelope Envelope `json:"envelope" msg:"envelope"`

	// Content holds the header section and body.
	Content Content `json:"content" msg:"content"`
}

// NewMail creates a new empty Mail with a fresh ID.
func NewMail() *Mail {
	return &Mail{
		ID:        utils.GenerateID(),
		CreatedAt: time.Now(),
		Envelope: Envelope{
			To: make([]MailboxAddress, 0),
		},
		Content: Content{
			Headers: make(Headers, 0),
		},
	}
}

// ParseMail parses raw message bytes into a new Mail. The envelope is
// derived from the From, To and Cc headers where they parse.
func ParseMail(raw []byte) (*Mail, error) {
	content, err := ParseContent(raw)
	if err != nil {
		return nil, err
	}
	m := NewMail()
	m.Content = *content

	if from, err := ParseAddress(content.Headers.Get("From")); err == nil {
		m.Envelope.From = from
	}
	for _, name := range []string{"To", "Cc"} {
		for _, v := range content.Headers.GetAll(name) {
			list, err := mail.ParseAddressList(strings.ReplaceAll(v, "\r\n", ""))
			if err != nil {
				continue
			}
			for _, a := range list {
				if addr, err := ParseAddress(a.String()); err == nil {
					m.AddRecipient(addr)
				}
			}
		}
	}
	return m, nil
}

// AddRecipient adds a recipient to the envelope.
func (m *Mail) AddRecipient(address MailboxAddress) {
	m.Envelope.To = append(m.Envelope.To, address)
}

// AddHeader appends a header to the message content.
func (m *Mail) AddHeader(name, value string) {
	m.Content.Headers = append(m.Content.Headers, Header{Name: name, Value: value})
}

// RequiresSMTPUTF8 reports whether any envelope address or header value
// contains non-ASCII characters.
func (m *Mail) RequiresSMTPUTF8() bool {
	if utils.ContainsNonASCII(m.Envelope.From.String()) {
		return true
	}
	for _, rcpt := range m.Envelope.To {
		if utils.ContainsNonASCII(rcpt.String()) {
			return true
		}
	}
	for _, h := range m.Content.Headers {
		if utils.ContainsNonASCII(h.Value) {
			return true
		}
	}
	return false
}

// ParseAddress parses an email address string into a MailboxAddress.
// Supports both simple "user@domain" and RFC 5322 formatted addresses.
func ParseAddress(addr string) (MailboxAddress, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return MailboxAddress{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	address := parsed.Address
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return MailboxAddress{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}

	return MailboxAddress{
		LocalPart:   address[:at],
		Domain:      address[at+1:],
		DisplayName: parsed.Name,
	}, nil
}

// ToJSON serializes the Mail object to JSON bytes.
func (m *Mail) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ToJSONIndent serializes the Mail object to pretty-printed JSON bytes.
func (m *Mail) ToJSONIndent() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FromJSON deserializes a Mail object from JSON bytes.
func FromJSON(data []byte) (*Mail, error) {
	var m Mail
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
