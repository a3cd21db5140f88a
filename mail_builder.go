package seal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/synqronlabs/seal/utils"
)

// MailBuilder provides a fluent API for constructing Mail objects.
// Header fields are emitted in a fixed order at Build, followed by custom
// headers in the order they were added.
type MailBuilder struct {
	mail   *Mail
	errors []error

	from      *MailboxAddress
	sender    *MailboxAddress
	to        []MailboxAddress
	cc        []MailboxAddress
	replyTo   *MailboxAddress
	subject   string
	date      time.Time
	messageID string
	inReplyTo string
	refs      []string
	custom    Headers

	body        []byte
	contentType string
	encoding    string
	attachments []Attachment
}

// Attachment is a file carried in a multipart/mixed message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// NewMailBuilder creates a new MailBuilder instance.
func NewMailBuilder() *MailBuilder {
	return &MailBuilder{mail: NewMail()}
}

func (b *MailBuilder) parse(kind, address string) (MailboxAddress, bool) {
	parsed, err := ParseAddress(address)
	if err != nil {
		b.errors = append(b.errors, fmt.Errorf("invalid %s address %q: %w", kind, address, err))
		return MailboxAddress{}, false
	}
	return parsed, true
}

// From sets the envelope sender and the From header.
func (b *MailBuilder) From(address string) *MailBuilder {
	if parsed, ok := b.parse("from", address); ok {
		b.from = &parsed
		b.mail.Envelope.From = parsed
	}
	return b
}

// Sender sets the Sender header.
func (b *MailBuilder) Sender(address string) *MailBuilder {
	if parsed, ok := b.parse("sender", address); ok {
		b.sender = &parsed
	}
	return b
}

// To adds recipients to the envelope and To header.
func (b *MailBuilder) To(addresses ...string) *MailBuilder {
	for _, addr := range addresses {
		if parsed, ok := b.parse("to", addr); ok {
			b.to = append(b.to, parsed)
			b.mail.AddRecipient(parsed)
		}
	}
	return b
}

// Cc adds CC recipients (adds to envelope and Cc header).
func (b *MailBuilder) Cc(addresses ...string) *MailBuilder {
	for _, addr := range addresses {
		if parsed, ok := b.parse("cc", addr); ok {
			b.cc = append(b.cc, parsed)
			b.mail.AddRecipient(parsed)
		}
	}
	return b
}

// Bcc adds BCC recipients (envelope only, no header).
func (b *MailBuilder) Bcc(addresses ...string) *MailBuilder {
	for _, addr := range addresses {
		if parsed, ok := b.parse("bcc", addr); ok {
			b.mail.AddRecipient(parsed)
		}
	}
	return b
}

// ReplyTo sets the Reply-To header.
func (b *MailBuilder) ReplyTo(address string) *MailBuilder {
	if parsed, ok := b.parse("reply-to", address); ok {
		b.replyTo = &parsed
	}
	return b
}

// Subject sets the Subject header. Non-ASCII subjects are RFC 2047 encoded.
func (b *MailBuilder) Subject(subject string) *MailBuilder {
	if utils.ContainsNonASCII(subject) {
		subject = mime.BEncoding.Encode("utf-8", subject)
	}
	b.subject = subject
	return b
}

// Header adds a custom header to the message.
func (b *MailBuilder) Header(name, value string) *MailBuilder {
	b.custom = append(b.custom, Header{Name: name, Value: value})
	return b
}

// MessageID sets the Message-ID header.
func (b *MailBuilder) MessageID(id string) *MailBuilder {
	b.messageID = angle(id)
	return b
}

// InReplyTo sets the In-Reply-To header for threading.
func (b *MailBuilder) InReplyTo(messageID string) *MailBuilder {
	b.inReplyTo = angle(messageID)
	return b
}

// References sets the References header for threading.
func (b *MailBuilder) References(messageIDs ...string) *MailBuilder {
	b.refs = b.refs[:0]
	for _, id := range messageIDs {
		b.refs = append(b.refs, angle(id))
	}
	return b
}

// Date sets the Date header. If not called, Build() will use the current time.
func (b *MailBuilder) Date(t time.Time) *MailBuilder {
	b.date = t
	return b
}

// TextBody sets a plain text body. Line endings are normalized to CRLF.
func (b *MailBuilder) TextBody(body string) *MailBuilder {
	return b.textPart("text/plain; charset=utf-8", body)
}

// HTMLBody sets an HTML body. Line endings are normalized to CRLF.
func (b *MailBuilder) HTMLBody(body string) *MailBuilder {
	return b.textPart("text/html; charset=utf-8", body)
}

func (b *MailBuilder) textPart(contentType, body string) *MailBuilder {
	normalized := utils.NormalizeLineEndings(body)
	b.body = []byte(normalized)
	b.contentType = contentType
	b.encoding = "7bit"
	if utils.ContainsNonASCII(normalized) {
		b.encoding = "8bit"
	}
	return b
}

// Attach adds a file attachment. The message becomes multipart/mixed, with
// the text body (if any) as the first part and each attachment base64 encoded.
func (b *MailBuilder) Attach(filename string, data []byte, contentType string) *MailBuilder {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	b.attachments = append(b.attachments, Attachment{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	})
	return b
}

// Build finalizes the Mail object and returns it. Date and Message-ID are
// generated when unset; MIME-Version is added when there is a body.
func (b *MailBuilder) Build() (*Mail, error) {
	if len(b.errors) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrBuilder, errors.Join(b.errors...))
	}
	if b.from == nil {
		return nil, ErrMissingFrom
	}
	if len(b.mail.Envelope.To) == 0 {
		return nil, ErrNoRecipients
	}

	m := b.mail
	m.Content.Headers = make(Headers, 0, 12+len(b.custom))

	m.AddHeader("From", formatAddress(*b.from))
	if b.sender != nil {
		m.AddHeader("Sender", formatAddress(*b.sender))
	}
	if len(b.to) > 0 {
		m.AddHeader("To", formatAddressList(b.to))
	}
	if len(b.cc) > 0 {
		m.AddHeader("Cc", formatAddressList(b.cc))
	}
	if b.replyTo != nil {
		m.AddHeader("Reply-To", formatAddress(*b.replyTo))
	}
	if b.subject != "" {
		m.AddHeader("Subject", b.subject)
	}

	date := b.date
	if date.IsZero() {
		date = time.Now()
	}
	m.AddHeader("Date", date.Format(time.RFC1123Z))

	msgID := b.messageID
	if msgID == "" {
		domain := b.from.Domain
		if domain == "" {
			domain = "localhost"
		}
		msgID = "<" + utils.GenerateID() + "@" + domain + ">"
	}
	m.AddHeader("Message-ID", msgID)

	if b.inReplyTo != "" {
		m.AddHeader("In-Reply-To", b.inReplyTo)
	}
	if len(b.refs) > 0 {
		m.AddHeader("References", strings.Join(b.refs, " "))
	}

	switch {
	case len(b.attachments) > 0:
		body, contentType, err := b.multipartBody()
		if err != nil {
			return nil, err
		}
		m.AddHeader("MIME-Version", "1.0")
		m.AddHeader("Content-Type", contentType)
		m.Content.Body = body
	case b.contentType != "":
		m.AddHeader("MIME-Version", "1.0")
		m.AddHeader("Content-Type", b.contentType)
		m.AddHeader("Content-Transfer-Encoding", b.encoding)
		m.Content.Body = b.body
	}

	m.Content.Headers = append(m.Content.Headers, b.custom...)
	m.CreatedAt = time.Now()
	return m, nil
}

// MustBuild is like Build but panics on error.
func (b *MailBuilder) MustBuild() *Mail {
	mail, err := b.Build()
	if err != nil {
		panic(err)
	}
	return mail
}

func (b *MailBuilder) multipartBody() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if b.contentType != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", b.contentType)
		h.Set("Content-Transfer-Encoding", b.encoding)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(b.body); err != nil {
			return nil, "", err
		}
	}

	for _, a := range b.attachments {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", a.ContentType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(wrapBase64(a.Data)); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": w.Boundary()}), nil
}

// wrapBase64 encodes data as base64 in 76-character CRLF-terminated lines.
func wrapBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	for len(encoded) > 76 {
		out.WriteString(encoded[:76])
		out.WriteString("\r\n")
		encoded = encoded[76:]
	}
	out.WriteString(encoded)
	return out.Bytes()
}

func angle(id string) string {
	if !strings.HasPrefix(id, "<") {
		return "<" + id + ">"
	}
	return id
}

// formatAddress formats a MailboxAddress for use in headers.
func formatAddress(addr MailboxAddress) string {
	email := addr.String()
	if addr.DisplayName != "" {
		displayName := addr.DisplayName
		if utils.ContainsNonASCII(displayName) {
			displayName = mime.BEncoding.Encode("utf-8", displayName)
		} else if strings.ContainsAny(displayName, `"(),.:;<>@[\]`) {
			displayName = `"` + strings.ReplaceAll(displayName, `"`, `\"`) + `"`
		}
		return displayName + " <" + email + ">"
	}
	return email
}

// formatAddressList formats multiple addresses for use in headers.
func formatAddressList(addresses []MailboxAddress) string {
	formatted := make([]string, len(addresses))
	for i, addr := range addresses {
		formatted[i] = formatAddress(addr)
	}
	return strings.Join(formatted, ", ")
}
