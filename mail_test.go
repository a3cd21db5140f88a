package seal

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestHeaders_Lookup(t *testing.T) {
	h := Headers{
		{Name: "From", Value: "a@example.com"},
		{Name: "Received", Value: "one"},
		{Name: "received", Value: "two"},
	}

	if got := h.Get("FROM"); got != "a@example.com" {
		t.Errorf("Get(FROM) = %q", got)
	}
	if got := h.Get("Subject"); got != "" {
		t.Errorf("Get(Subject) = %q, want empty", got)
	}
	if diff := cmp.Diff([]string{"one", "two"}, h.GetAll("Received")); diff != "" {
		t.Errorf("GetAll() mismatch (-want +got):\n%s", diff)
	}
	if !h.Has("received") || h.Has("To") {
		t.Error("Has() returned the wrong answer")
	}

	prepended := h.Prepend(Header{Name: "X-First", Value: "1"})
	if prepended[0].Name != "X-First" || len(prepended) != 4 {
		t.Errorf("Prepend() = %v", prepended)
	}
	if h[0].Name != "From" {
		t.Error("Prepend() modified the receiver")
	}
}

func TestContent_ToRaw(t *testing.T) {
	c := &Content{
		Headers: Headers{
			{Name: "From", Value: "a@example.com"},
			{Name: "To", Value: "b@example.com,\n c@example.com"},
		},
		Body: []byte("hi\r\n"),
	}
	want := "From: a@example.com\r\nTo: b@example.com,\r\n c@example.com\r\n\r\nhi\r\n"
	if got := string(c.ToRaw()); got != want {
		t.Errorf("ToRaw() = %q, want %q", got, want)
	}
}

func TestParseContent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *Content
		wantErr bool
	}{
		{
			name: "crlf",
			raw:  "From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n",
			want: &Content{
				Headers: Headers{{Name: "From", Value: "a@example.com"}, {Name: "Subject", Value: "hi"}},
				Body:    []byte("body\r\n"),
			},
		},
		{
			name: "lf and folded",
			raw:  "Subject: one\n\ttwo\nX-Empty:\n\nline1\nline2\n",
			want: &Content{
				Headers: Headers{{Name: "Subject", Value: "one\r\n\ttwo"}, {Name: "X-Empty", Value: ""}},
				Body:    []byte("line1\r\nline2\r\n"),
			},
		},
		{
			name: "no body",
			raw:  "From: a@example.com\r\n",
			want: &Content{Headers: Headers{{Name: "From", Value: "a@example.com"}}},
		},
		{name: "continuation first", raw: " folded\r\n\r\n", wantErr: true},
		{name: "no colon", raw: "From a@example.com\r\n\r\n", wantErr: true},
		{name: "space in name", raw: "Bad Name: x\r\n\r\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseContent([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedHeader) {
					t.Fatalf("ParseContent() error = %v, want ErrMalformedHeader", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseContent() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseContent() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestContent_RoundTrip(t *testing.T) {
	raw := "From: a@example.com\r\nTo: b@example.com,\r\n\tc@example.com\r\n\r\nbody\r\n"
	c, err := ParseContent([]byte(raw))
	if err != nil {
		t.Fatalf("ParseContent() error = %v", err)
	}
	if got := string(c.ToRaw()); got != raw {
		t.Errorf("ToRaw() = %q, want %q", got, raw)
	}
}

func TestParseMail(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\nTo: bob@example.org,\r\n carol@example.org\r\nCc: dave@example.net\r\n\r\nhi\r\n"
	mail, err := ParseMail([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMail() error = %v", err)
	}
	if mail.ID == "" || mail.CreatedAt.IsZero() {
		t.Error("ParseMail() did not assign ID and CreatedAt")
	}
	want := Envelope{
		From: MailboxAddress{LocalPart: "alice", Domain: "example.com", DisplayName: "Alice"},
		To: []MailboxAddress{
			{LocalPart: "bob", Domain: "example.org"},
			{LocalPart: "carol", Domain: "example.org"},
			{LocalPart: "dave", Domain: "example.net"},
		},
	}
	if diff := cmp.Diff(want, mail.Envelope); diff != "" {
		t.Errorf("Envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(`"Doe, Jane" <jane@example.com>`)
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	if addr.String() != "jane@example.com" || addr.DisplayName != "Doe, Jane" {
		t.Errorf("ParseAddress() = %+v", addr)
	}
	if _, err := ParseAddress("not an address"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("ParseAddress() error = %v, want ErrInvalidAddress", err)
	}
	if !(MailboxAddress{}).IsZero() || (MailboxAddress{}).String() != "" {
		t.Error("zero MailboxAddress is not empty")
	}
}

func TestMail_RequiresSMTPUTF8(t *testing.T) {
	m := NewMail()
	m.AddHeader("Subject", "plain")
	if m.RequiresSMTPUTF8() {
		t.Error("ASCII mail requires SMTPUTF8")
	}
	m.AddRecipient(MailboxAddress{LocalPart: "josé", Domain: "example.com"})
	if !m.RequiresSMTPUTF8() {
		t.Error("non-ASCII recipient does not require SMTPUTF8")
	}
}

func TestMail_JSON(t *testing.T) {
	m := NewMail()
	m.Envelope.From = MailboxAddress{LocalPart: "a", Domain: "example.com"}
	m.AddRecipient(MailboxAddress{LocalPart: "b", Domain: "example.com"})
	m.AddHeader("Subject", "hi")
	m.Content.Body = []byte("body\r\n")

	data, err := m.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	got, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}
	if diff := cmp.Diff(m, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("JSON round trip mismatch (-want +got):\n%s", diff)
	}

	if _, err := FromJSON([]byte("{")); err == nil {
		t.Error("FromJSON() accepted truncated input")
	}
}
