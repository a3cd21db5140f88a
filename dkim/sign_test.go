package dkim

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	msgauth "github.com/emersion/go-msgauth/dkim"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

var pinnedTime = time.Unix(1700000000, 0)

const testMessage = "From: a@x.com\r\n" +
	"To: b@y.com\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"hello\r\n"

func newTestSigner(t *testing.T, configure func(b *Builder)) *Signer {
	t.Helper()
	b := NewBuilder().
		Domain("x.com").
		Selector("s1").
		PrivateKey(testKey(t)).
		Clock(func() time.Time { return pinnedTime })
	if configure != nil {
		configure(b)
	}
	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	signer, err := NewSigner(cfg)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return signer
}

func prependSignature(value string, message []byte) []byte {
	return append([]byte(HeaderName+": "+value+"\r\n"), message...)
}

// verifyMessage checks a signed message with an independent verifier that
// resolves the key record from the signer's public key.
func verifyMessage(t *testing.T, signer *Signer, signed []byte) error {
	t.Helper()
	record, err := FormatKeyRecord(signer.Config().PublicKey())
	if err != nil {
		t.Fatalf("FormatKeyRecord() error = %v", err)
	}
	name := strings.TrimSuffix(signer.Config().KeyRecordName(), ".")

	verifications, err := msgauth.VerifyWithOptions(bytes.NewReader(signed), &msgauth.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != name {
				return nil, fmt.Errorf("no TXT record for %s", domain)
			}
			return []string{record}, nil
		},
	})
	if err != nil {
		return err
	}
	if len(verifications) != 1 {
		return fmt.Errorf("got %d verifications, want 1", len(verifications))
	}
	return verifications[0].Err
}

// verifyWithKey recomputes bh= and b= for value over message from the
// signer's canonical form and checks b= against the public key. Unlike
// verifyMessage it accepts rsa-sha1 and l=.
func verifyWithKey(t *testing.T, signer *Signer, message []byte, value string) error {
	t.Helper()
	sig, err := ParseSignature(value)
	if err != nil {
		return err
	}
	hash, ok := Algorithm(sig.Algorithm).Hash()
	if !ok {
		return fmt.Errorf("unknown algorithm %q", sig.Algorithm)
	}
	canonical, err := signer.Canonicalize(message)
	if err != nil {
		return err
	}

	body := canonical.Body
	if sig.Length >= 0 {
		if sig.Length > int64(len(body)) {
			return fmt.Errorf("l=%d exceeds the canonical body length %d", sig.Length, len(body))
		}
		body = body[:sig.Length]
	}
	bh := hash.New()
	bh.Write(body)
	if !bytes.Equal(bh.Sum(nil), sig.BodyHash) {
		return errors.New("body hash mismatch")
	}

	sigLine, err := CanonicalizeHeader(sig.HeaderCanon(), bValue.ReplaceAllString(HeaderName+": "+value, "${1}"))
	if err != nil {
		return err
	}
	h := hash.New()
	h.Write(canonical.HeaderBytes())
	h.Write([]byte(strings.TrimSuffix(sigLine, "\r\n")))
	return rsa.VerifyPKCS1v15(signer.Config().PublicKey(), hash, h.Sum(nil), sig.Signature)
}

func TestSignEndToEnd(t *testing.T) {
	signer := newTestSigner(t, func(b *Builder) {
		b.Canonicalization(CanonRelaxed, CanonSimple).Algorithm(AlgRSASHA256)
	})

	value, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if !strings.HasPrefix(value, "v=1; a=rsa-sha256; c=relaxed/simple; d=x.com; s=s1;") {
		t.Errorf("Sign() = %q, want v/a/c/d/s prefix", value)
	}
	unfolded := unfoldHeader(value)
	if !strings.Contains(unfolded, "h=from:to:subject;") {
		t.Errorf("Sign() = %q, want h=from:to:subject", unfolded)
	}
	sum := sha256.Sum256([]byte("hello\r\n"))
	wantBH := "bh=" + base64.StdEncoding.EncodeToString(sum[:]) + ";"
	if !strings.Contains(unfolded, wantBH) {
		t.Errorf("Sign() = %q, want %s", unfolded, wantBH)
	}
	if !strings.Contains(unfolded, "t=1700000000;") {
		t.Errorf("Sign() = %q, want pinned t=", unfolded)
	}

	// Recompute the digest from the canonical form and verify with the
	// public key.
	sig, err := ParseSignature(value)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	canonical, err := signer.Canonicalize([]byte(testMessage))
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if diff := cmp.Diff(sig.SignedHeaders, canonical.SignedHeaders()); diff != "" {
		t.Errorf("h= differs from digest order (-h= +digest):\n%s", diff)
	}
	if err := verifyWithKey(t, signer, []byte(testMessage), value); err != nil {
		t.Errorf("verifyWithKey() error = %v", err)
	}

	if err := verifyMessage(t, signer, prependSignature(value, []byte(testMessage))); err != nil {
		t.Errorf("verify error = %v", err)
	}
}

func TestSignVerifies(t *testing.T) {
	message := "From: Alice <a@x.com>\r\n" +
		"To: b@y.com,\r\n\tc@y.com\r\n" +
		"Subject:   Status   update \r\n" +
		"Message-ID: <1@x.com>\r\n" +
		"X-Mailer: test\r\n" +
		"\r\n" +
		"Line one  \r\n" +
		"\tLine two\r\n" +
		"\r\n" +
		"\r\n"

	canons := []Canonicalization{CanonSimple, CanonRelaxed}
	for _, alg := range []Algorithm{AlgRSASHA256, AlgRSASHA1} {
		for _, hc := range canons {
			for _, bc := range canons {
				name := fmt.Sprintf("%s %s/%s", alg, hc, bc)
				t.Run(name, func(t *testing.T) {
					signer := newTestSigner(t, func(b *Builder) {
						b.Algorithm(alg).Canonicalization(hc, bc)
					})
					value, err := signer.Sign([]byte(message))
					if err != nil {
						t.Fatalf("Sign() error = %v", err)
					}
					if err := verifyWithKey(t, signer, []byte(message), value); err != nil {
						t.Errorf("verifyWithKey() error = %v\nsignature: %s", err, value)
					}
					// go-msgauth rejects rsa-sha1 as too weak.
					if alg == AlgRSASHA1 {
						return
					}
					if err := verifyMessage(t, signer, prependSignature(value, []byte(message))); err != nil {
						t.Errorf("verify error = %v\nsignature: %s", err, value)
					}
				})
			}
		}
	}
}

func TestSignOptionalTags(t *testing.T) {
	tests := []struct {
		name      string
		configure func(b *Builder)
		check     func(t *testing.T, sig *Signature)
	}{
		{
			name:      "identity",
			configure: func(b *Builder) { b.Identity("news@mail.x.com") },
			check: func(t *testing.T, sig *Signature) {
				if sig.Identity != "news@mail.x.com" {
					t.Errorf("identity = %q", sig.Identity)
				}
			},
		},
		{
			name:      "length",
			configure: func(b *Builder) { b.LengthParam(true) },
			check: func(t *testing.T, sig *Signature) {
				if sig.Length != int64(len("hello\r\n")) {
					t.Errorf("length = %d, want %d", sig.Length, len("hello\r\n"))
				}
			},
		},
		{
			name:      "copied headers",
			configure: func(b *Builder) { b.ZParam(true) },
			check: func(t *testing.T, sig *Signature) {
				want := []string{"From:a@x.com", "To:b@y.com", "Subject:hi"}
				if diff := cmp.Diff(want, sig.CopiedHeaders); diff != "" {
					t.Errorf("copied headers mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "all optional tags",
			configure: func(b *Builder) {
				b.Identity("@x.com").LengthParam(true).ZParam(true)
			},
			check: func(t *testing.T, sig *Signature) {
				if sig.Identity != "@x.com" || sig.Length < 0 || len(sig.CopiedHeaders) != 3 {
					t.Errorf("signature = %+v", sig)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer := newTestSigner(t, tt.configure)
			value, err := signer.Sign([]byte(testMessage))
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			sig, err := ParseSignature(value)
			if err != nil {
				t.Fatalf("ParseSignature() error = %v", err)
			}
			tt.check(t, sig)
			if err := verifyWithKey(t, signer, []byte(testMessage), value); err != nil {
				t.Errorf("verifyWithKey() error = %v\nsignature: %s", err, value)
			}
			// go-msgauth rejects any signature carrying l=.
			if sig.Length >= 0 {
				return
			}
			if err := verifyMessage(t, signer, prependSignature(value, []byte(testMessage))); err != nil {
				t.Errorf("verify error = %v\nsignature: %s", err, value)
			}
		})
	}
}

func TestSignLengthSHA1(t *testing.T) {
	for _, hc := range []Canonicalization{CanonSimple, CanonRelaxed} {
		t.Run(string(hc), func(t *testing.T) {
			signer := newTestSigner(t, func(b *Builder) {
				b.Algorithm(AlgRSASHA1).HeaderCanonicalization(hc).Identity("news@x.com").LengthParam(true)
			})
			value, err := signer.Sign([]byte(testMessage))
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			sig, err := ParseSignature(value)
			if err != nil {
				t.Fatalf("ParseSignature() error = %v", err)
			}
			if sig.Algorithm != string(AlgRSASHA1) || sig.Length != int64(len("hello\r\n")) {
				t.Fatalf("signature = %+v", sig)
			}

			if err := verifyWithKey(t, signer, []byte(testMessage), value); err != nil {
				t.Errorf("verifyWithKey() error = %v", err)
			}
			// Content past l= is not covered.
			if err := verifyWithKey(t, signer, []byte(testMessage+"more\r\n"), value); err != nil {
				t.Errorf("verifyWithKey() with appended body error = %v", err)
			}
			tampered := strings.Replace(testMessage, "hello", "jello", 1)
			if err := verifyWithKey(t, signer, []byte(tampered), value); err == nil {
				t.Error("verifyWithKey() accepted a body changed within l=")
			}
		})
	}
}

func TestSignDeterministic(t *testing.T) {
	signer := newTestSigner(t, nil)
	first, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	second, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if first != second {
		t.Errorf("Sign() not deterministic:\n%s\n%s", first, second)
	}

	// A second signer with the same settings produces the same bytes.
	other := newTestSigner(t, nil)
	third, err := other.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if first != third {
		t.Errorf("Sign() differs between signers:\n%s\n%s", first, third)
	}
}

func TestSignHeaderOrderTracksSelection(t *testing.T) {
	message := []byte("X-C: 3\r\nFrom: a@x.com\r\nX-A: 1\r\nTo: b@y.com\r\nX-B: 2\r\nSubject: hi\r\n\r\nbody\r\n")
	perms := [][]string{
		{"X-A", "X-B", "X-C"},
		{"X-A", "X-C", "X-B"},
		{"X-B", "X-A", "X-C"},
		{"X-B", "X-C", "X-A"},
		{"X-C", "X-A", "X-B"},
		{"X-C", "X-B", "X-A"},
	}

	for _, perm := range perms {
		t.Run(strings.Join(perm, ","), func(t *testing.T) {
			signer := newTestSigner(t, func(b *Builder) { b.SignHeaders(perm...) })
			sig, err := signer.SignMessage(message)
			if err != nil {
				t.Fatalf("SignMessage() error = %v", err)
			}

			want := []string{"from", "to", "subject"}
			for _, p := range perm {
				want = append(want, strings.ToLower(p))
			}
			if diff := cmp.Diff(want, sig.SignedHeaders); diff != "" {
				t.Errorf("h= mismatch (-want +got):\n%s", diff)
			}

			canonical, err := signer.Canonicalize(message)
			if err != nil {
				t.Fatalf("Canonicalize() error = %v", err)
			}
			if diff := cmp.Diff(sig.SignedHeaders, canonical.SignedHeaders()); diff != "" {
				t.Errorf("digest order mismatch (-h= +digest):\n%s", diff)
			}

			if err := verifyMessage(t, signer, prependSignature(sig.Value(), message)); err != nil {
				t.Errorf("verify error = %v", err)
			}
		})
	}
}

func TestSignExcludeAndRestore(t *testing.T) {
	excluded := newTestSigner(t, func(b *Builder) { b.ExcludeHeaders("Subject") })
	sig, err := excluded.SignMessage([]byte(testMessage))
	if err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}
	if diff := cmp.Diff([]string{"from", "to"}, sig.SignedHeaders); diff != "" {
		t.Errorf("h= mismatch (-want +got):\n%s", diff)
	}
	canonical, err := excluded.Canonicalize([]byte(testMessage))
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if bytes.Contains(canonical.HeaderBytes(), []byte("subject:")) {
		t.Error("excluded Subject is still digested")
	}

	// Changing the excluded header does not break the signature.
	tampered := strings.Replace(testMessage, "Subject: hi", "Subject: changed", 1)
	if err := verifyMessage(t, excluded, prependSignature(sig.Value(), []byte(tampered))); err != nil {
		t.Errorf("verify error = %v", err)
	}

	restored := newTestSigner(t, func(b *Builder) { b.ExcludeHeaders("Subject").SignHeaders("Subject") })
	sig, err = restored.SignMessage([]byte(testMessage))
	if err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}
	if diff := cmp.Diff([]string{"from", "to", "subject"}, sig.SignedHeaders); diff != "" {
		t.Errorf("h= mismatch (-want +got):\n%s", diff)
	}
}

func TestSignDuplicateHeaders(t *testing.T) {
	message := []byte("From: a@x.com\r\nX-Tag: one\r\nX-Tag: two\r\n\r\nbody\r\n")
	signer := newTestSigner(t, func(b *Builder) { b.SignHeaders("X-Tag") })

	sig, err := signer.SignMessage(message)
	if err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}
	if diff := cmp.Diff([]string{"from", "x-tag", "x-tag"}, sig.SignedHeaders); diff != "" {
		t.Errorf("h= mismatch (-want +got):\n%s", diff)
	}
	if err := verifyMessage(t, signer, prependSignature(sig.Value(), message)); err != nil {
		t.Errorf("verify error = %v", err)
	}
}

func TestSignTampering(t *testing.T) {
	signer := newTestSigner(t, nil)
	value, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tests := []struct {
		name    string
		message string
	}{
		{"body changed", strings.Replace(testMessage, "hello", "hellO", 1)},
		{"body appended", testMessage + "more\r\n"},
		{"subject changed", strings.Replace(testMessage, "Subject: hi", "Subject: ho", 1)},
		{"from changed", strings.Replace(testMessage, "a@x.com", "z@x.com", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := verifyMessage(t, signer, prependSignature(value, []byte(tt.message))); err == nil {
				t.Error("verify succeeded on a tampered message")
			}
		})
	}
}

func TestSignFields(t *testing.T) {
	signer := newTestSigner(t, nil)
	fields := []Field{
		{Name: "From", Value: "a@x.com"},
		{Name: "To", Value: "b@y.com"},
		{Name: "Subject", Value: "hi"},
	}

	got, err := signer.SignFields(fields, []byte("hello\r\n"))
	if err != nil {
		t.Fatalf("SignFields() error = %v", err)
	}
	want, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if got != want {
		t.Errorf("SignFields() = %q\nwant %q", got, want)
	}

	folded := []Field{
		{Name: "From", Value: "a@x.com"},
		{Name: "Subject", Value: "a long\n subject"},
	}
	value, err := signer.SignFields(folded, []byte("hello\r\n"))
	if err != nil {
		t.Fatalf("SignFields() error = %v", err)
	}
	raw := "From: a@x.com\r\nSubject: a long\r\n subject\r\n\r\nhello\r\n"
	if err := verifyMessage(t, signer, prependSignature(value, []byte(raw))); err != nil {
		t.Errorf("verify error = %v", err)
	}
}

func TestSignErrors(t *testing.T) {
	signer := newTestSigner(t, func(b *Builder) { b.DefaultHeaders("From", "Subject") })

	tests := []struct {
		name    string
		sign    func() error
		want    error
		encErr  bool
		wantHdr string
	}{
		{
			name: "no signed headers",
			sign: func() error {
				_, err := signer.Sign([]byte("X-Other: 1\r\n\r\nbody\r\n"))
				return err
			},
			want: ErrNoSignedHeaders,
		},
		{
			name: "malformed header line",
			sign: func() error {
				_, err := signer.Sign([]byte("From: a@x.com\r\nbroken line\r\n\r\nbody\r\n"))
				return err
			},
			want:   ErrHeaderMalformed,
			encErr: true,
		},
		{
			name: "field with bad fold",
			sign: func() error {
				_, err := signer.SignFields([]Field{{Name: "Subject", Value: "a\nb"}}, nil)
				return err
			},
			want:    ErrHeaderMalformed,
			encErr:  true,
			wantHdr: "Subject",
		},
		{
			name: "field with bad name",
			sign: func() error {
				_, err := signer.SignFields([]Field{{Name: "Sub ject", Value: "x"}}, nil)
				return err
			},
			want:    ErrHeaderMalformed,
			encErr:  true,
			wantHdr: "Sub ject",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sign()
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var encErr *EncodingError
			if got := errors.As(err, &encErr); got != tt.encErr {
				t.Fatalf("errors.As(*EncodingError) = %v, want %v", got, tt.encErr)
			}
			if tt.encErr && encErr.Header != tt.wantHdr {
				t.Errorf("EncodingError.Header = %q, want %q", encErr.Header, tt.wantHdr)
			}
		})
	}
}

func TestSignDoesNotMutateInput(t *testing.T) {
	signer := newTestSigner(t, nil)
	message := []byte(testMessage)
	if _, err := signer.Sign(message); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if string(message) != testMessage {
		t.Errorf("message modified: %q", message)
	}
}

func TestSignConcurrent(t *testing.T) {
	signer := newTestSigner(t, nil)
	want, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	var g errgroup.Group
	g.SetLimit(8)
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			got, err := signer.Sign([]byte(testMessage))
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("concurrent Sign() = %q, want %q", got, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
