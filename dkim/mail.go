package dkim

import (
	"context"

	"github.com/synqronlabs/seal"
)

// SignMail signs a mail message and adds the DKIM-Signature header at the
// top of its header block. On error the mail is left unchanged.
func SignMail(mail *seal.Mail, signer *Signer) error {
	value, err := signer.Sign(mail.Content.ToRaw())
	if err != nil {
		return err
	}
	mail.Content.Headers = mail.Content.Headers.Prepend(seal.Header{
		Name:  HeaderName,
		Value: value,
	})
	return nil
}

// Enhancer returns a seal.Enhancer that signs each mail with signer.
// Signing is skipped if ctx is already done.
func Enhancer(signer *Signer) seal.Enhancer {
	return seal.EnhancerFunc(func(ctx context.Context, mail *seal.Mail) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return SignMail(mail, signer)
	})
}
