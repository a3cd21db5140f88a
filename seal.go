// Package seal composes RFC 5322 messages and prepares them for transport.
//
// # Messages
//
// Build a message with the fluent builder:
//
//	mail, err := seal.NewMailBuilder().
//	    From("Alice <alice@example.com>").
//	    To("bob@example.org").
//	    Subject("Quarterly report").
//	    TextBody("See attached.").
//	    Attach("report.pdf", data, "application/pdf").
//	    Build()
//
// Content.ToRaw renders the exact bytes that are transmitted. ParseMail
// reads them back.
//
// # Enhancers
//
// An Enhancer transforms a Mail before it is sent. Enhancers compose with
// Chain and are wrapped with Middleware such as Logging and Recovery:
//
//	pipeline := seal.Wrap(
//	    seal.Chain(dkim.Enhancer(signer)),
//	    seal.Recovery(logger),
//	    seal.Logging(logger),
//	)
//	if err := pipeline.Enhance(ctx, mail); err != nil {
//	    return err
//	}
//
// The dkim package provides the DKIM signing enhancer. No header or body
// may change after it has run.
//
// # Serialization
//
// A Mail round-trips through JSON (ToJSON, FromJSON) and MessagePack
// (ToMessagePack, FromMessagePack).
package seal
