// Command sealsign adds DKIM signatures to RFC 5322 message files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/docopt/docopt-go"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/seal"
	"github.com/synqronlabs/seal/dkim"
	"github.com/synqronlabs/seal/internal/config"
)

const version = "sealsign 0.3.0"

const usage = `sealsign.
Usage:
	sealsign sign [--conf <filename>] [--out <dir>] [--format <fmt>] [--verbose] <message>...
	sealsign header [--conf <filename>] [--verbose] <message>...
	sealsign inspect <message>...
	sealsign record [--conf <filename>]
	sealsign -h | --help
	sealsign --version
Options:
	--conf <filename>  Signing configuration (TOML or YAML) [default: sealsign.toml].
	--out <dir>        Write signed messages into dir instead of stdout.
	--format <fmt>     Output format: eml, json or msgpack [default: eml].
	--verbose          Log each signed message.
	-h --help          Show this screen.
	--version          Show version.`

var errStdoutMany = errors.New("more than one message needs --out")

func main() {
	arguments, _ := docopt.ParseArgs(usage, nil, version)

	level := slog.LevelInfo
	if verbose, _ := arguments["--verbose"].(bool); verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	messages := stringList(arguments["<message>"])
	confFile, _ := arguments["--conf"].(string)

	var err error
	switch {
	case arguments["inspect"].(bool):
		err = inspect(os.Stdout, messages)
	case arguments["record"].(bool):
		err = record(os.Stdout, confFile)
	case arguments["header"].(bool):
		err = headers(ctx, os.Stdout, confFile, messages)
	case arguments["sign"].(bool):
		outDir, _ := arguments["--out"].(string)
		format, _ := arguments["--format"].(string)
		err = sign(ctx, logger, confFile, outDir, format, messages)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// stringList accepts the value docopt stores for a positional argument.
func stringList(v any) []string {
	switch v := v.(type) {
	case []string:
		return v
	case string:
		return []string{v}
	}
	return nil
}

func loadSigner(confFile string) (*dkim.Signer, error) {
	conf, err := config.Load(confFile)
	if err != nil {
		return nil, err
	}
	return conf.Signer()
}

func sign(ctx context.Context, logger *slog.Logger, confFile, outDir, format string, messages []string) error {
	encode, ext, err := encoder(format)
	if err != nil {
		return err
	}
	if outDir == "" && len(messages) > 1 {
		return errStdoutMany
	}

	signer, err := loadSigner(confFile)
	if err != nil {
		return err
	}
	pipeline := seal.Wrap(
		seal.Chain(dkim.Enhancer(signer)),
		seal.Recovery(logger),
		seal.Logging(logger),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, path := range messages {
		g.Go(func() error {
			mail, err := readMail(path)
			if err != nil {
				return err
			}
			if err := pipeline.Enhance(ctx, mail); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			data, err := encode(mail)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			if outDir == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			target := filepath.Join(outDir, base+".signed"+ext)
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return err
			}
			logger.DebugContext(ctx, "signed message written",
				slog.String("mail_id", mail.ID),
				slog.String("path", target),
			)
			return nil
		})
	}
	return g.Wait()
}

func encoder(format string) (func(*seal.Mail) ([]byte, error), string, error) {
	switch format {
	case "", "eml":
		return func(m *seal.Mail) ([]byte, error) { return m.Content.ToRaw(), nil }, ".eml", nil
	case "json":
		return (*seal.Mail).ToJSONIndent, ".json", nil
	case "msgpack":
		return (*seal.Mail).ToMessagePack, ".msgpack", nil
	}
	return nil, "", fmt.Errorf("unknown output format %q", format)
}

func readMail(path string) (*seal.Mail, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mail, err := seal.ParseMail(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mail, nil
}

// headers prints the DKIM-Signature value for each message, one per line,
// without changing the files.
func headers(ctx context.Context, w io.Writer, confFile string, messages []string) error {
	signer, err := loadSigner(confFile)
	if err != nil {
		return err
	}
	for _, path := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		mail, err := readMail(path)
		if err != nil {
			return err
		}
		value, err := signer.Sign(mail.Content.ToRaw())
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(w, "%s: %s\r\n", dkim.HeaderName, value)
	}
	return nil
}

// inspect prints the tags of every DKIM-Signature found in the messages.
func inspect(w io.Writer, messages []string) error {
	for _, path := range messages {
		mail, err := readMail(path)
		if err != nil {
			return err
		}
		values := mail.Content.Headers.GetAll(dkim.HeaderName)
		if len(values) == 0 {
			fmt.Fprintf(w, "%s: no %s header\n", path, dkim.HeaderName)
			continue
		}
		for i, v := range values {
			sig, err := dkim.ParseSignature(v)
			if err != nil {
				return fmt.Errorf("%s: signature %d: %w", path, i+1, err)
			}
			fmt.Fprintf(w, "%s: signature %d\n", path, i+1)
			fmt.Fprintf(w, "  domain:     %s\n", sig.Domain)
			fmt.Fprintf(w, "  selector:   %s\n", sig.Selector)
			fmt.Fprintf(w, "  algorithm:  %s\n", sig.Algorithm)
			fmt.Fprintf(w, "  canon:      %s\n", sig.Canonicalization)
			fmt.Fprintf(w, "  headers:    %s\n", strings.Join(sig.SignedHeaders, ":"))
			if sig.SignTime >= 0 {
				fmt.Fprintf(w, "  timestamp:  %d\n", sig.SignTime)
			}
			if sig.Identity != "" {
				fmt.Fprintf(w, "  identity:   %s\n", sig.Identity)
			}
			if sig.Length >= 0 {
				fmt.Fprintf(w, "  length:     %d\n", sig.Length)
			}
			for _, h := range sig.CopiedHeaders {
				fmt.Fprintf(w, "  copied:     %s\n", h)
			}
		}
	}
	return nil
}

// record prints the TXT record that carries the signer's public key.
func record(w io.Writer, confFile string) error {
	signer, err := loadSigner(confFile)
	if err != nil {
		return err
	}
	txt, err := dkim.FormatKeyRecord(signer.Config().PublicKey())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s IN TXT %q\n", signer.Config().KeyRecordName(), txt)
	return err
}
