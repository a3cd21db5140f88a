// Package config loads the signing configuration used by the sealsign
// command from a TOML or YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/synqronlabs/seal/dkim"
)

var (
	ErrUnknownFormat = errors.New("config: unknown configuration file format")
	ErrInvalid       = errors.New("config: invalid configuration")
)

// File is the on-disk signing configuration.
//
//	domain = "example.com"
//	selector = "s1"
//	key_file = "s1.pem"
//
//	[canonicalization]
//	header = "relaxed"
//	body = "simple"
type File struct {
	Domain   string `toml:"domain" yaml:"domain" validate:"required,dkimdomain"`
	Selector string `toml:"selector" yaml:"selector" validate:"required"`
	Identity string `toml:"identity" yaml:"identity" validate:"omitempty,contains=@"`

	// KeyFile is the PEM private key. A relative path is resolved against
	// the directory of the configuration file.
	KeyFile string `toml:"key_file" yaml:"key_file" validate:"required,file"`

	Algorithm        string           `toml:"algorithm" yaml:"algorithm" validate:"omitempty,dkimalg"`
	Canonicalization Canonicalization `toml:"canonicalization" yaml:"canonicalization"`
	Headers          Headers          `toml:"headers" yaml:"headers"`

	LengthParam bool `toml:"length_param" yaml:"length_param"`
	CopyHeaders bool `toml:"copy_headers" yaml:"copy_headers"`

	// Strict requires the algorithm and both canonicalizations to be set.
	Strict bool `toml:"strict" yaml:"strict"`
}

type Canonicalization struct {
	Header string `toml:"header" yaml:"header" validate:"omitempty,canon"`
	Body   string `toml:"body" yaml:"body" validate:"omitempty,canon"`
}

// Headers adjusts the set of signed header fields.
type Headers struct {
	Default []string `toml:"default" yaml:"default" validate:"dive,required"`
	Sign    []string `toml:"sign" yaml:"sign" validate:"dive,required"`
	Exclude []string `toml:"exclude" yaml:"exclude" validate:"dive,required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	for tag, fn := range map[string]validator.Func{
		"canon":      checkCanonicalization,
		"dkimalg":    checkAlgorithm,
		"dkimdomain": checkDomain,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("config: register %s: %v", tag, err))
		}
	}
	return v
}

func checkDomain(fl validator.FieldLevel) bool {
	_, err := dkim.ParseDomain(fl.Field().String())
	return err == nil
}

func checkCanonicalization(fl validator.FieldLevel) bool {
	_, err := dkim.ParseCanonicalization(fl.Field().String())
	return err == nil
}

func checkAlgorithm(fl validator.FieldLevel) bool {
	_, err := dkim.ParseAlgorithm(fl.Field().String())
	return err == nil
}

// Load reads and validates a configuration file. The format is chosen by
// extension: .toml, .yaml or .yml.
func Load(path string) (*File, error) {
	var f File

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &f); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	if f.KeyFile != "" && !filepath.IsAbs(f.KeyFile) {
		f.KeyFile = filepath.Join(filepath.Dir(path), f.KeyFile)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks field syntax. Semantic checks such as public suffix
// detection are left to the dkim Builder.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Builder returns a dkim.Builder populated from f, with the private key
// loaded from KeyFile.
func (f *File) Builder() (*dkim.Builder, error) {
	pemData, err := os.ReadFile(f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: read key: %w", err)
	}
	key, err := dkim.ParsePrivateKey(pemData)
	if err != nil {
		return nil, err
	}

	b := dkim.NewBuilder().
		Domain(f.Domain).
		Selector(f.Selector).
		Identity(f.Identity).
		PrivateKey(key).
		LengthParam(f.LengthParam).
		ZParam(f.CopyHeaders)

	if f.Algorithm != "" {
		b.Algorithm(dkim.Algorithm(strings.ToLower(f.Algorithm)))
	}
	if f.Canonicalization.Header != "" {
		b.HeaderCanonicalization(dkim.Canonicalization(strings.ToLower(f.Canonicalization.Header)))
	}
	if f.Canonicalization.Body != "" {
		b.BodyCanonicalization(dkim.Canonicalization(strings.ToLower(f.Canonicalization.Body)))
	}
	if len(f.Headers.Default) > 0 {
		b.DefaultHeaders(f.Headers.Default...)
	}
	b.SignHeaders(f.Headers.Sign...)
	b.ExcludeHeaders(f.Headers.Exclude...)
	return b, nil
}

// Signer builds the configuration and returns a ready signer.
func (f *File) Signer() (*dkim.Signer, error) {
	b, err := f.Builder()
	if err != nil {
		return nil, err
	}

	var cfg *dkim.Config
	if f.Strict {
		cfg, err = b.BuildStrict()
	} else {
		cfg, err = b.Build()
	}
	if err != nil {
		return nil, err
	}
	return dkim.NewSigner(cfg)
}
