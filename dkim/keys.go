package dkim

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// ParsePrivateKey parses a PEM-encoded RSA private key in PKCS#8 or PKCS#1
// form. Errors are *ConfigError values for the "private key" field.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, &ConfigError{Field: "private key", Err: fmt.Errorf("%w: no PEM block", ErrInvalidKey)}
	}

	// Try PKCS#8 first
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, &ConfigError{Field: "private key", Err: ErrKeyNotRSA}
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, &ConfigError{Field: "private key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	return key, nil
}

// FormatKeyRecord formats an RSA public key as the TXT record published
// at Config.KeyRecordName.
func FormatKeyRecord(pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", &ConfigError{Field: "public key", Err: ErrMissingKey}
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("dkim: marshal public key: %w", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der), nil
}
