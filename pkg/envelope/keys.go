package envelope

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// DefaultKeyBits is the RSA modulus size used by GenerateKey when bits <= 0.
const DefaultKeyBits = 3072

const (
	pemPublicKey     = "PUBLIC KEY"
	pemRSAPublicKey  = "RSA PUBLIC KEY"
	pemPrivateKey    = "PRIVATE KEY"
	pemRSAPrivateKey = "RSA PRIVATE KEY"
)

// ParsePublicKey parses an RSA public key.
//
// Accepted encodings:
//   - PEM "PUBLIC KEY" (PKIX / SubjectPublicKeyInfo)
//   - PEM "RSA PUBLIC KEY" (PKCS#1)
//   - bare standard base64 of PKIX DER (how the service publishes its key)
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &CryptoError{Op: "parse public key", Err: ErrMissingKey}
	}

	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case pemRSAPublicKey:
			pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, &CryptoError{Op: "parse public key", Err: err}
			}
			return pub, nil
		case pemPublicKey:
			return parsePKIX(block.Bytes)
		default:
			return nil, &CryptoError{Op: "parse public key", Err: fmt.Errorf("%w: pem block %q", ErrUnsupportedKey, block.Type)}
		}
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(data)), ""))
	if err != nil {
		return nil, &CryptoError{Op: "parse public key", Err: fmt.Errorf("%w: not PEM or base64", ErrMalformed)}
	}
	return parsePKIX(der)
}

func parsePKIX(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, &CryptoError{Op: "parse public key", Err: err}
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, &CryptoError{Op: "parse public key", Err: fmt.Errorf("%w: %T", ErrUnsupportedKey, key)}
	}
	return pub, nil
}

// ParsePrivateKey parses a PEM encoded RSA private key (PKCS#8 or PKCS#1).
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(bytes.TrimSpace(data))
	if block == nil {
		return nil, &CryptoError{Op: "parse private key", Err: fmt.Errorf("%w: no PEM block", ErrMalformed)}
	}

	switch block.Type {
	case pemRSAPrivateKey:
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, &CryptoError{Op: "parse private key", Err: err}
		}
		return priv, nil
	case pemPrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, &CryptoError{Op: "parse private key", Err: err}
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, &CryptoError{Op: "parse private key", Err: fmt.Errorf("%w: %T", ErrUnsupportedKey, key)}
		}
		return priv, nil
	default:
		return nil, &CryptoError{Op: "parse private key", Err: fmt.Errorf("%w: pem block %q", ErrUnsupportedKey, block.Type)}
	}
}

// GenerateKey creates a new RSA key pair.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, &CryptoError{Op: "generate key pair", Err: err}
	}
	return priv, nil
}

// MarshalPublicKeyPEM encodes pub as a PEM "PUBLIC KEY" block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, &CryptoError{Op: "marshal public key", Err: ErrMissingKey}
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, &CryptoError{Op: "marshal public key", Err: err}
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der}), nil
}

// MarshalPrivateKeyPEM encodes priv as a PEM "PRIVATE KEY" (PKCS#8) block.
func MarshalPrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, &CryptoError{Op: "marshal private key", Err: ErrMissingKey}
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, &CryptoError{Op: "marshal private key", Err: err}
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der}), nil
}
