// Package envelope seals job payloads for transmission to the remote
// processing service.
//
// A sealed envelope has three parts:
//   - Ciphertext: the payload encrypted with AES-256-GCM under a fresh,
//     per-call content key. Layout is nonce || sealed-box.
//   - WrappedKey: the content key encrypted to the recipient's RSA public
//     key with RSA-OAEP (SHA-256).
//   - ContentHash: lowercase hex SHA-256 of the ciphertext.
//
// The hash is computed over ciphertext, not plaintext, so the remote service
// can use it as a cache and idempotency key without decrypting anything.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

const (
	// KeySize is the content key length in bytes (AES-256).
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
)

// Sealed is the output of Seal.
type Sealed struct {
	Ciphertext  []byte
	WrappedKey  []byte
	ContentHash string
}

// Envelope seals and opens payloads.
//
// The zero value uses crypto/rand. Rand can be replaced in tests to make
// key and nonce generation deterministic.
type Envelope struct {
	Rand io.Reader
}

// New returns an Envelope backed by crypto/rand.
func New() *Envelope {
	return &Envelope{Rand: rand.Reader}
}

func (e *Envelope) random() io.Reader {
	if e == nil || e.Rand == nil {
		return rand.Reader
	}
	return e.Rand
}

// Seal encrypts plaintext for recipient.
//
// A new content key is generated for every call, so sealing the same
// plaintext twice yields different ciphertexts (and hashes).
func (e *Envelope) Seal(plaintext []byte, recipient *rsa.PublicKey) (*Sealed, error) {
	if recipient == nil {
		return nil, &CryptoError{Op: "seal", Err: ErrMissingKey}
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(e.random(), key); err != nil {
		return nil, &CryptoError{Op: "generate key", Err: err}
	}

	ciphertext, err := e.encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), e.random(), recipient, key, nil)
	if err != nil {
		return nil, &CryptoError{Op: "wrap key", Err: err}
	}

	return &Sealed{
		Ciphertext:  ciphertext,
		WrappedKey:  wrapped,
		ContentHash: HashCiphertext(ciphertext),
	}, nil
}

// Open reverses Seal. It is the server-side direction; the client uses it
// for local verification only.
func (e *Envelope) Open(ciphertext, wrappedKey []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, &CryptoError{Op: "open", Err: ErrMissingKey}
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrappedKey, nil)
	if err != nil {
		return nil, &CryptoError{Op: "unwrap key", Err: err}
	}
	if len(key) != KeySize {
		return nil, &CryptoError{Op: "unwrap key", Err: ErrMalformed}
	}

	return decrypt(key, ciphertext)
}

func (e *Envelope) encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.random(), nonce); err != nil {
		return nil, &CryptoError{Op: "generate nonce", Err: err}
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize+gcm.Overhead() {
		return nil, &CryptoError{Op: "decrypt", Err: ErrMalformed}
	}

	nonce, box := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: errors.Join(ErrAuthentication, err)}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "init cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Op: "init cipher", Err: err}
	}
	return gcm, nil
}

// HashCiphertext returns the lowercase hex SHA-256 of ciphertext.
func HashCiphertext(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])
}

// Seal is a convenience wrapper using crypto/rand.
func Seal(plaintext []byte, recipient *rsa.PublicKey) (*Sealed, error) {
	return New().Seal(plaintext, recipient)
}

// Open is a convenience wrapper around Envelope.Open.
func Open(ciphertext, wrappedKey []byte, priv *rsa.PrivateKey) ([]byte, error) {
	return New().Open(ciphertext, wrappedKey, priv)
}
