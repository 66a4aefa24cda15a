// Package security is the credential-decryption collaborator the
// connectors registry defers to: the core never touches ciphertext
// itself, this package owns turning model.APICredential's columns back
// into a usable API key/secret pair. A hardened KMS-backed
// implementation is out of scope; SecretboxCodec is the reference
// implementation that keeps cmd/tradectl and cmd/serve runnable.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	keySize    = 32
	nonceSize  = 24
	pbkdf2Iter = 100_000
	ctPrefix   = "SB1:"
)

var (
	ErrEmptyPassphrase     = errors.New("security: passphrase must not be empty")
	ErrMalformedCiphertext = errors.New("security: malformed ciphertext")
	ErrDecryptionFailed    = errors.New("security: decryption failed, wrong key or corrupted data")
)

// Codec encrypts and decrypts credential ciphertext columns.
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SecretboxCodec implements Codec with NaCl secretbox (XSalsa20-Poly1305),
// keyed by a passphrase run through PBKDF2.
type SecretboxCodec struct {
	key [keySize]byte
}

// NewSecretboxCodec derives a key from passphrase and salt. salt need not
// be secret; it only needs to differ across deployments sharing no key
// material.
func NewSecretboxCodec(passphrase, salt string) (*SecretboxCodec, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	derived := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iter, keySize, sha3.New256)
	var c SecretboxCodec
	copy(c.key[:], derived)
	return &c, nil
}

// Encrypt returns a base64, prefix-tagged ciphertext safe to store in an
// APICredential ciphertext column.
func (c *SecretboxCodec) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("security: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return ctPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *SecretboxCodec) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, ctPrefix) {
		return "", ErrMalformedCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, ctPrefix))
	if err != nil {
		return "", fmt.Errorf("security: base64 decode: %w", err)
	}
	if len(raw) < nonceSize {
		return "", ErrMalformedCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
