package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	NonceSize = 24
	// MaxMessageSize bounds plaintexts to keep frames sane.
	MaxMessageSize = 64 * 1024
)

var (
	ErrDecryption   = errors.New("message authentication failed")
	ErrEmptyMessage = errors.New("empty message")
	ErrTooLarge     = errors.New("message too large")
)

type Nonce [NonceSize]byte

// NewNonce returns a fresh random nonce; nonces are never reused.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return n, nil
}

// BoxSeal encrypts and authenticates plaintext from senderPriv to
// recipientPub (Curve25519 + XSalsa20-Poly1305).
func BoxSeal(plaintext []byte, recipientPub, senderPriv [32]byte) ([]byte, Nonce, error) {
	if err := checkSize(plaintext); err != nil {
		return nil, Nonce{}, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, nonce, err
	}
	nb := [NonceSize]byte(nonce)
	return box.Seal(nil, plaintext, &nb, &recipientPub, &senderPriv), nonce, nil
}

func BoxOpen(ciphertext []byte, nonce Nonce, senderPub, recipientPriv [32]byte) ([]byte, error) {
	if len(ciphertext) < box.Overhead {
		return nil, ErrDecryption
	}
	nb := [NonceSize]byte(nonce)
	plain, ok := box.Open(nil, ciphertext, &nb, &senderPub, &recipientPriv)
	if !ok {
		return nil, ErrDecryption
	}
	return plain, nil
}

// SecretSeal encrypts with a symmetric key. The nonce is prepended to the output.
func SecretSeal(key [32]byte, plaintext []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	nb := [NonceSize]byte(nonce)
	return secretbox.Seal(nonce[:], plaintext, &nb, &key), nil
}

func SecretOpen(key [32]byte, nonceAndCiphertext []byte) ([]byte, error) {
	if len(nonceAndCiphertext) < NonceSize+secretbox.Overhead {
		return nil, ErrDecryption
	}
	var nb [NonceSize]byte
	copy(nb[:], nonceAndCiphertext[:NonceSize])
	plain, ok := secretbox.Open(nil, nonceAndCiphertext[NonceSize:], &nb, &key)
	if !ok {
		return nil, ErrDecryption
	}
	return plain, nil
}

func checkSize(p []byte) error {
	if len(p) == 0 {
		return ErrEmptyMessage
	}
	if len(p) > MaxMessageSize {
		return ErrTooLarge
	}
	return nil
}
