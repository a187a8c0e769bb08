package dh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const KeySize = 32

var ErrKeySize = errors.New("x25519 key must be 32 bytes")

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	p, s, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return *s, *p, nil
}

// PublicKey recomputes the public half of priv.
func PublicKey(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// SharedKey precomputes the box shared key between priv and a peer's pub.
// Both ends of a pair obtain the same value.
func SharedKey(priv, peerPub [32]byte) [32]byte {
	var shared [32]byte
	box.Precompute(&shared, &peerPub, &priv)
	return shared
}

// ToKey converts raw bytes to a fixed-size key.
func ToKey(b []byte) ([32]byte, error) {
	var k [32]byte
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d", ErrKeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}
