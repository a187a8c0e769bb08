package ratchet

import (
	"errors"

	"pm_chat/internal/cryptographic/kdf"
)

const KeySize = 32

var (
	seedSalt = []byte("pm-chat-ratchet-v1")

	ErrBadChainKey = errors.New("chain key must be 32 bytes")
)

// DeriveNextKey is one step of the symmetric chain: it returns the next chain
// key and the message key for the current position. The step is one-way, so a
// captured chain key reveals nothing about message keys derived before it.
// Uses HKDF with SHA-256, info = "ChainKDF".
func DeriveNextKey(chainKey []byte) (nextChainKey, messageKey []byte, err error) {
	if len(chainKey) != KeySize {
		return nil, nil, ErrBadChainKey
	}
	salt := chainKey
	ikm := []byte("ChainInput")
	info := []byte("ChainKDF")

	return kdf.Split(ikm, salt, info, KeySize)
}

// Seed derives the two initial chain keys of the ordered pair (self, peer)
// from a shared secret. Seeding on the peer's side with the arguments swapped
// yields the same keys with send and receive exchanged.
func Seed(shared []byte, self, peer string) (send, recv []byte, err error) {
	send, err = chainSeed(shared, self, peer)
	if err != nil {
		return nil, nil, err
	}
	recv, err = chainSeed(shared, peer, self)
	if err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}

func chainSeed(shared []byte, from, to string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := kdf.HKDF(shared, seedSalt, []byte("chain:"+from+"->"+to), out); err != nil {
		return nil, err
	}
	return out, nil
}
