// Package keystore keeps the device's identity private key sealed at rest.
//
// The key file is encrypted with ChaCha20-Poly1305 under a key stretched from
// a passphrase with scrypt, and is only ever readable by the owning user.
package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"pm_chat/internal/cryptographic/dh"
)

const keyFile = "identity.key"

var (
	ErrNoKey           = errors.New("no identity key stored")
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")
)

// scrypt parameters; N is lowered in tests through Params.
type Params struct {
	N, R, P int
}

var DefaultParams = Params{N: 1 << 15, R: 8, P: 1}

type (
	Keystore struct {
		dir    string
		params Params
		mu     sync.Mutex
	}

	envelope struct {
		Salt  []byte `json:"salt"`
		Nonce []byte `json:"nonce"`
		CT    []byte `json:"ct"`
		N     int    `json:"n"`
		R     int    `json:"r"`
		P     int    `json:"p"`
	}
)

func New(dir string, params Params) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{dir: dir, params: params}, nil
}

func (k *Keystore) path() string { return filepath.Join(k.dir, keyFile) }

// Exists reports whether a sealed key is present.
func (k *Keystore) Exists() bool {
	_, err := os.Stat(k.path())
	return err == nil
}

// Store seals priv under passphrase, replacing any previous key.
func (k *Keystore) Store(passphrase string, priv [32]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, k.params.N, k.params.R, k.params.P, chacha20poly1305.KeySize)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	env := envelope{
		Salt:  salt,
		Nonce: nonce,
		CT:    aead.Seal(nil, nonce, priv[:], salt),
		N:     k.params.N,
		R:     k.params.R,
		P:     k.params.P,
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}

	tmp := k.path() + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, k.path())
}

// Load unseals the private key.
func (k *Keystore) Load(passphrase string) ([32]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var priv [32]byte
	blob, err := os.ReadFile(k.path())
	if errors.Is(err, os.ErrNotExist) {
		return priv, ErrNoKey
	}
	if err != nil {
		return priv, err
	}

	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return priv, ErrWrongPassphrase
	}
	key, err := scrypt.Key([]byte(passphrase), env.Salt, env.N, env.R, env.P, chacha20poly1305.KeySize)
	if err != nil {
		return priv, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return priv, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return priv, ErrWrongPassphrase
	}
	raw, err := aead.Open(nil, env.Nonce, env.CT, env.Salt)
	if err != nil {
		return priv, ErrWrongPassphrase
	}
	return dh.ToKey(raw)
}
