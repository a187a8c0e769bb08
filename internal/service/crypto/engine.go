package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pm_chat/internal/cryptographic/dh"
	"pm_chat/internal/cryptographic/encryption"
	"pm_chat/internal/cryptographic/keystore"
	"pm_chat/internal/model"
	"pm_chat/internal/protocol/ratchet"
	"pm_chat/internal/utils/log"
)

const indexSize = 4

type (
	// RatchetStore persists per-conversation chain state.
	RatchetStore interface {
		LoadRatchet(ctx context.Context, conversationID string) (*model.RatchetState, error)
		SaveRatchet(ctx context.Context, s *model.RatchetState) error
		DeleteRatchet(ctx context.Context, conversationID string) error
	}

	// DecryptionError is returned for any authentication failure. It is never
	// fatal to the transport the message arrived on.
	DecryptionError struct {
		Reason string
		Err    error
	}

	Engine struct {
		selfID   string
		priv     [32]byte
		pub      [32]byte
		ratchets RatchetStore

		// serializes read-modify-write of ratchet state
		mu sync.Mutex
	}
)

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// IsDecryptionError reports whether err is a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// GenerateIdentityKeys creates a new key pair, seals the private half in ks
// and returns the public key. The private key never leaves the keystore.
func GenerateIdentityKeys(ks *keystore.Keystore, passphrase string) ([]byte, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	if err := ks.Store(passphrase, priv); err != nil {
		return nil, fmt.Errorf("store identity key: %w", err)
	}
	return pub[:], nil
}

// Unlock loads the identity key from ks and returns an engine for selfID.
func Unlock(selfID string, ks *keystore.Keystore, passphrase string, ratchets RatchetStore) (*Engine, error) {
	priv, err := ks.Load(passphrase)
	if err != nil {
		return nil, err
	}
	return New(selfID, priv, ratchets), nil
}

func New(selfID string, priv [32]byte, ratchets RatchetStore) *Engine {
	return &Engine{
		selfID:   selfID,
		priv:     priv,
		pub:      dh.PublicKey(priv),
		ratchets: ratchets,
	}
}

func (e *Engine) SelfID() string { return e.selfID }

func (e *Engine) PublicKey() []byte { return bytes.Clone(e.pub[:]) }

// Encrypt seals plaintext for recipientPub with a fresh random nonce.
func (e *Engine) Encrypt(plaintext, recipientPub []byte) (model.Packet, error) {
	pub, err := dh.ToKey(recipientPub)
	if err != nil {
		return model.Packet{}, fmt.Errorf("recipient key: %w", err)
	}
	ct, nonce, err := encryption.BoxSeal(plaintext, pub, e.priv)
	if err != nil {
		return model.Packet{}, err
	}
	return model.Packet{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
	}, nil
}

// Decrypt opens a packet sealed by senderPub for this identity.
func (e *Engine) Decrypt(ciphertext, nonce string, senderPub []byte) ([]byte, error) {
	pub, err := dh.ToKey(senderPub)
	if err != nil {
		return nil, &DecryptionError{Reason: "sender key", Err: err}
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, &DecryptionError{Reason: "ciphertext encoding", Err: err}
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil || len(rawNonce) != encryption.NonceSize {
		return nil, &DecryptionError{Reason: "nonce encoding", Err: err}
	}
	plain, err := encryption.BoxOpen(ct, encryption.Nonce(rawNonce), pub, e.priv)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication", Err: err}
	}
	return plain, nil
}

// DeriveNextKey is one step of the forward-secret symmetric chain.
func (e *Engine) DeriveNextKey(chainKey []byte) (nextChainKey, messageKey []byte, err error) {
	return ratchet.DeriveNextKey(chainKey)
}

// SealFor encrypts plaintext for a peer, advancing the conversation's send
// chain by one step. The chain index travels inside the sealed box.
func (e *Engine) SealFor(ctx context.Context, peerID string, peerPub, plaintext []byte) (model.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.conversation(ctx, peerID, peerPub)
	if err != nil {
		return model.Packet{}, err
	}
	idx, mk, err := ratchet.NextSendKey(state)
	if err != nil {
		return model.Packet{}, err
	}
	inner, err := encryption.SecretSeal([32]byte(mk), plaintext)
	if err != nil {
		return model.Packet{}, err
	}

	body := make([]byte, indexSize, indexSize+len(inner))
	binary.BigEndian.PutUint32(body, idx)
	body = append(body, inner...)

	packet, err := e.Encrypt(body, peerPub)
	if err != nil {
		return model.Packet{}, err
	}
	// a message key must never be handed out twice, so the step is durable
	// before the packet leaves
	if err := e.ratchets.SaveRatchet(ctx, state); err != nil {
		return model.Packet{}, fmt.Errorf("save ratchet: %w", err)
	}
	return packet, nil
}

// OpenFrom decrypts a packet from a peer and advances the receive chain. On
// any failure the stored chain state is left untouched.
func (e *Engine) OpenFrom(ctx context.Context, peerID string, peerPub []byte, p model.Packet) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	body, err := e.Decrypt(p.Ciphertext, p.Nonce, peerPub)
	if err != nil {
		return nil, err
	}
	if len(body) < indexSize {
		return nil, &DecryptionError{Reason: "truncated body"}
	}

	state, err := e.conversation(ctx, peerID, peerPub)
	if err != nil {
		return nil, err
	}
	work := ratchet.Clone(state)
	mk, err := ratchet.ReceiveKey(work, binary.BigEndian.Uint32(body[:indexSize]))
	if err != nil {
		return nil, &DecryptionError{Reason: "ratchet", Err: err}
	}
	plain, err := encryption.SecretOpen([32]byte(mk), body[indexSize:])
	if err != nil {
		return nil, &DecryptionError{Reason: "message key", Err: err}
	}
	if err := e.ratchets.SaveRatchet(ctx, work); err != nil {
		return nil, fmt.Errorf("save ratchet: %w", err)
	}
	return plain, nil
}

// ResetConversation drops the chain state shared with peerID.
func (e *Engine) ResetConversation(ctx context.Context, peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ratchets.DeleteRatchet(ctx, model.ConversationID(e.selfID, peerID))
}

// conversation loads the chain state with peerID, seeding it on first use. A
// peer key different from the one the chains were seeded with resets them.
func (e *Engine) conversation(ctx context.Context, peerID string, peerPub []byte) (*model.RatchetState, error) {
	pub, err := dh.ToKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("peer key: %w", err)
	}
	convID := model.ConversationID(e.selfID, peerID)

	state, err := e.ratchets.LoadRatchet(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load ratchet: %w", err)
	}
	if state != nil && !bytes.Equal(state.PeerKey, peerPub) {
		log.Warn("peer public key changed, resetting conversation",
			zap.String("conversation", convID))
		if err := e.ratchets.DeleteRatchet(ctx, convID); err != nil {
			return nil, fmt.Errorf("reset ratchet: %w", err)
		}
		state = nil
	}
	if state != nil {
		return state, nil
	}

	shared := dh.SharedKey(e.priv, pub)
	return ratchet.NewState(shared[:], e.selfID, peerID, peerPub)
}
