package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"maps"

	"pm_chat/internal/model"
)

const MaxSkip = 1000

var (
	ErrReplay    = errors.New("message key already consumed")
	ErrSkipLimit = errors.New("skipped message limit exceeded")
)

// NewState seeds a conversation's chains from the pair's shared secret.
func NewState(shared []byte, self, peer string, peerKey []byte) (*model.RatchetState, error) {
	send, recv, err := Seed(shared, self, peer)
	if err != nil {
		return nil, err
	}
	return &model.RatchetState{
		ConversationID:  model.ConversationID(self, peer),
		SendChainKey:    send,
		ReceiveChainKey: recv,
		PeerKey:         bytes.Clone(peerKey),
		Skipped:         make(map[uint32][]byte),
	}, nil
}

// Clone returns a deep copy so a failed decrypt can be discarded without
// touching the committed state.
func Clone(s *model.RatchetState) *model.RatchetState {
	c := *s
	c.SendChainKey = bytes.Clone(s.SendChainKey)
	c.ReceiveChainKey = bytes.Clone(s.ReceiveChainKey)
	c.PeerKey = bytes.Clone(s.PeerKey)
	c.Skipped = maps.Clone(s.Skipped)
	if c.Skipped == nil {
		c.Skipped = make(map[uint32][]byte)
	}
	return &c
}

// NextSendKey advances the send chain by exactly one step.
func NextSendKey(s *model.RatchetState) (index uint32, msgKey []byte, err error) {
	next, msgKey, err := DeriveNextKey(s.SendChainKey)
	if err != nil {
		return 0, nil, err
	}
	index = s.SendCount
	s.SendChainKey = next
	s.SendCount++
	return index, msgKey, nil
}

// ReceiveKey returns the message key for a receive-chain index. In-order
// indices advance the chain by one step; gaps store the intermediate keys
// (bounded by MaxSkip) so late arrivals from another transport still open.
func ReceiveKey(s *model.RatchetState, index uint32) ([]byte, error) {
	if mk, ok := s.Skipped[index]; ok {
		delete(s.Skipped, index)
		return mk, nil
	}
	if index < s.ReceiveCount {
		return nil, ErrReplay
	}

	gap := int(index - s.ReceiveCount)
	if gap > MaxSkip || len(s.Skipped)+gap > MaxSkip {
		return nil, fmt.Errorf("%w: gap=%d stored=%d max=%d", ErrSkipLimit, gap, len(s.Skipped), MaxSkip)
	}
	if s.Skipped == nil {
		s.Skipped = make(map[uint32][]byte)
	}

	for s.ReceiveCount < index {
		next, mk, err := DeriveNextKey(s.ReceiveChainKey)
		if err != nil {
			return nil, err
		}
		s.Skipped[s.ReceiveCount] = mk
		s.ReceiveChainKey = next
		s.ReceiveCount++
	}

	next, mk, err := DeriveNextKey(s.ReceiveChainKey)
	if err != nil {
		return nil, err
	}
	s.ReceiveChainKey = next
	s.ReceiveCount++
	return mk, nil
}
