package model

type RatchetState struct {
	ConversationID  string `json:"conversationId"`
	SendChainKey    []byte `json:"sendChainKey"`
	ReceiveChainKey []byte `json:"receiveChainKey"`
	SendCount       uint32 `json:"sendCount"`
	ReceiveCount    uint32 `json:"receiveCount"`
	// PeerKey is the peer public key the chains were seeded from.
	PeerKey []byte `json:"peerKey"`
	// Skipped holds message keys of receive-chain indices that have not
	// arrived yet, keyed by index.
	Skipped map[uint32][]byte `json:"skipped,omitempty"`
}

// ConversationID names the state for the ordered pair (self, peer).
func ConversationID(self, peer string) string {
	return self + "->" + peer
}
