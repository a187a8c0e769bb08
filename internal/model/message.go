package model

import "encoding/json"

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	}
	return 0
}

func (s Status) Valid() bool { return s.rank() > 0 }

// Advances reports whether moving from s to next goes forward. Status never
// moves backward.
func (s Status) Advances(next Status) bool {
	return next.rank() > s.rank()
}

type (
	// Packet is the sealed form of a message body. Both fields are base64.
	Packet struct {
		Ciphertext string `json:"content"`
		Nonce      string `json:"nonce"`
	}

	Message struct {
		MessageID   string `json:"messageId" bson:"message_id"`
		SenderID    string `json:"senderId" bson:"sender_id"`
		RecipientID string `json:"recipientId" bson:"recipient_id"`
		Ciphertext  string `json:"content" bson:"content"`
		Nonce       string `json:"nonce" bson:"nonce"`
		// Timestamp is the sender's clock in unix milliseconds.
		Timestamp int64  `json:"timestamp" bson:"timestamp"`
		Status    Status `json:"status" bson:"status"`
		// StoredAt is set by the relay (unix seconds) and drives poll watermarks.
		StoredAt int64 `json:"storedAt,omitempty" bson:"stored_at"`
	}
)

func (m *Message) Packet() Packet {
	return Packet{Ciphertext: m.Ciphertext, Nonce: m.Nonce}
}

// PollResponse is the body returned by the poll endpoint.
type PollResponse struct {
	Messages []*Message `json:"messages"`
}

// PollAck confirms polled messages reached the client. Only acked messages
// are marked delivered.
type PollAck struct {
	MessageIDs []string `json:"messageIds"`
}

// MarshalJSON keeps "messages" an array even when empty.
func (p PollResponse) MarshalJSON() ([]byte, error) {
	msgs := p.Messages
	if msgs == nil {
		msgs = []*Message{}
	}
	return json.Marshal(struct {
		Messages []*Message `json:"messages"`
	}{msgs})
}
