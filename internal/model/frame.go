package model

type FrameType string

const (
	FrameAuth        FrameType = "auth"
	FrameAuthOK      FrameType = "auth_ok"
	FrameChatMessage FrameType = "chat_message"
	FrameTyping      FrameType = "typing"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameDeliveryAck FrameType = "delivery_ack"
	FrameError       FrameType = "error"
)

// Frame is the relay wire unit. Only the fields relevant to Type are set.
type Frame struct {
	Type FrameType `json:"type"`

	Token string `json:"token,omitempty"`

	RecipientID string `json:"recipientId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	Content     string `json:"content,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	// IsTyping is a pointer so an explicit false survives encoding.
	IsTyping *bool `json:"isTyping,omitempty"`

	Status Status `json:"status,omitempty"`

	Message string `json:"message,omitempty"`
}

func ChatFrame(m *Message) *Frame {
	return &Frame{
		Type:        FrameChatMessage,
		RecipientID: m.RecipientID,
		SenderID:    m.SenderID,
		Content:     m.Ciphertext,
		Nonce:       m.Nonce,
		MessageID:   m.MessageID,
		Timestamp:   m.Timestamp,
	}
}

func AckFrame(messageID string, status Status) *Frame {
	return &Frame{Type: FrameDeliveryAck, MessageID: messageID, Status: status}
}

func TypingFrame(recipientID string, typing bool) *Frame {
	return &Frame{Type: FrameTyping, RecipientID: recipientID, IsTyping: &typing}
}

func ErrorFrame(msg string) *Frame {
	return &Frame{Type: FrameError, Message: msg}
}

// ToMessage converts a chat_message frame into a pending record.
func (f *Frame) ToMessage() *Message {
	return &Message{
		MessageID:   f.MessageID,
		SenderID:    f.SenderID,
		RecipientID: f.RecipientID,
		Ciphertext:  f.Content,
		Nonce:       f.Nonce,
		Timestamp:   f.Timestamp,
		Status:      StatusPending,
	}
}
