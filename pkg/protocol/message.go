package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one unit of peer communication. It is passed by value and is
// not modified after construction; Content is shared with every copy, so
// handlers must treat it as read-only.
type Message struct {
	Content     json.RawMessage `json:"content"`
	SenderID    string          `json:"sender_id"`
	MessageType string          `json:"message_type"`
	Timestamp   float64         `json:"timestamp"`
	Signature   *string         `json:"signature"`
}

var nullContent = json.RawMessage("null")

// NewMessage marshals content and stamps the remaining fields.
func NewMessage(content any, senderID, messageType string, timestamp float64) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal content: %w", err)
	}
	return Message{
		Content:     raw,
		SenderID:    senderID,
		MessageType: messageType,
		Timestamp:   timestamp,
	}, nil
}

// Now returns the node-local clock reading used for message timestamps.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// DecodeContent unmarshals the payload into v.
func (m Message) DecodeContent(v any) error {
	content := m.Content
	if len(content) == 0 {
		content = nullContent
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("failed to decode %s content: %w", m.MessageType, err)
	}
	return nil
}

// WithSignature returns a copy of m carrying sig. The signature is never
// produced or checked by this package.
func (m Message) WithSignature(sig string) Message {
	m.Signature = &sig
	return m
}

// HasSignature reports whether a signature accompanies the message.
func (m Message) HasSignature() bool {
	return m.Signature != nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s from %s at %.3f", m.MessageType, m.SenderID, m.Timestamp)
}
