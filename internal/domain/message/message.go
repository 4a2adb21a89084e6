package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/tandem-chat/tandem/internal/domain/session"
)

// Message is one accepted utterance. Content is opaque to everything below
// the coordinator; the stored form is ciphertext from the encryption port.
type Message struct {
	ID              uuid.UUID      `json:"id"`
	SessionID       uuid.UUID      `json:"sessionId"`
	Sender          session.Sender `json:"sender"`
	Content         string         `json:"content"`
	CreatedAt       time.Time      `json:"createdAt"`
	SafetyTags      []string       `json:"safetyTags,omitempty"`
	ClientMessageID string         `json:"clientMessageId"`
}

// New builds a message with a fresh id and UTC timestamp.
func New(sessionID uuid.UUID, sender session.Sender, content, clientMessageID string, tags []string) *Message {
	return &Message{
		ID:              uuid.New(),
		SessionID:       sessionID,
		Sender:          sender,
		Content:         content,
		CreatedAt:       time.Now().UTC(),
		SafetyTags:      tags,
		ClientMessageID: clientMessageID,
	}
}

// Clone returns a shallow copy with its own tag slice, so callers can swap
// the content field without aliasing the stored record.
func (m *Message) Clone() *Message {
	cp := *m
	if m.SafetyTags != nil {
		cp.SafetyTags = append([]string(nil), m.SafetyTags...)
	}
	return &cp
}
