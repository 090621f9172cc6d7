package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks speculative message ids generated on this client.
const LocalIDPrefix = "local-"

// MediaKind is the kind of an attached media item.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Media is a single attachment on a message. URL is either the durable
// object storage URL or, on speculative entries, a local preview handle.
type Media struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// Message is one entry in a conversation timeline.
type Message struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	SenderKind     IdentityKind `json:"senderKind"`
	Content        string       `json:"content,omitempty"`
	Media          *Media       `json:"media,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	Status         Status       `json:"status"`

	// PendingSince is set on speculative entries only and never leaves the client.
	PendingSince time.Time `json:"-"`
}

// NewLocalID returns a fresh speculative message id.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsSpeculative reports whether the message still carries a client-only id.
func (m Message) IsSpeculative() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// SentBy reports whether identityID authored the message.
func (m Message) SentBy(identityID string) bool {
	return identityID != "" && m.SenderID == identityID
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	if m.Media != nil {
		media := *m.Media
		out.Media = &media
	}
	return out
}

// CloneMessages deep copies a message slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
