// Package transport defines the collaborators the sync engine talks to and
// ships the websocket and REST adapters used in production.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/models"
)

// ErrNotConnected is returned by Emit while the channel has no live connection.
var ErrNotConnected = errors.New("channel not connected")

// Channel is the process-wide push connection. Handlers registered with On
// receive every event the server pushes plus the locally synthesized
// connect and disconnect events.
type Channel interface {
	Connect(ctx context.Context) error
	On(id string, filter events.Filter, handler events.Handler) error
	Off(id string) error
	Emit(event string, payload any) error
	Connected() bool
	Close() error
}

// API is the authoritative REST source of truth.
type API interface {
	FetchConversations(ctx context.Context, identityID string) ([]models.Conversation, error)
	// FetchMessages returns the history and marks it read server-side.
	FetchMessages(ctx context.Context, conversationID, identityID string) ([]models.Message, error)
	SendMessage(ctx context.Context, req SendRequest) (models.Message, error)
	AccessConversation(ctx context.Context, req AccessRequest) (models.Conversation, error)
	MarkSeen(ctx context.Context, conversationID, identityID string) error
}

// Uploader stores attachments in object storage.
type Uploader interface {
	Upload(ctx context.Context, file Upload) (models.Media, error)
}

// SendRequest is the body of an authoritative send.
type SendRequest struct {
	ConversationID string              `json:"-"`
	SenderID       string              `json:"senderId"`
	SenderKind     models.IdentityKind `json:"senderKind"`
	Content        string              `json:"content,omitempty"`
	Media          *models.Media       `json:"media,omitempty"`
	// ClientID carries the speculative id so an echoing server can return it.
	ClientID string `json:"clientId,omitempty"`
}

// AccessRequest finds or creates the conversation between two identities.
type AccessRequest struct {
	SenderID     string              `json:"senderId"`
	SenderKind   models.IdentityKind `json:"senderKind"`
	ReceiverID   string              `json:"receiverId"`
	ReceiverKind models.IdentityKind `json:"receiverKind"`
}

// Upload is one attachment to store.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Envelope is the channel wire frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope builds the wire frame for an outgoing event.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}
