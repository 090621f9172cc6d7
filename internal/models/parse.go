package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Wire shapes accept the field spellings the backend has used over time
// (`_id` next to `id`, `kind` next to `identityKind`). Everything is
// validated before it becomes a Message or Conversation.

type wireMedia struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
	Type string `json:"type"`
}

type wireMessage struct {
	ID             string     `json:"id"`
	MongoID        string     `json:"_id"`
	ClientID       string     `json:"clientId"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	SenderKind     string     `json:"senderKind"`
	SenderType     string     `json:"senderType"`
	Content        *string    `json:"content"`
	Media          *wireMedia `json:"media"`
	CreatedAt      *time.Time `json:"createdAt"`
	Status         string     `json:"status"`
}

type wireParticipant struct {
	IdentityID   string `json:"identityId"`
	ID           string `json:"id"`
	IdentityKind string `json:"identityKind"`
	Kind         string `json:"kind"`
	DisplayName  string `json:"displayName"`
	Name         string `json:"name"`
}

type wireLastMessage struct {
	Content   string     `json:"content"`
	CreatedAt *time.Time `json:"createdAt"`
}

type wireConversation struct {
	ID           string            `json:"id"`
	MongoID      string            `json:"_id"`
	Participants []wireParticipant `json:"participants"`
	LastMessage  *wireLastMessage  `json:"lastMessage"`
	UnreadCount  map[string]int    `json:"unreadCount"`
	UpdatedAt    *time.Time        `json:"updatedAt"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ParseMessage decodes and validates a single message payload.
func ParseMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return wire.toMessage()
}

// ParseMessages decodes a message list. Invalid entries are dropped and
// reported through a ValidationErrors error alongside the valid ones;
// a malformed document returns no messages.
func ParseMessages(data []byte) ([]Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	var errs ValidationErrors
	for i, item := range raw {
		msg, err := ParseMessage(item)
		if err != nil {
			errs.Add(fmt.Sprintf("[%d]", i), err)
			continue
		}
		out = append(out, msg)
	}
	return out, errs.Err()
}

func (w wireMessage) toMessage() (Message, error) {
	var errs ValidationErrors

	msg := Message{
		ID:             firstNonEmpty(w.ID, w.MongoID),
		ClientID:       strings.TrimSpace(w.ClientID),
		ConversationID: strings.TrimSpace(w.ConversationID),
		SenderID:       strings.TrimSpace(w.SenderID),
	}
	if msg.ID == "" {
		errs.AddMessage("id", "is required")
	}
	if msg.ConversationID == "" {
		errs.AddMessage("conversationId", "is required")
	}
	if msg.SenderID == "" {
		errs.AddMessage("senderId", "is required")
	}
	kind, err := ParseIdentityKind(firstNonEmpty(w.SenderKind, w.SenderType))
	if err != nil {
		errs.Add("senderKind", err)
	}
	msg.SenderKind = kind

	if w.Content != nil {
		msg.Content = *w.Content
	}
	if w.Media != nil {
		media, err := w.Media.toMedia()
		if err != nil {
			errs.Add("media", err)
		}
		msg.Media = media
	}
	if w.CreatedAt == nil || w.CreatedAt.IsZero() {
		errs.AddMessage("createdAt", "is required")
	} else {
		msg.CreatedAt = w.CreatedAt.UTC()
	}
	status, err := ParseStatus(w.Status)
	if err != nil {
		errs.Add("status", err)
	}
	msg.Status = status

	if err := errs.Err(); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	return msg, nil
}

func (w wireMedia) toMedia() (*Media, error) {
	var errs ValidationErrors
	url := strings.TrimSpace(w.URL)
	if url == "" {
		errs.AddMessage("url", "is required")
	}
	kind, err := ParseMediaKind(firstNonEmpty(w.Kind, w.Type))
	if err != nil {
		errs.Add("kind", err)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return &Media{URL: url, Kind: kind}, nil
}

// ParseMediaKind normalizes a media kind or MIME type.
func ParseMediaKind(raw string) (MediaKind, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case value == string(MediaImage), strings.HasPrefix(value, "image/"):
		return MediaImage, nil
	case value == string(MediaVideo), strings.HasPrefix(value, "video/"):
		return MediaVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMedia, raw)
	}
}

// ParseConversation decodes and validates a single conversation payload.
func ParseConversation(data []byte) (Conversation, error) {
	var wire wireConversation
	if err := json.Unmarshal(data, &wire); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return wire.toConversation()
}

// ParseConversations decodes a conversation list with the same partial
// semantics as ParseMessages.
func ParseConversations(data []byte) ([]Conversation, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]Conversation, 0, len(raw))
	var errs ValidationErrors
	for i, item := range raw {
		conv, err := ParseConversation(item)
		if err != nil {
			errs.Add(fmt.Sprintf("[%d]", i), err)
			continue
		}
		out = append(out, conv)
	}
	return out, errs.Err()
}

func (w wireConversation) toConversation() (Conversation, error) {
	var errs ValidationErrors

	conv := Conversation{ID: firstNonEmpty(w.ID, w.MongoID)}
	if conv.ID == "" {
		errs.AddMessage("id", "is required")
	}

	if len(w.Participants) != 2 {
		errs.AddMessage("participants", fmt.Sprintf("expected 2 entries, got %d", len(w.Participants)))
	}
	for i, wp := range w.Participants {
		field := fmt.Sprintf("participants[%d]", i)
		p := Participant{
			IdentityID:  firstNonEmpty(wp.IdentityID, wp.ID),
			DisplayName: firstNonEmpty(wp.DisplayName, wp.Name),
		}
		if p.IdentityID == "" {
			errs.AddMessage(field+".identityId", "is required")
		}
		kind, err := ParseIdentityKind(firstNonEmpty(wp.IdentityKind, wp.Kind))
		if err != nil {
			errs.Add(field+".identityKind", err)
		}
		p.IdentityKind = kind
		conv.Participants = append(conv.Participants, p)
	}

	if w.LastMessage != nil {
		last := &LastMessage{Content: w.LastMessage.Content}
		if w.LastMessage.CreatedAt != nil {
			last.CreatedAt = w.LastMessage.CreatedAt.UTC()
		}
		conv.LastMessage = last
	}

	if len(w.UnreadCount) > 0 {
		conv.UnreadCount = make(map[string]int, len(w.UnreadCount))
		for id, n := range w.UnreadCount {
			if n < 0 {
				errs.AddMessage("unreadCount."+id, "must not be negative")
				continue
			}
			conv.UnreadCount[id] = n
		}
	}

	switch {
	case w.UpdatedAt != nil && !w.UpdatedAt.IsZero():
		conv.UpdatedAt = w.UpdatedAt.UTC()
	case conv.LastMessage != nil:
		conv.UpdatedAt = conv.LastMessage.CreatedAt
	}

	if err := errs.Err(); err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation: %w", err)
	}
	return conv, nil
}

// ParseDelivered decodes a message:delivered payload. A bare JSON string is
// accepted as the message id.
func ParseDelivered(data []byte) (DeliveredReceipt, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		if id = strings.TrimSpace(id); id == "" {
			return DeliveredReceipt{}, fmt.Errorf("invalid delivered receipt: messageId is required")
		}
		return DeliveredReceipt{MessageID: id}, nil
	}
	var receipt DeliveredReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return DeliveredReceipt{}, fmt.Errorf("decode delivered receipt: %w", err)
	}
	receipt.MessageID = strings.TrimSpace(receipt.MessageID)
	if receipt.MessageID == "" {
		return DeliveredReceipt{}, fmt.Errorf("invalid delivered receipt: messageId is required")
	}
	return receipt, nil
}

// ParseSeen decodes a messages_seen payload.
func ParseSeen(data []byte) (SeenReceipt, error) {
	var wire struct {
		ConversationID string `json:"conversationId"`
		IdentityID     string `json:"identityId"`
		SeenBy         string `json:"seenBy"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return SeenReceipt{}, fmt.Errorf("decode seen receipt: %w", err)
	}
	receipt := SeenReceipt{
		ConversationID: strings.TrimSpace(wire.ConversationID),
		IdentityID:     firstNonEmpty(wire.IdentityID, wire.SeenBy),
	}
	var errs ValidationErrors
	if receipt.ConversationID == "" {
		errs.AddMessage("conversationId", "is required")
	}
	if receipt.IdentityID == "" {
		errs.AddMessage("identityId", "is required")
	}
	if err := errs.Err(); err != nil {
		return SeenReceipt{}, fmt.Errorf("invalid seen receipt: %w", err)
	}
	return receipt, nil
}

// ParseStatusChange decodes a user_status_changed payload.
func ParseStatusChange(data []byte) (StatusChange, error) {
	var wire struct {
		UserID     string `json:"userId"`
		IdentityID string `json:"identityId"`
		IsOnline   *bool  `json:"isOnline"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return StatusChange{}, fmt.Errorf("decode status change: %w", err)
	}
	change := StatusChange{IdentityID: firstNonEmpty(wire.UserID, wire.IdentityID)}
	var errs ValidationErrors
	if change.IdentityID == "" {
		errs.AddMessage("userId", "is required")
	}
	switch {
	case wire.IsOnline != nil:
		change.IsOnline = *wire.IsOnline
	case strings.EqualFold(wire.Status, "online"):
		change.IsOnline = true
	case strings.EqualFold(wire.Status, "offline"):
		change.IsOnline = false
	default:
		errs.AddMessage("isOnline", "is required")
	}
	if err := errs.Err(); err != nil {
		return StatusChange{}, fmt.Errorf("invalid status change: %w", err)
	}
	return change, nil
}
