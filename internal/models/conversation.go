package models

import "time"

// Participant is one side of a two-party conversation.
type Participant struct {
	IdentityID   string       `json:"identityId"`
	IdentityKind IdentityKind `json:"identityKind"`
	DisplayName  string       `json:"displayName,omitempty"`
}

// Label returns the display name, falling back to the identity id.
func (p Participant) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.IdentityID
}

// LastMessage is the denormalized preview used by conversation lists.
type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a two-party conversation as seen by one identity.
type Conversation struct {
	ID           string         `json:"id"`
	Participants []Participant  `json:"participants"`
	LastMessage  *LastMessage   `json:"lastMessage,omitempty"`
	UnreadCount  map[string]int `json:"unreadCount,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Counterpart returns the participant that is not selfID.
func (c Conversation) Counterpart(selfID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.IdentityID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// HasParticipant reports whether identityID takes part in the conversation.
func (c Conversation) HasParticipant(identityID string) bool {
	for _, p := range c.Participants {
		if p.IdentityID == identityID {
			return true
		}
	}
	return false
}

// Unread returns the unread count for identityID.
func (c Conversation) Unread(identityID string) int {
	return c.UnreadCount[identityID]
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = append([]Participant(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	if c.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			out.UnreadCount[k] = v
		}
	}
	return out
}

// CloneConversations deep copies a conversation slice.
func CloneConversations(in []Conversation) []Conversation {
	if in == nil {
		return nil
	}
	out := make([]Conversation, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
