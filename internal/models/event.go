package models

// Channel event names consumed by the client.
const (
	// EventConnect is published locally after every successful (re)connect.
	EventConnect           = "connect"
	// EventDisconnect is published locally when an established connection drops.
	EventDisconnect        = "disconnect"
	EventMessageReceived   = "message:received"
	EventMessageDelivered  = "message:delivered"
	EventMessagesSeen      = "messages_seen"
	EventUserStatusChanged = "user_status_changed"
)

// Channel event names emitted by the client.
const (
	EventSetup             = "setup"
	EventCheckOnlineStatus = "check_online_status"
	EventMarkSeen          = "mark_seen"
	EventJoinConversation  = "join_conversation"
)

// DeliveredReceipt is the payload of message:delivered.
type DeliveredReceipt struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// SeenReceipt is the payload of messages_seen: IdentityID has seen every
// message in the conversation.
type SeenReceipt struct {
	ConversationID string `json:"conversationId"`
	IdentityID     string `json:"identityId"`
}

// StatusChange is the payload of user_status_changed.
type StatusChange struct {
	IdentityID string `json:"userId"`
	IsOnline   bool   `json:"isOnline"`
}

// MarkSeenSignal is emitted when this client has seen a conversation.
type MarkSeenSignal struct {
	ConversationID string `json:"conversationId"`
	IdentityID     string `json:"identityId"`
}

// JoinSignal asks the channel to route a conversation's events to this client.
type JoinSignal struct {
	ConversationID string `json:"conversationId"`
}
