package models

// PresenceEntry is the last known online state of a watched identity.
// Absence of an entry means unknown, which callers render as offline.
type PresenceEntry struct {
	IdentityID string `json:"identityId"`
	IsOnline   bool   `json:"isOnline"`
}
