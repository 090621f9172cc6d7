// Package models defines the core data types for chatsync.
package models

import (
	"fmt"
	"strings"
)

// IdentityKind distinguishes the two personas a user can act under.
type IdentityKind string

const (
	IdentityKindPersonal     IdentityKind = "personal"
	IdentityKindOrganization IdentityKind = "organization"
)

// ParseIdentityKind normalizes a wire or user supplied identity kind.
func ParseIdentityKind(raw string) (IdentityKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "personal", "user":
		return IdentityKindPersonal, nil
	case "organization", "organisation", "org":
		return IdentityKindOrganization, nil
	default:
		return "", fmt.Errorf("unknown identity kind %q", raw)
	}
}

// Identity is an opaque actor reference.
type Identity struct {
	Kind IdentityKind `json:"kind" yaml:"kind"`
	ID   string       `json:"id" yaml:"id"`
}

// IsZero reports whether no identity is set.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// Validate checks that both kind and id are present.
func (i Identity) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(i.ID) == "" {
		errs.AddMessage("id", "is required")
	}
	if _, err := ParseIdentityKind(string(i.Kind)); err != nil {
		errs.Add("kind", err)
	}
	return errs.Err()
}

func (i Identity) String() string {
	if i.IsZero() {
		return "(none)"
	}
	return fmt.Sprintf("%s:%s", i.Kind, i.ID)
}

// Scope pairs the active identity with the epoch it was activated in.
// Async work captures the scope when it starts and must drop its result
// if the scope no longer matches when it completes.
type Scope struct {
	Identity Identity
	Epoch    uint64
}

// Same reports whether two scopes refer to the same activation.
func (s Scope) Same(other Scope) bool {
	return s.Epoch == other.Epoch && s.Identity == other.Identity
}
