package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tOgg1/chatsync/internal/models"
)

// Profile is the persisted CLI selection of the active identity.
type Profile struct {
	// IdentityID is the selected identity.
	IdentityID string `yaml:"identity,omitempty"`
	// IdentityKind is personal or organization.
	IdentityKind string `yaml:"identity_kind,omitempty"`
	// DisplayName is the human-readable name (for display).
	DisplayName string `yaml:"display_name,omitempty"`
	// UpdatedAt is when the profile was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no identity is selected.
func (p *Profile) IsEmpty() bool {
	return p.IdentityID == ""
}

// SetIdentity selects an identity.
func (p *Profile) SetIdentity(identity models.Identity, displayName string) {
	p.IdentityID = identity.ID
	p.IdentityKind = string(identity.Kind)
	p.DisplayName = displayName
	p.UpdatedAt = time.Now().UTC()
}

// Identity returns the selected identity.
func (p *Profile) Identity() (models.Identity, error) {
	if p.IsEmpty() {
		return models.Identity{}, models.ErrNoIdentity
	}
	kind, err := models.ParseIdentityKind(p.IdentityKind)
	if err != nil {
		return models.Identity{}, fmt.Errorf("profile: %w", err)
	}
	return models.Identity{Kind: kind, ID: p.IdentityID}, nil
}

// String returns a human-readable representation of the profile.
func (p *Profile) String() string {
	if p.IsEmpty() {
		return "(no identity selected)"
	}
	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		name = shortID(p.IdentityID)
	}
	return fmt.Sprintf("%s:%s", p.IdentityKind, name)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ProfileStore manages loading and saving the profile.
type ProfileStore struct {
	path string
	mu   sync.RWMutex
}

// NewProfileStore creates a new profile store.
// If path is empty, uses the default path (~/.config/chatsync/profile.yaml).
func NewProfileStore(path string) *ProfileStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "chatsync", "profile.yaml")
	}
	return &ProfileStore{path: path}
}

// Path returns the profile file path.
func (s *ProfileStore) Path() string {
	return s.path
}

// Load reads the profile from disk.
// Returns an empty profile if the file doesn't exist.
func (s *ProfileStore) Load() (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile := &Profile{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return profile, nil
		}
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}

	return profile, nil
}

// Save writes the profile to disk.
func (s *ProfileStore) Save(profile *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	data, err := yaml.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to serialize profile: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write profile file: %w", err)
	}

	return nil
}

// Clear removes the profile file.
func (s *ProfileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove profile file: %w", err)
	}
	return nil
}

// ResolveIdentity picks the active identity: the saved profile first,
// then the configured identity.
func ResolveIdentity(cfg *Config, store *ProfileStore) (models.Identity, error) {
	if store != nil {
		profile, err := store.Load()
		if err != nil {
			return models.Identity{}, err
		}
		if !profile.IsEmpty() {
			return profile.Identity()
		}
	}
	identity, err := cfg.ActiveIdentity()
	if err != nil {
		return models.Identity{}, err
	}
	if identity.IsZero() {
		return models.Identity{}, models.ErrNoIdentity
	}
	return identity, nil
}
