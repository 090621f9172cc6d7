// Package presence tracks the online state of identities the user is
// looking at. State is fed only by channel events and explicit probes.
package presence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

// Emitter is the part of the channel the tracker needs.
type Emitter interface {
	Emit(event string, payload any) error
	Connected() bool
}

// Config tunes probe throttling on resync.
type Config struct {
	// Rate is the sustained probes per second. Zero means unlimited.
	Rate  float64
	Burst int
}

// Tracker holds presence entries for watched identities.
type Tracker struct {
	channel Emitter
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu         sync.RWMutex
	watched    map[string]struct{}
	entries    map[string]bool
	generation uint64
}

// New creates a tracker that probes over channel.
func New(channel Emitter, cfg Config) *Tracker {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Tracker{
		channel: channel,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.Component("presence"),
		watched: make(map[string]struct{}),
		entries: make(map[string]bool),
	}
}

// Watch starts tracking id and probes its current state. The probe is
// dropped silently when the channel is disconnected; Resync re-sends it.
func (t *Tracker) Watch(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	t.mu.Lock()
	t.watched[id] = struct{}{}
	t.mu.Unlock()

	t.probe(id)
}

// Unwatch stops tracking id. The last entry stays until superseded by a
// future watch, but updates for id are ignored meanwhile.
func (t *Tracker) Unwatch(id string) {
	t.mu.Lock()
	delete(t.watched, id)
	t.mu.Unlock()
}

// IsOnline reports the last known state. Unknown reads as offline.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

// Apply records a status change for a watched identity and reports
// whether the visible state changed.
func (t *Tracker) Apply(change models.StatusChange) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.watched[change.IdentityID]; !ok {
		return false
	}
	prev, known := t.entries[change.IdentityID]
	t.entries[change.IdentityID] = change.IsOnline
	return !known || prev != change.IsOnline
}

// HandleEvent decodes a user_status_changed event and applies it.
func (t *Tracker) HandleEvent(event events.Event) bool {
	change, err := models.ParseStatusChange(event.Data)
	if err != nil {
		t.logger.Warn().Err(err).Msg("dropping status change")
		return false
	}
	return t.Apply(change)
}

// Resync re-probes every watched identity after a reconnect. Probes are
// throttled; a Reset during resync aborts it with ErrStaleEpoch.
func (t *Tracker) Resync(ctx context.Context) error {
	t.mu.RLock()
	generation := t.generation
	t.mu.RUnlock()

	for _, id := range t.Watched() {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		t.mu.RLock()
		stale := t.generation != generation
		_, stillWatched := t.watched[id]
		t.mu.RUnlock()
		if stale {
			return models.ErrStaleEpoch
		}
		if !stillWatched {
			continue
		}
		t.probe(id)
	}
	return nil
}

// Reset forgets all watches and entries.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watched = make(map[string]struct{})
	t.entries = make(map[string]bool)
	t.generation++
}

// Watched returns the tracked ids in sorted order.
func (t *Tracker) Watched() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.watched))
	for id := range t.watched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every known entry sorted by id.
func (t *Tracker) Snapshot() []models.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PresenceEntry, 0, len(t.entries))
	for id, online := range t.entries {
		out = append(out, models.PresenceEntry{IdentityID: id, IsOnline: online})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out
}

func (t *Tracker) probe(id string) {
	if t.channel == nil || !t.channel.Connected() {
		return
	}
	if err := t.channel.Emit(models.EventCheckOnlineStatus, id); err != nil {
		t.logger.Debug().Err(err).Str("identity_id", id).Msg("presence probe dropped")
	}
}
