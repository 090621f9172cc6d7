// Package timeline holds the message list of the open conversation and
// reconciles speculative sends with their authoritative copies.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/metrics"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport"
)

// API is the REST surface the timeline needs.
type API interface {
	FetchMessages(ctx context.Context, conversationID, identityID string) ([]models.Message, error)
	SendMessage(ctx context.Context, req transport.SendRequest) (models.Message, error)
	MarkSeen(ctx context.Context, conversationID, identityID string) error
}

// Emitter is the part of the channel the timeline needs.
type Emitter interface {
	Emit(event string, payload any) error
}

// Config tunes a Timeline.
type Config struct {
	Metrics *metrics.Metrics
	// Now stamps speculative entries. Defaults to time.Now.
	Now func() time.Time
}

// Draft is one message to send.
type Draft struct {
	Content string
	// Media is shown on the speculative entry, typically a local preview.
	Media *models.Media
	// Prepare runs before the authoritative send. The media it returns
	// replaces Media in the send request. A Prepare error fails the send
	// with ErrUploadFailure.
	Prepare func(ctx context.Context) (*models.Media, error)
}

// SendResult reports how one send attempt settled.
//
// Err is nil on success. A confirmed failure wraps ErrSendFailure or
// ErrUploadFailure and leaves the entry in error state. ErrUnknownOutcome
// leaves the entry pending. ErrStaleEpoch means the server answered after
// an identity switch and nothing was applied.
type SendResult struct {
	LocalID string
	Message models.Message
	Err     error
}

type attempt struct {
	draft    Draft
	prepared *models.Media
}

// Timeline is the message list of the single open conversation.
type Timeline struct {
	api     API
	channel Emitter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	scope    models.Scope
	open     string
	loaded   bool
	entries  []models.Message
	attempts map[string]*attempt
}

// New creates a timeline with no open conversation.
func New(api API, channel Emitter, cfg Config) *Timeline {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Timeline{
		api:      api,
		channel:  channel,
		metrics:  cfg.Metrics,
		logger:   logging.Component("timeline"),
		now:      now,
		attempts: make(map[string]*attempt),
	}
}

// Reset closes the open conversation and binds the timeline to scope.
func (t *Timeline) Reset(scope models.Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scope = scope
	t.open = ""
	t.loaded = false
	t.entries = nil
	t.attempts = make(map[string]*attempt)
}

// Scope returns the activation the timeline is bound to.
func (t *Timeline) Scope() models.Scope {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scope
}

// Open makes conversationID the open conversation. Opening the already
// open conversation keeps its entries.
func (t *Timeline) Open(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("open: %w", models.ErrNotFound)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scope.Identity.IsZero() {
		return models.ErrNoIdentity
	}
	if t.open == conversationID {
		return nil
	}
	t.open = conversationID
	t.loaded = false
	t.entries = nil
	t.attempts = make(map[string]*attempt)
	return nil
}

// Close clears the open conversation.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = ""
	t.loaded = false
	t.entries = nil
	t.attempts = make(map[string]*attempt)
}

// OpenConversation returns the open conversation id, or "".
func (t *Timeline) OpenConversation() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

// Messages returns a copy of the open conversation's entries in display order.
func (t *Timeline) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return models.CloneMessages(t.entries)
}

// LoadHistory replaces the entries with the authoritative history.
// Pending speculative entries survive the replace unless the history
// carries their authoritative copy. Results for a conversation that is no longer open, or for a
// previous identity, are dropped with ErrStaleEpoch.
func (t *Timeline) LoadHistory(ctx context.Context, conversationID string) error {
	t.mu.RLock()
	scope := t.scope
	open := t.open
	t.mu.RUnlock()

	if scope.Identity.IsZero() {
		return models.ErrNoIdentity
	}
	if open != conversationID {
		return fmt.Errorf("load history %s: %w", conversationID, models.ErrNotOpen)
	}

	history, err := t.api.FetchMessages(ctx, conversationID, scope.Identity.ID)
	if err != nil {
		if t.current(scope, conversationID) {
			return fmt.Errorf("load history %s: %w", conversationID, err)
		}
		t.metrics.StaleResult("timeline")
		return models.ErrStaleEpoch
	}
	return t.ApplyHistory(scope, conversationID, history)
}

// ApplyHistory replaces the entries with history fetched under scope.
func (t *Timeline) ApplyHistory(scope models.Scope, conversationID string, history []models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.scope.Same(scope) || t.open != conversationID {
		t.metrics.StaleResult("timeline")
		t.logger.Debug().Str("conversation_id", conversationID).Msg("discarding stale history")
		return models.ErrStaleEpoch
	}
	t.replaceLocked(conversationID, history)
	t.loaded = true
	return nil
}

func (t *Timeline) current(scope models.Scope, conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scope.Same(scope) && t.open == conversationID
}

// Hydrate seeds the open conversation from a local snapshot. It is ignored
// once the history has been loaded.
func (t *Timeline) Hydrate(conversationID string, msgs []models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open != conversationID || t.loaded {
		return false
	}
	t.replaceLocked(conversationID, msgs)
	return true
}

// replaceLocked installs history as the entry list. Statuses never move
// backwards across the replace. A pending speculative entry is dropped when
// history holds its authoritative copy, matched by echoed client id or else
// by the first unclaimed message from self with the same content. Durable
// entries newer than a non-empty history and unconfirmed speculative entries
// are kept after it.
func (t *Timeline) replaceLocked(conversationID string, history []models.Message) {
	existing := make(map[string]models.Status, len(t.entries))
	for _, entry := range t.entries {
		existing[entry.ID] = entry.Status
	}

	var newest time.Time
	self := t.scope.Identity.ID
	echoed := make(map[string]bool)
	seen := make(map[string]bool, len(history))
	list := make([]models.Message, 0, len(history)+len(t.entries))
	for _, msg := range history {
		if msg.ConversationID != "" && msg.ConversationID != conversationID {
			continue
		}
		if msg.ID == "" || seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		msg = durable(msg)
		if prev, ok := existing[msg.ID]; ok {
			msg.Status, _ = prev.Advance(msg.Status)
		}
		if msg.ClientID != "" {
			echoed[msg.ClientID] = true
		}
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
		list = append(list, msg)
	}

	fetched := len(list)
	claimed := make([]bool, fetched)
	claim := func(entry models.Message) bool {
		if entry.Status != models.StatusPending || !entry.SentBy(self) {
			return false
		}
		for i := 0; i < fetched; i++ {
			msg := list[i]
			if claimed[i] || msg.ClientID != "" || !msg.SentBy(self) || msg.Content != entry.Content {
				continue
			}
			if _, known := existing[msg.ID]; known {
				continue
			}
			claimed[i] = true
			return true
		}
		return false
	}

	for _, entry := range t.entries {
		switch {
		case entry.IsSpeculative():
			if echoed[entry.ID] {
				delete(t.attempts, entry.ID)
				t.metrics.Reconciled(metrics.PathClient)
				continue
			}
			if claim(entry) {
				delete(t.attempts, entry.ID)
				t.metrics.Reconciled(metrics.PathContent)
				continue
			}
		case seen[entry.ID]:
			continue
		case newest.IsZero() || !entry.CreatedAt.After(newest):
			continue
		}
		list = append(list, entry.Clone())
	}
	t.entries = list
}

// SendDraft appends a speculative entry and starts the authoritative send
// in the background. The returned channel receives exactly one result.
func (t *Timeline) SendDraft(ctx context.Context, draft Draft) (models.Message, <-chan SendResult, error) {
	if strings.TrimSpace(draft.Content) == "" && draft.Media == nil && draft.Prepare == nil {
		return models.Message{}, nil, models.ErrEmptyDraft
	}

	t.mu.Lock()
	scope := t.scope
	if scope.Identity.IsZero() {
		t.mu.Unlock()
		return models.Message{}, nil, models.ErrNoIdentity
	}
	if t.open == "" {
		t.mu.Unlock()
		return models.Message{}, nil, models.ErrNotOpen
	}
	now := t.now().UTC()
	entry := models.Message{
		ID:             models.NewLocalID(),
		ConversationID: t.open,
		SenderID:       scope.Identity.ID,
		SenderKind:     scope.Identity.Kind,
		Content:        draft.Content,
		CreatedAt:      now,
		Status:         models.StatusPending,
		PendingSince:   now,
	}
	if draft.Media != nil {
		media := *draft.Media
		entry.Media = &media
	}
	t.entries = append(t.entries, entry)
	att := &attempt{draft: draft}
	t.attempts[entry.ID] = att
	t.mu.Unlock()

	results := make(chan SendResult, 1)
	go t.deliver(ctx, scope, entry, att, results)
	return entry.Clone(), results, nil
}

// Retry resends an entry in error state. The entry goes back to pending,
// which is the only backward status move allowed.
func (t *Timeline) Retry(ctx context.Context, localID string) (<-chan SendResult, error) {
	t.mu.Lock()
	scope := t.scope
	idx := t.indexLocked(localID)
	if idx < 0 {
		t.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", localID, models.ErrNotFound)
	}
	att, ok := t.attempts[localID]
	if t.entries[idx].Status != models.StatusError || !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", localID, models.ErrNotRetryable)
	}
	now := t.now().UTC()
	t.entries[idx].Status = models.StatusPending
	t.entries[idx].PendingSince = now
	entry := t.entries[idx].Clone()
	t.mu.Unlock()

	results := make(chan SendResult, 1)
	go t.deliver(ctx, scope, entry, att, results)
	return results, nil
}

// Discard removes an entry in error state.
func (t *Timeline) Discard(localID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.indexLocked(localID)
	if idx < 0 {
		return fmt.Errorf("discard %s: %w", localID, models.ErrNotFound)
	}
	if t.entries[idx].Status != models.StatusError {
		return fmt.Errorf("discard %s: %w", localID, models.ErrNotRetryable)
	}
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	delete(t.attempts, localID)
	return nil
}

// Stale lists speculative entries pending for at least after.
func (t *Timeline) Stale(now time.Time, after time.Duration) []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.Message
	for _, entry := range t.entries {
		if entry.Status != models.StatusPending || entry.PendingSince.IsZero() {
			continue
		}
		if now.Sub(entry.PendingSince) >= after {
			out = append(out, entry.Clone())
		}
	}
	return out
}

// OnIncoming applies a pushed message. Messages for other conversations
// are ignored. It reports whether the visible list changed.
func (t *Timeline) OnIncoming(msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == "" || msg.ConversationID != t.open || msg.ID == "" {
		return false
	}
	_, changed := t.reconcileLocked(msg, "")
	return changed
}

func (t *Timeline) deliver(ctx context.Context, scope models.Scope, entry models.Message, att *attempt, results chan<- SendResult) {
	logger := logging.WithConversation(logging.WithIdentity(t.logger, scope.Identity.ID, scope.Epoch), entry.ConversationID)
	result := SendResult{LocalID: entry.ID}
	defer func() { results <- result }()

	media := entry.Media
	t.mu.RLock()
	prepared := att.prepared
	t.mu.RUnlock()
	switch {
	case prepared != nil:
		media = prepared
	case att.draft.Prepare != nil:
		uploaded, err := att.draft.Prepare(ctx)
		if err != nil {
			if !errors.Is(err, models.ErrUploadFailure) {
				err = fmt.Errorf("%w: %w", models.ErrUploadFailure, err)
			}
			logger.Warn().Err(err).Str("local_id", entry.ID).Msg("upload failed")
			t.metrics.SendFailed(metrics.ReasonUpload)
			result.Message, result.Err = t.fail(scope, entry.ID, err)
			return
		}
		t.mu.Lock()
		att.prepared = uploaded
		t.mu.Unlock()
		media = uploaded
	}

	req := transport.SendRequest{
		ConversationID: entry.ConversationID,
		SenderID:       entry.SenderID,
		SenderKind:     entry.SenderKind,
		Content:        entry.Content,
		Media:          media,
		ClientID:       entry.ID,
	}
	msg, err := t.api.SendMessage(ctx, req)
	if err != nil {
		if !models.IsConfirmedFailure(err) {
			logger.Warn().Err(err).Str("local_id", entry.ID).Msg("send outcome unknown, keeping entry pending")
			result.Message = t.snapshot(entry.ID, entry)
			result.Err = err
			return
		}
		err = fmt.Errorf("%w: %w", models.ErrSendFailure, err)
		logger.Warn().Err(err).Str("local_id", entry.ID).Msg("send failed")
		t.metrics.SendFailed(metrics.ReasonSend)
		result.Message, result.Err = t.fail(scope, entry.ID, err)
		return
	}
	if msg.ConversationID == "" {
		msg.ConversationID = entry.ConversationID
	}

	result.Message = durable(msg)
	if !t.confirm(scope, entry.ID, msg) {
		result.Err = models.ErrStaleEpoch
	}
}

// confirm applies a REST send result. It returns false when the scope
// changed while the send was in flight.
func (t *Timeline) confirm(scope models.Scope, localID string, msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.scope.Same(scope) {
		t.metrics.StaleResult("timeline")
		return false
	}
	delete(t.attempts, localID)
	if msg.ConversationID != t.open {
		return true
	}
	t.reconcileLocked(msg, localID)
	return true
}

func (t *Timeline) fail(scope models.Scope, localID string, err error) (models.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.scope.Same(scope) {
		t.metrics.StaleResult("timeline")
		return models.Message{}, models.ErrStaleEpoch
	}
	idx := t.indexLocked(localID)
	if idx < 0 {
		return models.Message{}, err
	}
	if next, ok := t.entries[idx].Status.Advance(models.StatusError); ok {
		t.entries[idx].Status = next
	}
	return t.entries[idx].Clone(), err
}

func (t *Timeline) snapshot(id string, fallback models.Message) models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx := t.indexLocked(id); idx >= 0 {
		return t.entries[idx].Clone()
	}
	return fallback
}

// reconcileLocked folds a durable message into the entries:
//
//  1. an entry with the same id gets its status merged;
//  2. else the speculative entry named by localID is replaced;
//  3. else the speculative entry named by the echoed client id is replaced;
//  4. else the first pending entry from self with the same content is replaced;
//  5. else the message is appended.
func (t *Timeline) reconcileLocked(msg models.Message, localID string) (string, bool) {
	msg = durable(msg)
	self := t.scope.Identity.ID

	if idx := t.indexLocked(msg.ID); idx >= 0 {
		changed := t.mergeLocked(idx, msg)
		if localID != "" {
			if dup := t.indexLocked(localID); dup >= 0 {
				t.entries = append(t.entries[:dup], t.entries[dup+1:]...)
				changed = true
			}
		}
		t.metrics.Reconciled(metrics.PathID)
		return metrics.PathID, changed
	}

	if localID != "" {
		if idx := t.indexLocked(localID); idx >= 0 {
			t.replaceEntryLocked(idx, msg)
			t.metrics.Reconciled(metrics.PathLocalID)
			return metrics.PathLocalID, true
		}
	}

	if msg.ClientID != "" {
		if idx := t.indexLocked(msg.ClientID); idx >= 0 && t.entries[idx].IsSpeculative() {
			t.replaceEntryLocked(idx, msg)
			t.metrics.Reconciled(metrics.PathClient)
			return metrics.PathClient, true
		}
	}

	if msg.SentBy(self) {
		for i, entry := range t.entries {
			if entry.IsSpeculative() && entry.Status == models.StatusPending && entry.SentBy(self) && entry.Content == msg.Content {
				t.replaceEntryLocked(i, msg)
				t.metrics.Reconciled(metrics.PathContent)
				return metrics.PathContent, true
			}
		}
	}

	t.entries = append(t.entries, msg)
	t.metrics.Reconciled(metrics.PathAppend)
	return metrics.PathAppend, true
}

func (t *Timeline) replaceEntryLocked(idx int, msg models.Message) {
	t.entries[idx] = msg
}

func (t *Timeline) mergeLocked(idx int, msg models.Message) bool {
	next, ok := t.entries[idx].Status.Advance(msg.Status)
	if ok {
		t.entries[idx].Status = next
	}
	return ok
}

func (t *Timeline) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.entries {
		if t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// durable normalizes a server copy: anything the server returns has at
// least been sent and carries no local pending clock.
func durable(msg models.Message) models.Message {
	msg = msg.Clone()
	if !msg.Status.AtLeast(models.StatusSent) {
		msg.Status = models.StatusSent
	}
	msg.PendingSince = time.Time{}
	return msg
}
