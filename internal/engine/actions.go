package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tOgg1/chatsync/internal/composer"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/timeline"
	"github.com/tOgg1/chatsync/internal/transport"
)

// LoadConversations reloads the authoritative conversation list.
func (e *Engine) LoadConversations(ctx context.Context) error {
	scope, err := e.requireScope()
	if err != nil {
		return err
	}
	if err := e.directory.Load(ctx); err != nil {
		return err
	}
	e.saveConversations(ctx, scope)
	e.subs.notify(Change{Kind: ChangeConversations, Scope: scope})
	return nil
}

// Open makes conversationID the open conversation: it joins the
// conversation's room, marks it read (which also fetches its history),
// and tells the counterpart it has been seen.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	scope, err := e.requireScope()
	if err != nil {
		return err
	}
	prev := e.timeline.OpenConversation()
	if err := e.timeline.Open(conversationID); err != nil {
		return err
	}
	if prev != conversationID {
		e.composer.Reset()
	}
	e.emitJoin(conversationID)
	e.hydrateHistory(ctx, conversationID)
	e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: conversationID})

	if err := e.refreshOpen(ctx, scope, conversationID); err != nil {
		return err
	}

	if err := e.timeline.MarkSeen(ctx, conversationID); err != nil && !errors.Is(err, models.ErrStaleEpoch) {
		e.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark seen failed")
	}
	return nil
}

// refreshOpen runs MarkRead and installs the returned history.
func (e *Engine) refreshOpen(ctx context.Context, scope models.Scope, conversationID string) error {
	history, err := e.directory.MarkRead(ctx, conversationID)
	e.subs.notify(Change{Kind: ChangeConversations, Scope: scope, ConversationID: conversationID})
	if err != nil {
		return err
	}
	if err := e.timeline.ApplyHistory(scope, conversationID, history); err != nil {
		return err
	}
	e.saveHistory(ctx, conversationID, e.timeline.Messages())
	e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: conversationID})
	return nil
}

// CloseConversation closes the open conversation, caching its history.
func (e *Engine) CloseConversation() {
	open := e.timeline.OpenConversation()
	if open == "" {
		return
	}
	e.saveHistory(e.bgCtx, open, e.timeline.Messages())
	e.timeline.Close()
	e.composer.Reset()
	e.subs.notify(Change{Kind: ChangeTimeline, Scope: e.Scope(), ConversationID: open})
}

// SendDraft sends a draft to the open conversation. The speculative entry
// is visible as soon as SendDraft returns; the channel receives the
// outcome once the send settles.
func (e *Engine) SendDraft(ctx context.Context, draft composer.Draft) (models.Message, <-chan timeline.SendResult, error) {
	scope, err := e.requireScope()
	if err != nil {
		return models.Message{}, nil, err
	}
	entry, results, err := e.composer.Send(ctx, draft)
	if err != nil {
		return models.Message{}, nil, err
	}
	e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: entry.ConversationID})
	return entry, e.track(scope, entry.ConversationID, results), nil
}

// Retry resends a message in error state.
func (e *Engine) Retry(ctx context.Context, localID string) (<-chan timeline.SendResult, error) {
	scope, err := e.requireScope()
	if err != nil {
		return nil, err
	}
	results, err := e.timeline.Retry(ctx, localID)
	if err != nil {
		return nil, err
	}
	results = e.composer.Track(localID, results)
	open := e.timeline.OpenConversation()
	e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: open})
	return e.track(scope, open, results), nil
}

// Discard drops a message in error state.
func (e *Engine) Discard(localID string) error {
	if err := e.timeline.Discard(localID); err != nil {
		return err
	}
	e.composer.Discard(localID)
	e.subs.notify(Change{Kind: ChangeTimeline, Scope: e.Scope(), ConversationID: e.timeline.OpenConversation()})
	return nil
}

// track forwards a send outcome and folds a confirmed message into the
// directory preview. Self-sent messages never count as unread.
func (e *Engine) track(scope models.Scope, conversationID string, results <-chan timeline.SendResult) <-chan timeline.SendResult {
	out := make(chan timeline.SendResult, 1)
	go func() {
		res := <-results
		if res.Err == nil {
			e.mu.Lock()
			var applied bool
			if e.scope.Same(scope) {
				applied = e.directory.ApplyIncomingMessage(res.Message, e.timeline.OpenConversation()).Changed
			}
			e.mu.Unlock()
			if applied {
				e.subs.notify(Change{Kind: ChangeConversations, Scope: scope, ConversationID: conversationID})
			}
		}
		e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: conversationID})
		out <- res
	}()
	return out
}

// MarkRead zeroes the unread count of conversationID and refreshes the
// open timeline when it is the conversation being read.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	scope, err := e.requireScope()
	if err != nil {
		return err
	}
	if e.timeline.OpenConversation() == conversationID {
		return e.refreshOpen(ctx, scope, conversationID)
	}
	_, err = e.directory.MarkRead(ctx, conversationID)
	e.subs.notify(Change{Kind: ChangeConversations, Scope: scope, ConversationID: conversationID})
	return err
}

// MarkSeen signals that the active identity has seen conversationID.
func (e *Engine) MarkSeen(ctx context.Context, conversationID string) error {
	if _, err := e.requireScope(); err != nil {
		return err
	}
	return e.timeline.MarkSeen(ctx, conversationID)
}

// WatchPresence starts tracking the online state of identityID.
func (e *Engine) WatchPresence(identityID string) {
	e.presence.Watch(identityID)
}

// UnwatchPresence stops tracking identityID.
func (e *Engine) UnwatchPresence(identityID string) {
	e.presence.Unwatch(identityID)
}

// StartConversation finds or creates the conversation between the active
// identity and receiver and adds it to the list.
func (e *Engine) StartConversation(ctx context.Context, receiver models.Identity) (models.Conversation, error) {
	scope, err := e.requireScope()
	if err != nil {
		return models.Conversation{}, err
	}
	if err := receiver.Validate(); err != nil {
		return models.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	if receiver == scope.Identity {
		return models.Conversation{}, errors.New("start conversation: cannot converse with the active identity")
	}

	conv, err := e.api.AccessConversation(ctx, transport.AccessRequest{
		SenderID:     scope.Identity.ID,
		SenderKind:   scope.Identity.Kind,
		ReceiverID:   strings.TrimSpace(receiver.ID),
		ReceiverKind: receiver.Kind,
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	if err := e.directory.Upsert(scope, conv); err != nil {
		return models.Conversation{}, err
	}
	e.subs.notify(Change{Kind: ChangeConversations, Scope: scope, ConversationID: conv.ID})
	return conv, nil
}

// Search filters the loaded conversation list by counterpart name.
func (e *Engine) Search(term string) []models.Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.directory.Search(term)
}

// Conversations returns the ordered conversation list.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.directory.Conversations()
}

// Loaded reports whether the authoritative list for the active identity
// has arrived. A list warmed from the cache does not count.
func (e *Engine) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.directory.Loaded()
}

// Messages returns the timeline of conversationID when it is open.
func (e *Engine) Messages(conversationID string) []models.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.timeline.OpenConversation() != conversationID {
		return nil
	}
	return e.timeline.Messages()
}

// OpenConversation returns the open conversation id, or "".
func (e *Engine) OpenConversation() string {
	return e.timeline.OpenConversation()
}

// IsOnline reports the last known presence of identityID.
func (e *Engine) IsOnline(identityID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.presence.IsOnline(identityID)
}

// UnreadTotal sums identityID's unread counters over the list.
func (e *Engine) UnreadTotal(identityID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.directory.UnreadTotal(identityID)
}

// StalePending lists speculative entries pending longer than the
// configured threshold. It returns nil when no threshold is set.
func (e *Engine) StalePending() []models.Message {
	if e.staleAge <= 0 {
		return nil
	}
	return e.timeline.Stale(e.now(), e.staleAge)
}

// Snapshot is a consistent view over every read model.
type Snapshot struct {
	Scope         models.Scope
	Connected     bool
	Conversations []models.Conversation
	OpenID        string
	Messages      []models.Message
	Presence      []models.PresenceEntry
	UnreadTotal   int
}

// Snapshot reads every model under the engine lock.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Scope:         e.scope,
		Connected:     e.channel.Connected(),
		Conversations: e.directory.Conversations(),
		OpenID:        e.timeline.OpenConversation(),
		Messages:      e.timeline.Messages(),
		Presence:      e.presence.Snapshot(),
		UnreadTotal:   e.directory.UnreadTotal(e.scope.Identity.ID),
	}
}
