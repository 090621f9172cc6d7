// Package directory maintains the conversation list of the active identity:
// ordering, last-message previews, and unread counters.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/metrics"
	"github.com/tOgg1/chatsync/internal/models"
)

// Fetcher is the REST surface the directory needs.
type Fetcher interface {
	FetchConversations(ctx context.Context, identityID string) ([]models.Conversation, error)
	FetchMessages(ctx context.Context, conversationID, identityID string) ([]models.Message, error)
}

// Config tunes a Directory.
type Config struct {
	SeenCacheSize int
	Metrics       *metrics.Metrics
}

// ApplyResult describes what ApplyIncomingMessage did.
type ApplyResult struct {
	// Changed is set when the visible list changed.
	Changed bool
	// Duplicate is set when the message id was already applied.
	Duplicate bool
	// Unknown is set when the conversation was not in the list. A stub is
	// inserted when possible; callers should reload to fill in details.
	Unknown bool
}

// Directory is the conversation list of one identity activation.
type Directory struct {
	api     Fetcher
	metrics *metrics.Metrics
	logger  zerolog.Logger
	seenCap int

	mu      sync.RWMutex
	scope   models.Scope
	convs   []models.Conversation
	loaded  bool
	seen    *seenSet
	reading map[string]*pendingRead
}

// pendingRead tracks mark-read requests in flight for one conversation and
// the unread increments that arrived while they ran.
type pendingRead struct {
	refs    int
	arrived int
}

// New creates an empty directory with no active identity.
func New(api Fetcher, cfg Config) *Directory {
	return &Directory{
		api:     api,
		metrics: cfg.Metrics,
		logger:  logging.Component("directory"),
		seenCap: cfg.SeenCacheSize,
		seen:    newSeenSet(cfg.SeenCacheSize),
		reading: make(map[string]*pendingRead),
	}
}

// Reset drops all state and binds the directory to scope.
func (d *Directory) Reset(scope models.Scope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scope = scope
	d.convs = nil
	d.loaded = false
	d.seen = newSeenSet(d.seenCap)
	d.reading = make(map[string]*pendingRead)
}

// Scope returns the activation the directory is bound to.
func (d *Directory) Scope() models.Scope {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scope
}

// Load replaces the list with the authoritative set for the bound
// identity. A result that lands after an identity switch is discarded and
// reported as ErrStaleEpoch.
func (d *Directory) Load(ctx context.Context) error {
	scope := d.Scope()
	if scope.Identity.IsZero() {
		return models.ErrNoIdentity
	}

	convs, err := d.api.FetchConversations(ctx, scope.Identity.ID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scope.Same(scope) {
		d.metrics.StaleResult("directory")
		d.logger.Debug().Uint64("epoch", scope.Epoch).Msg("discarding stale conversation list")
		return models.ErrStaleEpoch
	}
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	list := make([]models.Conversation, 0, len(convs))
	for _, conv := range convs {
		if !conv.HasParticipant(scope.Identity.ID) {
			d.logger.Warn().Str("conversation_id", conv.ID).Msg("dropping conversation without the active identity")
			continue
		}
		conv = conv.Clone()
		if read, ok := d.reading[conv.ID]; ok {
			if conv.UnreadCount == nil {
				conv.UnreadCount = map[string]int{}
			}
			conv.UnreadCount[scope.Identity.ID] = read.arrived
		}
		list = append(list, conv)
	}
	sortConversations(list)
	d.convs = list
	d.loaded = true
	d.publishUnread()
	return nil
}

// Hydrate seeds the list from a local snapshot. It is ignored once an
// authoritative load has succeeded for the scope.
func (d *Directory) Hydrate(scope models.Scope, convs []models.Conversation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scope.Same(scope) || d.loaded {
		return false
	}
	list := models.CloneConversations(convs)
	sortConversations(list)
	d.convs = list
	d.publishUnread()
	return true
}

// Loaded reports whether an authoritative list has been applied.
func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// ApplyIncomingMessage folds a pushed message into the list. Previews and
// ordering follow the message's createdAt, so applying messages in any
// order yields the same list. Unread is counted for messages from others
// in conversations that are not open, once per message id.
func (d *Directory) ApplyIncomingMessage(msg models.Message, openConversationID string) ApplyResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	self := d.scope.Identity
	if self.IsZero() || msg.ConversationID == "" {
		return ApplyResult{}
	}
	if msg.ID != "" && !d.seen.add(msg.ID) {
		return ApplyResult{Duplicate: true}
	}

	var result ApplyResult
	idx := d.indexLocked(msg.ConversationID)
	if idx < 0 {
		result.Unknown = true
		if msg.SentBy(self.ID) {
			// Counterpart unknown until the reload.
			return result
		}
		d.convs = append(d.convs, models.Conversation{
			ID: msg.ConversationID,
			Participants: []models.Participant{
				{IdentityID: self.ID, IdentityKind: self.Kind},
				{IdentityID: msg.SenderID, IdentityKind: msg.SenderKind},
			},
			UnreadCount: map[string]int{},
			UpdatedAt:   msg.CreatedAt,
		})
		idx = len(d.convs) - 1
		result.Changed = true
	}

	conv := &d.convs[idx]
	if conv.LastMessage == nil || msg.CreatedAt.After(conv.LastMessage.CreatedAt) {
		conv.LastMessage = &models.LastMessage{Content: Preview(msg), CreatedAt: msg.CreatedAt}
		result.Changed = true
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
		result.Changed = true
	}
	if msg.ConversationID != openConversationID && !msg.SentBy(self.ID) {
		if conv.UnreadCount == nil {
			conv.UnreadCount = map[string]int{}
		}
		conv.UnreadCount[self.ID]++
		if read, ok := d.reading[msg.ConversationID]; ok {
			read.arrived++
		}
		result.Changed = true
	}

	sortConversations(d.convs)
	d.publishUnread()
	return result
}

// MarkRead zeroes the active identity's unread count optimistically and
// runs the authoritative fetch, which marks the history read server-side.
// While the request runs, loads keep the zero. Success leaves only the
// increments that arrived meanwhile. A confirmed failure adds the previous
// count back on top of those. An unknown outcome keeps the optimistic zero.
func (d *Directory) MarkRead(ctx context.Context, conversationID string) ([]models.Message, error) {
	d.mu.Lock()
	scope := d.scope
	if scope.Identity.IsZero() {
		d.mu.Unlock()
		return nil, models.ErrNoIdentity
	}
	prev := 0
	if idx := d.indexLocked(conversationID); idx >= 0 {
		conv := &d.convs[idx]
		prev = conv.Unread(scope.Identity.ID)
		if prev > 0 {
			conv.UnreadCount[scope.Identity.ID] = 0
			d.publishUnread()
		}
	}
	read, ok := d.reading[conversationID]
	if !ok {
		read = &pendingRead{}
		d.reading[conversationID] = read
	}
	read.refs++
	d.mu.Unlock()

	msgs, err := d.api.FetchMessages(ctx, conversationID, scope.Identity.ID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scope.Same(scope) {
		d.metrics.StaleResult("directory")
		return nil, models.ErrStaleEpoch
	}
	arrived := read.arrived
	if read.refs--; read.refs == 0 && d.reading[conversationID] == read {
		delete(d.reading, conversationID)
	}

	idx := d.indexLocked(conversationID)
	if err != nil {
		if models.IsConfirmedFailure(err) && prev > 0 && idx >= 0 {
			d.setUnreadLocked(idx, scope.Identity.ID, d.convs[idx].Unread(scope.Identity.ID)+prev)
		}
		return nil, fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	if idx >= 0 {
		d.setUnreadLocked(idx, scope.Identity.ID, arrived)
	}
	return msgs, nil
}

func (d *Directory) setUnreadLocked(idx int, identityID string, n int) {
	conv := &d.convs[idx]
	if conv.Unread(identityID) == n {
		return
	}
	if conv.UnreadCount == nil {
		conv.UnreadCount = map[string]int{}
	}
	conv.UnreadCount[identityID] = n
	d.publishUnread()
}

// Upsert inserts or replaces a conversation fetched under scope, for
// find-or-create results. A newer local preview survives a replace.
func (d *Directory) Upsert(scope models.Scope, conv models.Conversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scope.Same(scope) {
		d.metrics.StaleResult("directory")
		return models.ErrStaleEpoch
	}

	incoming := conv.Clone()
	if idx := d.indexLocked(conv.ID); idx >= 0 {
		existing := d.convs[idx]
		if existing.LastMessage != nil && (incoming.LastMessage == nil || existing.LastMessage.CreatedAt.After(incoming.LastMessage.CreatedAt)) {
			last := *existing.LastMessage
			incoming.LastMessage = &last
		}
		if existing.UpdatedAt.After(incoming.UpdatedAt) {
			incoming.UpdatedAt = existing.UpdatedAt
		}
		d.convs[idx] = incoming
	} else {
		d.convs = append(d.convs, incoming)
	}
	sortConversations(d.convs)
	d.publishUnread()
	return nil
}

// Search filters the loaded list by the counterpart's display name,
// case-insensitively. An empty term returns everything.
func (d *Directory) Search(term string) []models.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	term = strings.ToLower(strings.TrimSpace(term))
	out := make([]models.Conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		if term != "" {
			other, ok := conv.Counterpart(d.scope.Identity.ID)
			if !ok || !strings.Contains(strings.ToLower(other.Label()), term) {
				continue
			}
		}
		out = append(out, conv.Clone())
	}
	return out
}

// Conversations returns a copy of the ordered list.
func (d *Directory) Conversations() []models.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return models.CloneConversations(d.convs)
}

// Get returns one conversation.
func (d *Directory) Get(conversationID string) (models.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if idx := d.indexLocked(conversationID); idx >= 0 {
		return d.convs[idx].Clone(), true
	}
	return models.Conversation{}, false
}

// UnreadTotal sums identityID's unread counters across the list.
func (d *Directory) UnreadTotal(identityID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unreadTotalLocked(identityID)
}

func (d *Directory) unreadTotalLocked(identityID string) int {
	total := 0
	for _, conv := range d.convs {
		total += conv.Unread(identityID)
	}
	return total
}

func (d *Directory) publishUnread() {
	d.metrics.SetUnread(d.unreadTotalLocked(d.scope.Identity.ID))
}

func (d *Directory) indexLocked(conversationID string) int {
	for i := range d.convs {
		if d.convs[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func sortConversations(list []models.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

// Preview is the list preview for a message: its text, or a media marker.
func Preview(msg models.Message) string {
	if strings.TrimSpace(msg.Content) != "" {
		return msg.Content
	}
	if msg.Media != nil {
		return "[" + string(msg.Media.Kind) + "]"
	}
	return ""
}
