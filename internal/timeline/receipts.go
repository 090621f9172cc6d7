package timeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport"
)

// OnDelivered advances one durable entry to delivered. Entries still
// pending or in error are never touched since they carry no server id.
func (t *Timeline) OnDelivered(receipt models.DeliveredReceipt) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if receipt.ConversationID != "" && receipt.ConversationID != t.open {
		return false
	}
	idx := t.indexLocked(receipt.MessageID)
	if idx < 0 || t.entries[idx].IsSpeculative() {
		return false
	}
	next, ok := t.entries[idx].Status.Advance(models.StatusDelivered)
	if ok {
		t.entries[idx].Status = next
	}
	return ok
}

// OnSeenBy marks the active identity's durable messages in the open
// conversation as seen by a counterpart. Receipts from the active
// identity itself (another device) change nothing.
func (t *Timeline) OnSeenBy(receipt models.SeenReceipt) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	self := t.scope.Identity.ID
	if self == "" || receipt.IdentityID == self || receipt.ConversationID != t.open {
		return false
	}
	changed := false
	for i := range t.entries {
		entry := &t.entries[i]
		if !entry.SentBy(self) || entry.IsSpeculative() {
			continue
		}
		if next, ok := entry.Status.Advance(models.StatusSeen); ok {
			entry.Status = next
			changed = true
		}
	}
	return changed
}

// MarkSeen tells the counterpart that the active identity has seen the
// conversation: a mark_seen signal on the channel plus the authoritative
// acknowledgement. A disconnected channel is not an error; the REST call
// still records the read.
func (t *Timeline) MarkSeen(ctx context.Context, conversationID string) error {
	scope := t.Scope()
	if scope.Identity.IsZero() {
		return models.ErrNoIdentity
	}

	signal := models.MarkSeenSignal{ConversationID: conversationID, IdentityID: scope.Identity.ID}
	if t.channel != nil {
		if err := t.channel.Emit(models.EventMarkSeen, signal); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			t.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark_seen emit failed")
		}
	}

	if err := t.api.MarkSeen(ctx, conversationID, scope.Identity.ID); err != nil {
		return fmt.Errorf("mark seen %s: %w", conversationID, err)
	}
	if !t.Scope().Same(scope) {
		t.metrics.StaleResult("timeline")
		return models.ErrStaleEpoch
	}
	return nil
}
