package engine

import (
	"context"
	"errors"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/models"
)

func (e *Engine) handleEvent(event events.Event) {
	e.metrics.ChannelEvent(event.Name)

	switch event.Name {
	case models.EventConnect:
		e.onConnect()
	case models.EventDisconnect:
		e.subs.notify(Change{Kind: ChangeConnection, Scope: e.Scope(), Connected: false})
	case models.EventMessageReceived:
		msg, err := models.ParseMessage(event.Data)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dropping malformed message:received")
			return
		}
		e.onMessage(msg)
	case models.EventMessageDelivered:
		receipt, err := models.ParseDelivered(event.Data)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dropping malformed message:delivered")
			return
		}
		e.mu.Lock()
		changed := e.timeline.OnDelivered(receipt)
		scope := e.scope
		e.mu.Unlock()
		if changed {
			e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: e.timeline.OpenConversation()})
		}
	case models.EventMessagesSeen:
		receipt, err := models.ParseSeen(event.Data)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dropping malformed messages_seen")
			return
		}
		e.mu.Lock()
		changed := e.timeline.OnSeenBy(receipt)
		scope := e.scope
		e.mu.Unlock()
		if changed {
			e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: receipt.ConversationID})
		}
	case models.EventUserStatusChanged:
		e.mu.Lock()
		changed := e.presence.HandleEvent(event)
		scope := e.scope
		e.mu.Unlock()
		if changed {
			e.subs.notify(Change{Kind: ChangePresence, Scope: scope})
		}
	default:
		e.logger.Debug().Str("event", event.Name).Msg("ignoring channel event")
	}
}

// onMessage applies one pushed message to the timeline and the directory
// as a single transition.
func (e *Engine) onMessage(msg models.Message) {
	e.mu.Lock()
	scope := e.scope
	if scope.Identity.IsZero() {
		e.mu.Unlock()
		return
	}
	open := e.timeline.OpenConversation()
	timelineChanged := e.timeline.OnIncoming(msg)
	result := e.directory.ApplyIncomingMessage(msg, open)
	e.mu.Unlock()

	if timelineChanged {
		e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: msg.ConversationID})
	}
	if result.Changed {
		e.subs.notify(Change{Kind: ChangeConversations, Scope: scope, ConversationID: msg.ConversationID})
	}
	if result.Unknown {
		e.reloadConversations(scope)
	}
	if open != "" && msg.ConversationID == open && !msg.SentBy(scope.Identity.ID) {
		e.background(func(ctx context.Context) {
			if err := e.timeline.MarkSeen(ctx, open); err != nil && !errors.Is(err, models.ErrStaleEpoch) {
				e.logger.Debug().Err(err).Str("conversation_id", open).Msg("mark seen failed")
			}
		})
	}
}

// onConnect restores channel-side state after every (re)connect: the
// identity binding, presence probes, the open conversation's room, and
// anything missed while offline.
func (e *Engine) onConnect() {
	scope := e.Scope()
	e.subs.notify(Change{Kind: ChangeConnection, Scope: scope, Connected: true})
	if scope.Identity.IsZero() {
		return
	}

	e.emitSetup(scope.Identity)
	open := e.timeline.OpenConversation()
	if open != "" {
		e.emitJoin(open)
	}

	e.background(func(ctx context.Context) {
		if err := e.presence.Resync(ctx); err != nil && !errors.Is(err, models.ErrStaleEpoch) && ctx.Err() == nil {
			e.logger.Warn().Err(err).Msg("presence resync failed")
		}
	})
	e.reloadConversations(scope)
	if open != "" {
		e.background(func(ctx context.Context) {
			if err := e.timeline.LoadHistory(ctx, open); err != nil {
				if !errors.Is(err, models.ErrStaleEpoch) && !errors.Is(err, models.ErrNotOpen) {
					e.logger.Warn().Err(err).Str("conversation_id", open).Msg("history reload failed")
				}
				return
			}
			e.subs.notify(Change{Kind: ChangeTimeline, Scope: scope, ConversationID: open})
		})
	}
}

func (e *Engine) reloadConversations(scope models.Scope) {
	e.background(func(ctx context.Context) {
		if !e.Scope().Same(scope) {
			return
		}
		if err := e.LoadConversations(ctx); err != nil && !errors.Is(err, models.ErrStaleEpoch) && ctx.Err() == nil {
			e.logger.Warn().Err(err).Msg("conversation reload failed")
		}
	})
}
