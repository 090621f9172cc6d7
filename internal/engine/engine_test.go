package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/cache"
	"github.com/tOgg1/chatsync/internal/composer"
	"github.com/tOgg1/chatsync/internal/metrics"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/timeline"
	"github.com/tOgg1/chatsync/internal/transport"
	"github.com/tOgg1/chatsync/internal/transport/transporttest"
)

var (
	u1   = models.Identity{Kind: models.IdentityKindPersonal, ID: "u1"}
	org  = models.Identity{Kind: models.IdentityKindOrganization, ID: "org1"}
	shop = models.Identity{Kind: models.IdentityKindOrganization, ID: "o-shop"}
	base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	engine  *Engine
	api     *transporttest.FakeAPI
	channel *transporttest.FakeChannel
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	api := transporttest.NewFakeAPI()
	api.Now = func() time.Time { return base.Add(time.Hour) }
	channel := transporttest.NewFakeChannel()

	opts := Options{
		Channel:       channel,
		API:           api,
		Metrics:       metrics.New(),
		SeenCacheSize: 64,
		StaleAfter:    30 * time.Second,
		Now:           func() time.Time { return base.Add(time.Hour) },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Start(context.Background()))
	return &harness{engine: e, api: api, channel: channel}
}

func conv(id string, peer models.Identity, name string, updated time.Time, unread int) models.Conversation {
	return models.Conversation{
		ID: id,
		Participants: []models.Participant{
			{IdentityID: u1.ID, IdentityKind: u1.Kind},
			{IdentityID: peer.ID, IdentityKind: peer.Kind, DisplayName: name},
		},
		UnreadCount: map[string]int{u1.ID: unread},
		UpdatedAt:   updated,
	}
}

func message(id, convID string, sender models.Identity, content string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender.ID,
		SenderKind:     sender.Kind,
		Content:        content,
		CreatedAt:      at,
		Status:         models.StatusSent,
	}
}

func ids(convs []models.Conversation) []string {
	out := make([]string, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.ID)
	}
	return out
}

func (h *harness) activate(t *testing.T, identity models.Identity, wantConvs int) {
	t.Helper()
	require.NoError(t, h.engine.SwitchIdentity(context.Background(), identity))
	require.Eventually(t, func() bool {
		return h.engine.Loaded() && len(h.engine.Conversations()) == wantConvs
	}, 2*time.Second, 5*time.Millisecond)
}

func settle(t *testing.T, results <-chan timeline.SendResult) timeline.SendResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("send did not settle")
		return timeline.SendResult{}
	}
}

func decode[T any](t *testing.T, frames []transporttest.Emitted) []T {
	t.Helper()
	out := make([]T, 0, len(frames))
	for _, f := range frames {
		var v T
		require.NoError(t, json.Unmarshal(f.Data, &v))
		out = append(out, v)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{API: transporttest.NewFakeAPI()})
	require.Error(t, err)
	_, err = New(Options{Channel: transporttest.NewFakeChannel()})
	require.Error(t, err)
}

func TestActionsRequireIdentity(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.engine.LoadConversations(context.Background()), models.ErrNoIdentity)
	require.ErrorIs(t, h.engine.Open(context.Background(), "c1"), models.ErrNoIdentity)
	_, _, err := h.engine.SendDraft(context.Background(), composer.Draft{Text: "hi"})
	require.ErrorIs(t, err, models.ErrNoIdentity)
}

func TestSwitchIdentityEmitsSetupAndLoads(t *testing.T) {
	h := newHarness(t)
	h.api.SetConversations(u1.ID,
		conv("c1", shop, "Shop", base, 2),
		conv("c2", org, "Org", base.Add(time.Minute), 0),
	)

	h.activate(t, u1, 2)
	assert.Equal(t, []string{"c2", "c1"}, ids(h.engine.Conversations()))
	assert.Equal(t, []string{u1.ID}, decode[string](t, h.channel.Emitted(models.EventSetup)))
	assert.Equal(t, u1, h.engine.Active())
	assert.Equal(t, uint64(1), h.engine.Scope().Epoch)
	assert.Equal(t, 2, h.engine.UnreadTotal(u1.ID))
}

func TestThirdConversationArrives(t *testing.T) {
	h := newHarness(t)
	reload := transporttest.NewGate()
	var loads atomic.Int32
	h.api.FetchConversationsFunc = func(ctx context.Context, identityID string) ([]models.Conversation, error) {
		if loads.Add(1) > 1 {
			if err := reload.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return []models.Conversation{
			conv("c1", shop, "Shop", base.Add(time.Minute), 2),
			conv("c2", org, "Org", base, 2),
		}, nil
	}
	h.activate(t, u1, 2)

	other := models.Identity{Kind: models.IdentityKindOrganization, ID: "o-new"}
	h.channel.Deliver(models.EventMessageReceived, message("m9", "c3", other, "new here", base.Add(time.Hour)))

	list := h.engine.Conversations()
	require.Equal(t, []string{"c3", "c1", "c2"}, ids(list))
	assert.Equal(t, map[string]int{u1.ID: 1}, list[0].UnreadCount)
	assert.Equal(t, 5, h.engine.UnreadTotal(u1.ID))
	select {
	case <-reload.Entered():
	case <-time.After(2 * time.Second):
		t.Fatal("an unknown conversation triggers a reload")
	}
}

func TestOpenJoinsLoadsAndMarks(t *testing.T) {
	h := newHarness(t)
	h.api.SetConversations(u1.ID, conv("c1", shop, "Shop", base, 3))
	h.api.SetMessages("c1",
		message("m1", "c1", shop, "hi", base),
		message("m2", "c1", u1, "hello", base.Add(time.Second)),
	)
	h.activate(t, u1, 1)

	require.NoError(t, h.engine.Open(context.Background(), "c1"))
	assert.Equal(t, "c1", h.engine.OpenConversation())

	joins := decode[models.JoinSignal](t, h.channel.Emitted(models.EventJoinConversation))
	assert.Equal(t, []models.JoinSignal{{ConversationID: "c1"}}, joins)
	seen := decode[models.MarkSeenSignal](t, h.channel.Emitted(models.EventMarkSeen))
	assert.Equal(t, []models.MarkSeenSignal{{ConversationID: "c1", IdentityID: u1.ID}}, seen)
	assert.Equal(t, []string{"c1/u1"}, h.api.SeenAcks())

	msgs := h.engine.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Nil(t, h.engine.Messages("c2"))
	assert.Equal(t, 0, h.engine.UnreadTotal(u1.ID))
	assert.Equal(t, 1, h.api.Calls("FetchMessages"), "mark read and history share one fetch")

	h.engine.CloseConversation()
	assert.Empty(t, h.engine.OpenConversation())
}

func TestIncomingInOpenConversationIsNotUnread(t *testing.T) {
	h := newHarness(t)
	h.api.SetConversations(u1.ID, conv("c1", shop, "Shop", base, 0))
	h.activate(t, u1, 1)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))

	h.channel.Deliver(models.EventMessageReceived, message("m5", "c1", shop, "are you there?", base.Add(time.Minute)))

	assert.Len(t, h.engine.Messages("c1"), 1)
	assert.Equal(t, 0, h.engine.UnreadTotal(u1.ID))
	got := h.engine.Conversations()[0]
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "are you there?", got.LastMessage.Content)
	require.Eventually(t, func() bool { return h.api.Calls("MarkSeen") >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSendHelloWithEchoConvergesToOneEntry(t *testing.T) {
	h := newHarness(t)
	h.api.SetConversations(u1.ID, conv("c1", shop, "Shop", base, 0))
	h.activate(t, u1, 1)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))

	gate := transporttest.NewGate()
	h.api.SendFunc = func(ctx context.Context, req transport.SendRequest) (models.Message, error) {
		if err := gate.Wait(ctx); err != nil {
			return models.Message{}, err
		}
		return message("m1", "c1", u1, req.Content, base.Add(2*time.Hour)), nil
	}

	entry, results, err := h.engine.SendDraft(context.Background(), composer.Draft{Text: "Hello"})
	require.NoError(t, err)
	msgs := h.engine.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, entry.ID, msgs[0].ID)
	assert.Equal(t, models.StatusPending, msgs[0].Status)

	<-gate.Entered()
	h.channel.Deliver(models.EventMessageReceived, message("m1", "c1", u1, "Hello", base.Add(2*time.Hour)))
	gate.Release()
	require.NoError(t, settle(t, results).Err)

	msgs = h.engine.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Equal(t, 0, h.engine.UnreadTotal(u1.ID), "self echo never counts as unread")
	assert.Equal(t, "Hello", h.engine.Conversations()[0].LastMessage.Content)
}

func TestReceiptsAdvanceStatus(t *testing.T) {
	h := newHarness(t)
	h.api.SetConversations(u1.ID, conv("c1", shop, "Shop", base, 0))
	h.api.SetMessages("c1", message("m1", "c1", u1, "hi", base))
	h.activate(t, u1, 1)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))

	h.channel.Deliver(models.EventMessageDelivered, models.DeliveredReceipt{MessageID: "m1", ConversationID: "c1"})
	assert.Equal(t, models.StatusDelivered, h.engine.Messages("c1")[0].Status)

	h.channel.Deliver(models.EventMessagesSeen, models.SeenReceipt{ConversationID: "c1", IdentityID: shop.ID})
	assert.Equal(t, models.StatusSeen, h.engine.Messages("c1")[0].Status)

	h.channel.Deliver(models.EventMessageDelivered, models.DeliveredReceipt{MessageID: "m1", ConversationID: "c1"})
	assert.Equal(t, models.StatusSeen, h.engine.Messages("c1")[0].Status)
}

func TestPresenceFlow(t *testing.T) {
	h := newHarness(t)
	h.activate(t, u1, 0)

	assert.False(t, h.engine.IsOnline(shop.ID), "unknown reads as offline")
	h.engine.WatchPresence(shop.ID)
	assert.Equal(t, []string{shop.ID}, decode[string](t, h.channel.Emitted(models.EventCheckOnlineStatus)))

	h.channel.Deliver(models.EventUserStatusChanged, models.StatusChange{IdentityID: shop.ID, IsOnline: true})
	assert.True(t, h.engine.IsOnline(shop.ID))

	h.engine.UnwatchPresence(shop.ID)
	h.channel.Deliver(models.EventUserStatusChanged, models.StatusChange{IdentityID: shop.ID, IsOnline: false})
	assert.True(t, h.engine.IsOnline(shop.ID))
}

func TestReconnectRestoresChannelState(t *testing.T) {
	h := newHarness(t)
	h.api.SetConversations(u1.ID, conv("c1", shop, "Shop", base, 0))
	h.activate(t, u1, 1)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))
	h.engine.WatchPresence(shop.ID)

	h.channel.Disconnect()
	h.channel.ResetEmitted()
	fetches := h.api.Calls("FetchConversations")

	require.NoError(t, h.channel.Connect(context.Background()))

	assert.Equal(t, []string{u1.ID}, decode[string](t, h.channel.Emitted(models.EventSetup)))
	assert.Equal(t, []models.JoinSignal{{ConversationID: "c1"}},
		decode[models.JoinSignal](t, h.channel.Emitted(models.EventJoinConversation)))
	require.Eventually(t, func() bool {
		return len(h.channel.Emitted(models.EventCheckOnlineStatus)) == 1 && h.api.Calls("FetchConversations") > fetches
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIdentitySwitchDiscardsInFlightLoad(t *testing.T) {
	h := newHarness(t)
	gate := transporttest.NewGate()
	h.api.FetchConversationsFunc = func(ctx context.Context, identityID string) ([]models.Conversation, error) {
		if identityID == u1.ID {
			if err := gate.Wait(ctx); err != nil {
				return nil, err
			}
			return []models.Conversation{conv("c-u1", shop, "Shop", base, 5)}, nil
		}
		return []models.Conversation{{
			ID: "c-org",
			Participants: []models.Participant{
				{IdentityID: org.ID, IdentityKind: org.Kind},
				{IdentityID: shop.ID, IdentityKind: shop.Kind},
			},
			UpdatedAt: base,
		}}, nil
	}

	require.NoError(t, h.engine.SwitchIdentity(context.Background(), u1))
	<-gate.Entered()
	require.NoError(t, h.engine.SwitchIdentity(context.Background(), org))
	require.Eventually(t, func() bool { return len(h.engine.Conversations()) == 1 }, time.Second, 5*time.Millisecond)

	gate.Release()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"c-org"}, ids(h.engine.Conversations()))
	assert.Equal(t, org, h.engine.Active())
	assert.Equal(t, uint64(2), h.engine.Scope().Epoch)
}

func TestStartConversationUpserts(t *testing.T) {
	h := newHarness(t)
	h.activate(t, u1, 0)

	got, err := h.engine.StartConversation(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, []string{got.ID}, ids(h.engine.Conversations()))

	again, err := h.engine.StartConversation(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID, "find-or-create returns the existing conversation")
	assert.Len(t, h.engine.Conversations(), 1)

	_, err = h.engine.StartConversation(context.Background(), u1)
	require.Error(t, err)
}

func TestSearch(t *testing.T) {
	h := newHarness(t)
	h.api.SetConversations(u1.ID,
		conv("c1", shop, "Sneaker Shop", base, 0),
		conv("c2", org, "Acme", base, 0),
	)
	h.activate(t, u1, 2)
	assert.Equal(t, []string{"c1"}, ids(h.engine.Search("sneak")))
}

func TestSubscribeReceivesChanges(t *testing.T) {
	h := newHarness(t)
	changes, cancel := h.engine.Subscribe()

	h.activate(t, u1, 0)
	kinds := map[ChangeKind]bool{}
	timeout := time.After(time.Second)
	for !kinds[ChangeIdentity] || !kinds[ChangeConversations] {
		select {
		case c := <-changes:
			kinds[c.Kind] = true
		case <-timeout:
			t.Fatalf("missing changes, got %v", kinds)
		}
	}

	cancel()
	cancel()
	for range changes {
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	h := newHarness(t)
	presenceOnly, cancelPresence := h.engine.Subscribe(ChangePresence)
	_, cancelAll := h.engine.Subscribe()
	assert.Equal(t, 2, h.engine.subs.count())

	h.engine.subs.notify(Change{Kind: ChangeConversations})
	h.engine.subs.notify(Change{Kind: ChangePresence})

	select {
	case c := <-presenceOnly:
		assert.Equal(t, ChangePresence, c.Kind)
	case <-time.After(time.Second):
		t.Fatal("presence change not delivered")
	}
	select {
	case c := <-presenceOnly:
		t.Fatalf("unexpected change %v", c.Kind)
	default:
	}

	cancelPresence()
	cancelAll()
	assert.Zero(t, h.engine.subs.count())

	require.NoError(t, h.engine.Close())
	closed, _ := h.engine.Subscribe()
	_, ok := <-closed
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	_, cancel := h.engine.Subscribe()
	defer cancel()
	h.activate(t, u1, 0)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.engine.subs.notify(Change{Kind: ChangePresence})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a slow subscriber")
	}
}

func TestWarmStartFromCache(t *testing.T) {
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.SaveConversations(context.Background(), u1.ID, []models.Conversation{conv("cached", shop, "Shop", base, 1)}))

	gate := transporttest.NewGate()
	h := newHarness(t, func(o *Options) { o.Cache = store })
	h.api.FetchConversationsFunc = func(ctx context.Context, identityID string) ([]models.Conversation, error) {
		if err := gate.Wait(ctx); err != nil {
			return nil, err
		}
		return []models.Conversation{conv("fresh", shop, "Shop", base, 0)}, nil
	}

	require.NoError(t, h.engine.SwitchIdentity(context.Background(), u1))
	assert.Equal(t, []string{"cached"}, ids(h.engine.Conversations()))

	gate.Release()
	require.Eventually(t, func() bool {
		got := ids(h.engine.Conversations())
		return len(got) == 1 && got[0] == "fresh"
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		cached, err := store.LoadConversations(context.Background(), u1.ID)
		return err == nil && len(cached) == 1 && cached[0].ID == "fresh"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStalePendingReported(t *testing.T) {
	now := base
	h := newHarness(t, func(o *Options) {
		o.Now = func() time.Time { return now }
	})
	h.api.SetConversations(u1.ID, conv("c1", shop, "Shop", base, 0))
	h.activate(t, u1, 1)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))

	h.api.SendFunc = func(ctx context.Context, req transport.SendRequest) (models.Message, error) {
		return models.Message{}, models.ErrUnknownOutcome
	}
	_, results, err := h.engine.SendDraft(context.Background(), composer.Draft{Text: "slow"})
	require.NoError(t, err)
	require.ErrorIs(t, settle(t, results).Err, models.ErrUnknownOutcome)

	assert.Empty(t, h.engine.StalePending())
	now = base.Add(time.Minute)
	assert.Len(t, h.engine.StalePending(), 1)
}
