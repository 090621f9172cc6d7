package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport/transporttest"
)

func connected(t *testing.T) *transporttest.FakeChannel {
	t.Helper()
	ch := transporttest.NewFakeChannel()
	require.NoError(t, ch.Connect(context.Background()))
	return ch
}

func probes(ch *transporttest.FakeChannel) []string {
	var ids []string
	for _, e := range ch.Emitted(models.EventCheckOnlineStatus) {
		var id string
		_ = json.Unmarshal(e.Data, &id)
		ids = append(ids, id)
	}
	return ids
}

func TestUnknownIsOffline(t *testing.T) {
	tracker := New(connected(t), Config{})
	assert.False(t, tracker.IsOnline("o-shop"))
	assert.Empty(t, tracker.Snapshot())
}

func TestWatchProbesAndAppliesUpdates(t *testing.T) {
	ch := connected(t)
	tracker := New(ch, Config{})

	tracker.Watch("o-shop")
	assert.Equal(t, []string{"o-shop"}, probes(ch))

	assert.True(t, tracker.Apply(models.StatusChange{IdentityID: "o-shop", IsOnline: true}))
	assert.True(t, tracker.IsOnline("o-shop"))
	assert.False(t, tracker.Apply(models.StatusChange{IdentityID: "o-shop", IsOnline: true}), "no visible change")

	assert.False(t, tracker.Apply(models.StatusChange{IdentityID: "u-stranger", IsOnline: true}))
	assert.False(t, tracker.IsOnline("u-stranger"))
}

func TestWatchWhileDisconnectedDropsProbe(t *testing.T) {
	ch := transporttest.NewFakeChannel()
	tracker := New(ch, Config{})

	tracker.Watch("o-shop")
	assert.Empty(t, ch.Emitted())
	assert.Equal(t, []string{"o-shop"}, tracker.Watched())
}

func TestUnwatchKeepsLastEntryAndIgnoresUpdates(t *testing.T) {
	tracker := New(connected(t), Config{})
	tracker.Watch("o-shop")
	tracker.Apply(models.StatusChange{IdentityID: "o-shop", IsOnline: true})

	tracker.Unwatch("o-shop")
	assert.False(t, tracker.Apply(models.StatusChange{IdentityID: "o-shop", IsOnline: false}))
	assert.True(t, tracker.IsOnline("o-shop"))
	assert.Empty(t, tracker.Watched())
}

func TestHandleEventParsesPayload(t *testing.T) {
	tracker := New(connected(t), Config{})
	tracker.Watch("o-shop")

	assert.True(t, tracker.HandleEvent(events.Event{
		Name: models.EventUserStatusChanged,
		Data: json.RawMessage(`{"userId":"o-shop","status":"online"}`),
	}))
	assert.True(t, tracker.IsOnline("o-shop"))

	assert.False(t, tracker.HandleEvent(events.Event{
		Name: models.EventUserStatusChanged,
		Data: json.RawMessage(`{"isOnline":false}`),
	}))
	assert.True(t, tracker.IsOnline("o-shop"))
}

func TestResyncReprobesWatched(t *testing.T) {
	ch := transporttest.NewFakeChannel()
	tracker := New(ch, Config{Rate: 1000, Burst: 10})
	tracker.Watch("b")
	tracker.Watch("a")
	tracker.Unwatch("b")
	tracker.Watch("c")

	require.NoError(t, ch.Connect(context.Background()))
	ch.ResetEmitted()
	require.NoError(t, tracker.Resync(context.Background()))
	assert.Equal(t, []string{"a", "c"}, probes(ch))

	require.NoError(t, tracker.Resync(context.Background()))
	assert.Len(t, probes(ch), 4, "resync re-sends probes without adding watches")
	assert.Equal(t, []string{"a", "c"}, tracker.Watched())
}

func TestResyncIsThrottled(t *testing.T) {
	ch := connected(t)
	tracker := New(ch, Config{Rate: 1, Burst: 1})
	tracker.Watch("a")
	tracker.Watch("b")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ch.ResetEmitted()
	err := tracker.Resync(ctx)
	require.Error(t, err)
	assert.Len(t, probes(ch), 1)
}

func TestResetClearsState(t *testing.T) {
	tracker := New(connected(t), Config{})
	tracker.Watch("o-shop")
	tracker.Apply(models.StatusChange{IdentityID: "o-shop", IsOnline: true})

	tracker.Reset()
	assert.False(t, tracker.IsOnline("o-shop"))
	assert.Empty(t, tracker.Watched())
	assert.Empty(t, tracker.Snapshot())
}

func TestSnapshotSorted(t *testing.T) {
	tracker := New(connected(t), Config{})
	for _, id := range []string{"z", "a"} {
		tracker.Watch(id)
		tracker.Apply(models.StatusChange{IdentityID: id, IsOnline: id == "a"})
	}
	assert.Equal(t, []models.PresenceEntry{
		{IdentityID: "a", IsOnline: true},
		{IdentityID: "z", IsOnline: false},
	}, tracker.Snapshot())
}
