package transport_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/testutil"
	"github.com/tOgg1/chatsync/internal/transport"
	"github.com/tOgg1/chatsync/internal/transport/transporttest"
)

var (
	alice = models.Identity{Kind: models.IdentityKindPersonal, ID: "u-alice"}
	shop  = models.Identity{Kind: models.IdentityKindOrganization, ID: "o-shop"}
)

func newClient(t *testing.T, srv *transporttest.Server, token string) *transport.RESTClient {
	t.Helper()
	testutil.SkipIfNoNetwork(t)
	client, err := transport.NewRESTClient(transport.RESTConfig{
		BaseURL:        srv.URL,
		Token:          token,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func conversation(id string, updated time.Time) models.Conversation {
	return models.Conversation{
		ID: id,
		Participants: []models.Participant{
			{IdentityID: alice.ID, IdentityKind: alice.Kind},
			{IdentityID: shop.ID, IdentityKind: shop.Kind, DisplayName: "Shop"},
		},
		UnreadCount: map[string]int{alice.ID: 2},
		UpdatedAt:   updated,
	}
}

func TestNewRESTClientRejectsBadURL(t *testing.T) {
	_, err := transport.NewRESTClient(transport.RESTConfig{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}

func TestFetchConversations(t *testing.T) {
	srv := transporttest.NewServer("secret")
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv.API.SetConversations(alice.ID, conversation("c1", now))

	convs, err := newClient(t, srv, "secret").FetchConversations(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, 2, convs[0].Unread(alice.ID))
	assert.True(t, convs[0].UpdatedAt.Equal(now))
}

func TestRequestLogRedactsAuthorization(t *testing.T) {
	prevLogger, prevLevel := logging.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		logging.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "debug", Format: "json", Output: &buf})

	srv := transporttest.NewServer("secret")
	defer srv.Close()
	client := newClient(t, srv, "secret")

	_, err := client.FetchConversations(context.Background(), alice.ID)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "request done")
	assert.Contains(t, out, logging.RedactedValue)
	assert.NotContains(t, out, "Bearer secret")
}

func TestUnauthorizedIsConfirmedFailure(t *testing.T) {
	srv := transporttest.NewServer("secret")
	defer srv.Close()

	_, err := newClient(t, srv, "wrong").FetchConversations(context.Background(), alice.ID)
	require.Error(t, err)
	assert.True(t, transport.IsStatus(err, http.StatusUnauthorized))
	assert.True(t, models.IsConfirmedFailure(err))
	assert.False(t, errors.Is(err, models.ErrTransientNetwork))
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := transporttest.NewServer("")
	defer srv.Close()
	srv.FailNext("/conversations/c1/messages", http.StatusBadGateway, 1)

	client := newClient(t, srv, "")
	_, err := client.FetchMessages(context.Background(), "c1", alice.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransientNetwork)

	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "injected failure", statusErr.Message)

	_, err = client.FetchMessages(context.Background(), "c1", alice.ID)
	require.NoError(t, err)
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	srv := transporttest.NewServer("")
	defer srv.Close()
	srv.FailNext("/conversations/access", http.StatusNotFound, 1)

	_, err := newClient(t, srv, "").AccessConversation(context.Background(), transport.AccessRequest{
		SenderID: alice.ID, SenderKind: alice.Kind, ReceiverID: shop.ID, ReceiverKind: shop.Kind,
	})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSendMessageCarriesClientID(t *testing.T) {
	srv := transporttest.NewServer("")
	defer srv.Close()

	var seen atomic.Value
	srv.API.SendFunc = func(ctx context.Context, req transport.SendRequest) (models.Message, error) {
		seen.Store(req)
		msg := srv.API.Durable(req)
		msg.ClientID = ""
		return msg, nil
	}

	msg, err := newClient(t, srv, "").SendMessage(context.Background(), transport.SendRequest{
		ConversationID: "c1",
		SenderID:       alice.ID,
		SenderKind:     alice.Kind,
		Content:        "Hello",
		ClientID:       "local-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, "local-1", msg.ClientID, "client id is restored when the server drops it")

	req := seen.Load().(transport.SendRequest)
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, "local-1", req.ClientID)
}

func TestAccessAndMarkSeen(t *testing.T) {
	srv := transporttest.NewServer("")
	defer srv.Close()
	client := newClient(t, srv, "")
	ctx := context.Background()

	conv, err := client.AccessConversation(ctx, transport.AccessRequest{
		SenderID: alice.ID, SenderKind: alice.Kind, ReceiverID: shop.ID, ReceiverKind: shop.Kind,
	})
	require.NoError(t, err)
	assert.True(t, conv.HasParticipant(shop.ID))

	require.NoError(t, client.MarkSeen(ctx, conv.ID, alice.ID))
	assert.Equal(t, []string{conv.ID + "/" + alice.ID}, srv.API.SeenAcks())
}

func TestUpload(t *testing.T) {
	srv := transporttest.NewServer("")
	defer srv.Close()

	media, err := newClient(t, srv, "").Upload(context.Background(), transport.Upload{
		Name:        "shoe.png",
		ContentType: "image/png",
		Data:        []byte{0x89, 'P', 'N', 'G'},
	})
	require.NoError(t, err)
	assert.Equal(t, models.MediaImage, media.Kind)
	assert.Contains(t, media.URL, "shoe.png")
	assert.Equal(t, []string{"shoe.png"}, srv.Uploads())
}

func TestUploadRejectedIsUploadFailure(t *testing.T) {
	srv := transporttest.NewServer("")
	defer srv.Close()

	_, err := newClient(t, srv, "").Upload(context.Background(), transport.Upload{
		Name:        "notes.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF"),
	})
	require.ErrorIs(t, err, models.ErrUploadFailure)
	assert.True(t, transport.IsStatus(err, http.StatusUnprocessableEntity))
}

func TestTimeoutIsUnknownOutcome(t *testing.T) {
	srv := transporttest.NewServer("")
	defer srv.Close()

	release := make(chan struct{})
	defer close(release)
	srv.API.SendFunc = func(ctx context.Context, req transport.SendRequest) (models.Message, error) {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		return srv.API.Durable(req), nil
	}

	client, err := transport.NewRESTClient(transport.RESTConfig{BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.SendMessage(context.Background(), transport.SendRequest{
		ConversationID: "c1", SenderID: alice.ID, SenderKind: alice.Kind, Content: "slow",
	})
	require.ErrorIs(t, err, models.ErrUnknownOutcome)
	assert.False(t, models.IsConfirmedFailure(err))
}

func TestDialFailureIsConfirmed(t *testing.T) {
	srv := transporttest.NewServer("")
	url := srv.URL
	srv.Close()

	client, err := transport.NewRESTClient(transport.RESTConfig{BaseURL: url, RequestTimeout: time.Second})
	require.NoError(t, err)

	_, err = client.FetchConversations(context.Background(), alice.ID)
	require.ErrorIs(t, err, models.ErrTransientNetwork)
	assert.True(t, models.IsConfirmedFailure(err))
}

func TestCanceledContextIsNotSent(t *testing.T) {
	srv := transporttest.NewServer("")
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newClient(t, srv, "").FetchConversations(ctx, alice.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, srv.API.Calls("FetchConversations"))
}
