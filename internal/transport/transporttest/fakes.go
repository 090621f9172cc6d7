// Package transporttest provides in-memory transport collaborators for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport"
)

// Emitted is one frame a client emitted on a FakeChannel.
type Emitted struct {
	Event string
	Data  json.RawMessage
}

// FakeChannel is a synchronous in-memory Channel. Deliver runs handlers on
// the caller's goroutine.
type FakeChannel struct {
	bus *events.Bus

	mu        sync.Mutex
	connected bool
	emitted   []Emitted

	// EmitErr, when set, is returned by Emit on a connected channel.
	EmitErr error
}

var _ transport.Channel = (*FakeChannel)(nil)

// NewFakeChannel returns a disconnected fake.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{bus: events.NewBus()}
}

// Connect marks the channel connected and publishes connect.
func (c *FakeChannel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.bus.Publish(events.Event{Name: models.EventConnect})
	return nil
}

// Disconnect drops the connection and publishes disconnect.
func (c *FakeChannel) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.bus.Publish(events.Event{Name: models.EventDisconnect})
}

func (c *FakeChannel) On(id string, filter events.Filter, handler events.Handler) error {
	return c.bus.Subscribe(id, filter, handler)
}

func (c *FakeChannel) Off(id string) error {
	return c.bus.Unsubscribe(id)
}

func (c *FakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeChannel) Emit(event string, payload any) error {
	frame, err := transport.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	var env transport.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.ErrNotConnected
	}
	if c.EmitErr != nil {
		return c.EmitErr
	}
	c.emitted = append(c.emitted, Emitted{Event: env.Event, Data: env.Data})
	return nil
}

func (c *FakeChannel) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Deliver pushes a server event to the registered handlers.
func (c *FakeChannel) Deliver(event string, payload any) {
	var data json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("transporttest: encode %s: %v", event, err))
		}
		data = encoded
	}
	c.bus.Publish(events.Event{Name: event, Data: data})
}

// Emitted returns every frame emitted so far, optionally filtered by name.
func (c *FakeChannel) Emitted(names ...string) []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	filter := events.Filter{Names: names}
	out := make([]Emitted, 0, len(c.emitted))
	for _, e := range c.emitted {
		if filter.Matches(events.Event{Name: e.Event}) {
			out = append(out, e)
		}
	}
	return out
}

// ResetEmitted forgets recorded frames.
func (c *FakeChannel) ResetEmitted() {
	c.mu.Lock()
	c.emitted = nil
	c.mu.Unlock()
}

// Gate blocks callers until Release. Entered fires once per waiting caller.
type Gate struct {
	release chan struct{}
	once    sync.Once
	entered chan struct{}
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{release: make(chan struct{}), entered: make(chan struct{}, 64)}
}

// Wait blocks until Release or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entered returns a channel that receives once per caller blocked in Wait.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release unblocks every current and future waiter.
func (g *Gate) Release() {
	g.once.Do(func() { close(g.release) })
}

// FakeAPI is an in-memory API and Uploader. Zero-value func fields fall
// back to the built-in store.
type FakeAPI struct {
	mu            sync.Mutex
	conversations map[string][]models.Conversation
	messages      map[string][]models.Message
	calls         map[string]int
	seen          []string
	nextID        int

	// Now stamps created messages. Defaults to time.Now.
	Now func() time.Time

	FetchConversationsFunc func(ctx context.Context, identityID string) ([]models.Conversation, error)
	FetchMessagesFunc      func(ctx context.Context, conversationID, identityID string) ([]models.Message, error)
	SendFunc               func(ctx context.Context, req transport.SendRequest) (models.Message, error)
	AccessFunc             func(ctx context.Context, req transport.AccessRequest) (models.Conversation, error)
	MarkSeenFunc           func(ctx context.Context, conversationID, identityID string) error
	UploadFunc             func(ctx context.Context, file transport.Upload) (models.Media, error)
}

var (
	_ transport.API      = (*FakeAPI)(nil)
	_ transport.Uploader = (*FakeAPI)(nil)
)

// NewFakeAPI returns an empty fake.
func NewFakeAPI() *FakeAPI {
	return &FakeAPI{
		conversations: make(map[string][]models.Conversation),
		messages:      make(map[string][]models.Message),
		calls:         make(map[string]int),
	}
}

// SetConversations seeds the list returned for identityID.
func (a *FakeAPI) SetConversations(identityID string, convs ...models.Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversations[identityID] = models.CloneConversations(convs)
}

// SetMessages seeds the history of conversationID.
func (a *FakeAPI) SetMessages(conversationID string, msgs ...models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[conversationID] = models.CloneMessages(msgs)
}

// Calls returns how many times method was invoked.
func (a *FakeAPI) Calls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

// SeenAcks returns "conversationID/identityID" pairs acknowledged via MarkSeen.
func (a *FakeAPI) SeenAcks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func (a *FakeAPI) record(method string) {
	a.mu.Lock()
	a.calls[method]++
	a.mu.Unlock()
}

func (a *FakeAPI) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *FakeAPI) FetchConversations(ctx context.Context, identityID string) ([]models.Conversation, error) {
	a.record("FetchConversations")
	if a.FetchConversationsFunc != nil {
		return a.FetchConversationsFunc(ctx, identityID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.CloneConversations(a.conversations[identityID]), nil
}

func (a *FakeAPI) FetchMessages(ctx context.Context, conversationID, identityID string) ([]models.Message, error) {
	a.record("FetchMessages")
	if a.FetchMessagesFunc != nil {
		return a.FetchMessagesFunc(ctx, conversationID, identityID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.CloneMessages(a.messages[conversationID]), nil
}

func (a *FakeAPI) SendMessage(ctx context.Context, req transport.SendRequest) (models.Message, error) {
	a.record("SendMessage")
	if a.SendFunc != nil {
		return a.SendFunc(ctx, req)
	}
	msg := a.Durable(req)
	a.mu.Lock()
	a.messages[req.ConversationID] = append(a.messages[req.ConversationID], msg.Clone())
	a.mu.Unlock()
	return msg, nil
}

// Durable builds the message the server would return for req.
func (a *FakeAPI) Durable(req transport.SendRequest) models.Message {
	a.mu.Lock()
	a.nextID++
	id := fmt.Sprintf("srv-msg-%d", a.nextID)
	a.mu.Unlock()

	msg := models.Message{
		ID:             id,
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderKind:     req.SenderKind,
		Content:        req.Content,
		CreatedAt:      a.now(),
		Status:         models.StatusSent,
	}
	if req.Media != nil {
		media := *req.Media
		msg.Media = &media
	}
	return msg
}

func (a *FakeAPI) AccessConversation(ctx context.Context, req transport.AccessRequest) (models.Conversation, error) {
	a.record("AccessConversation")
	if a.AccessFunc != nil {
		return a.AccessFunc(ctx, req)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, conv := range a.conversations[req.SenderID] {
		if conv.HasParticipant(req.ReceiverID) {
			return conv.Clone(), nil
		}
	}
	a.nextID++
	conv := models.Conversation{
		ID: fmt.Sprintf("srv-conv-%d", a.nextID),
		Participants: []models.Participant{
			{IdentityID: req.SenderID, IdentityKind: req.SenderKind},
			{IdentityID: req.ReceiverID, IdentityKind: req.ReceiverKind},
		},
		UnreadCount: map[string]int{},
		UpdatedAt:   a.now(),
	}
	a.conversations[req.SenderID] = append(a.conversations[req.SenderID], conv.Clone())
	return conv, nil
}

func (a *FakeAPI) MarkSeen(ctx context.Context, conversationID, identityID string) error {
	a.record("MarkSeen")
	if a.MarkSeenFunc != nil {
		return a.MarkSeenFunc(ctx, conversationID, identityID)
	}
	a.mu.Lock()
	a.seen = append(a.seen, conversationID+"/"+identityID)
	a.mu.Unlock()
	return nil
}

func (a *FakeAPI) Upload(ctx context.Context, file transport.Upload) (models.Media, error) {
	a.record("Upload")
	if a.UploadFunc != nil {
		return a.UploadFunc(ctx, file)
	}
	kind, err := models.ParseMediaKind(file.ContentType)
	if err != nil {
		return models.Media{}, fmt.Errorf("%w: %w", models.ErrUploadFailure, err)
	}
	a.mu.Lock()
	a.nextID++
	url := fmt.Sprintf("https://cdn.test/u%d/%s", a.nextID, file.Name)
	a.mu.Unlock()
	return models.Media{URL: url, Kind: kind}, nil
}
