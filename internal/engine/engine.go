// Package engine wires presence, the conversation directory, the open
// timeline and the composer to one push channel and one REST API, and
// owns the identity epoch that keeps their async results consistent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/cache"
	"github.com/tOgg1/chatsync/internal/composer"
	"github.com/tOgg1/chatsync/internal/directory"
	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/metrics"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/presence"
	"github.com/tOgg1/chatsync/internal/timeline"
	"github.com/tOgg1/chatsync/internal/transport"
)

const subscriptionID = "engine"

// historyCacheLimit bounds the messages cached per conversation.
const historyCacheLimit = 200

// Options configures an Engine. Channel and API are required.
type Options struct {
	Channel  transport.Channel
	API      transport.API
	Uploader transport.Uploader
	Cache    *cache.Store
	Metrics  *metrics.Metrics

	Presence      presence.Config
	SeenCacheSize int
	StaleAfter    time.Duration

	// Now stamps speculative entries. Defaults to time.Now.
	Now func() time.Time
}

// Engine is the client-side sync engine.
type Engine struct {
	channel  transport.Channel
	api      transport.API
	cache    *cache.Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	staleAge time.Duration

	presence  *presence.Tracker
	directory *directory.Directory
	timeline  *timeline.Timeline
	composer  *composer.Composer

	// mu serializes identity switches and the application of one channel
	// event across components. Readers take it shared.
	mu    sync.RWMutex
	scope models.Scope

	subs subscribers

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	closed   bool
}

// New builds an engine with no active identity.
func New(opts Options) (*Engine, error) {
	if opts.Channel == nil {
		return nil, errors.New("engine: channel is required")
	}
	if opts.API == nil {
		return nil, errors.New("engine: api is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	uploader := opts.Uploader
	if uploader == nil {
		if u, ok := opts.API.(transport.Uploader); ok {
			uploader = u
		}
	}

	tl := timeline.New(opts.API, opts.Channel, timeline.Config{Metrics: opts.Metrics, Now: now})
	bgCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		channel:   opts.Channel,
		api:       opts.API,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		logger:    logging.Component("engine"),
		now:       now,
		staleAge:  opts.StaleAfter,
		presence:  presence.New(opts.Channel, opts.Presence),
		directory: directory.New(opts.API, directory.Config{SeenCacheSize: opts.SeenCacheSize, Metrics: opts.Metrics}),
		timeline:  tl,
		composer:  composer.New(tl, uploader, nil),
		bgCtx:     bgCtx,
		bgCancel:  cancel,
	}
	e.subs.init()
	return e, nil
}

// Start registers the channel handlers and connects. A failed first dial
// is returned, but the channel keeps reconnecting in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine closed")
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.channel.On(subscriptionID, events.Filter{}, e.handleEvent); err != nil {
		return fmt.Errorf("register channel handler: %w", err)
	}
	if err := e.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	return nil
}

// Close stops background work and closes the channel.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	e.bgCancel()
	if started {
		_ = e.channel.Off(subscriptionID)
	}
	err := e.channel.Close()
	e.wg.Wait()
	e.logger.Debug().Int("subscribers", e.subs.count()).Msg("engine closed")
	e.subs.closeAll()
	return err
}

// SwitchIdentity activates identity under a new epoch. Every component is
// reset, so results of work started under the previous identity are
// discarded when they land. The conversation list is warmed from the cache
// and reloaded in the background.
func (e *Engine) SwitchIdentity(ctx context.Context, identity models.Identity) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("switch identity: %w", err)
	}

	e.mu.Lock()
	scope := models.Scope{Identity: identity, Epoch: e.scope.Epoch + 1}
	e.scope = scope
	e.presence.Reset()
	e.directory.Reset(scope)
	e.timeline.Reset(scope)
	e.composer.Reset()
	e.mu.Unlock()

	logger := logging.WithIdentity(e.logger, identity.ID, scope.Epoch)
	logger.Info().Str("kind", string(identity.Kind)).Msg("identity activated")

	e.emitSetup(identity)
	e.hydrateConversations(ctx, scope)
	e.subs.notify(Change{Kind: ChangeIdentity, Scope: scope})
	e.subs.notify(Change{Kind: ChangeConversations, Scope: scope})

	e.background(func(ctx context.Context) {
		if err := e.LoadConversations(ctx); err != nil && !errors.Is(err, models.ErrStaleEpoch) {
			logger.Warn().Err(err).Msg("background conversation load failed")
		}
	})
	return nil
}

// Active returns the active identity, or a zero identity.
func (e *Engine) Active() models.Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scope.Identity
}

// Scope returns the active scope.
func (e *Engine) Scope() models.Scope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scope
}

func (e *Engine) requireScope() (models.Scope, error) {
	scope := e.Scope()
	if scope.Identity.IsZero() {
		return scope, models.ErrNoIdentity
	}
	return scope, nil
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.bgCtx)
	}()
}

func (e *Engine) emitSetup(identity models.Identity) {
	if err := e.channel.Emit(models.EventSetup, identity.ID); err != nil && !transport.IsNotConnected(err) {
		e.logger.Warn().Err(err).Msg("setup emit failed")
	}
}

func (e *Engine) emitJoin(conversationID string) {
	if err := e.channel.Emit(models.EventJoinConversation, models.JoinSignal{ConversationID: conversationID}); err != nil && !transport.IsNotConnected(err) {
		e.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("join emit failed")
	}
}

func (e *Engine) hydrateConversations(ctx context.Context, scope models.Scope) {
	if e.cache == nil {
		return
	}
	convs, err := e.cache.LoadConversations(ctx, scope.Identity.ID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("cache read failed")
		return
	}
	if len(convs) > 0 && e.directory.Hydrate(scope, convs) {
		e.logger.Debug().Int("count", len(convs)).Msg("conversation list warmed from cache")
	}
}

func (e *Engine) hydrateHistory(ctx context.Context, conversationID string) {
	if e.cache == nil {
		return
	}
	msgs, err := e.cache.LoadMessages(ctx, conversationID, historyCacheLimit)
	if err != nil {
		e.logger.Warn().Err(err).Msg("cache read failed")
		return
	}
	if len(msgs) > 0 {
		e.timeline.Hydrate(conversationID, msgs)
	}
}

func (e *Engine) saveConversations(ctx context.Context, scope models.Scope) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SaveConversations(ctx, scope.Identity.ID, e.directory.Conversations()); err != nil {
		e.logger.Warn().Err(err).Msg("cache write failed")
	}
}

func (e *Engine) saveHistory(ctx context.Context, conversationID string, msgs []models.Message) {
	if e.cache == nil || conversationID == "" {
		return
	}
	if len(msgs) > historyCacheLimit {
		msgs = msgs[len(msgs)-historyCacheLimit:]
	}
	if err := e.cache.SaveMessages(ctx, conversationID, msgs); err != nil {
		e.logger.Warn().Err(err).Msg("cache write failed")
	}
}
