package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tOgg1/chatsync/internal/cache"
	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/engine"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/metrics"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/presence"
	"github.com/tOgg1/chatsync/internal/transport"
)

// session is one engine bound to the configured backend and identity.
type session struct {
	engine   *engine.Engine
	store    *cache.Store
	metrics  *metrics.Metrics
	identity models.Identity
}

func profileStore() *config.ProfileStore {
	cfg := GetConfig()
	if cfg == nil {
		return config.NewProfileStore("")
	}
	return config.NewProfileStore(cfg.ProfilePath())
}

// resolveIdentity picks --as, then the saved profile, then the config.
func resolveIdentity(cfg *config.Config) (models.Identity, error) {
	if strings.TrimSpace(identityFlag) != "" {
		return parseIdentity(identityFlag)
	}
	identity, err := config.ResolveIdentity(cfg, profileStore())
	if errors.Is(err, models.ErrNoIdentity) {
		return models.Identity{}, &PreflightError{
			Message:  "no active identity",
			Hint:     "Select an identity with a profile, the config file or --as",
			NextStep: "chatsync profile use personal:<id>",
		}
	}
	return identity, err
}

// parseIdentity parses "kind:id". A bare id is a personal identity.
func parseIdentity(raw string) (models.Identity, error) {
	raw = strings.TrimSpace(raw)
	kindPart, id, found := strings.Cut(raw, ":")
	if !found {
		kindPart, id = string(models.IdentityKindPersonal), raw
	}
	kind, err := models.ParseIdentityKind(kindPart)
	if err != nil {
		return models.Identity{}, err
	}
	identity := models.Identity{Kind: kind, ID: strings.TrimSpace(id)}
	if err := identity.Validate(); err != nil {
		return models.Identity{}, err
	}
	return identity, nil
}

// openSession connects an engine, activates the resolved identity and
// waits for the authoritative conversation list.
func openSession(ctx context.Context) (*session, error) {
	cfg := GetConfig()
	if cfg == nil {
		return nil, errNoConfig
	}
	identity, err := resolveIdentity(cfg)
	if err != nil {
		return nil, err
	}

	api, err := transport.NewRESTClient(transport.RESTConfig{
		BaseURL:        cfg.Server.BaseURL,
		Token:          cfg.Server.Token,
		RequestTimeout: cfg.Transport.RequestTimeout,
		UploadTimeout:  cfg.Transport.UploadTimeout,
	})
	if err != nil {
		return nil, err
	}
	channel, err := transport.NewWebSocketChannel(transport.WebSocketConfig{
		URL:          cfg.Server.SocketURL,
		Token:        cfg.Server.Token,
		DialTimeout:  cfg.Transport.DialTimeout,
		ReconnectMin: cfg.Transport.ReconnectMin,
		ReconnectMax: cfg.Transport.ReconnectMax,
	})
	if err != nil {
		return nil, err
	}

	var store *cache.Store
	if cfg.Cache.Enabled {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		store, err = cache.Open(cfg.CachePath())
		if err != nil {
			logging.Warn().Err(err).Msg("cache unavailable, continuing without it")
			store = nil
		}
	}

	m := metrics.New()
	eng, err := engine.New(engine.Options{
		Channel:  channel,
		API:      api,
		Uploader: api,
		Cache:    store,
		Metrics:  m,
		Presence: presence.Config{
			Rate:  cfg.Transport.ProbeRate,
			Burst: cfg.Transport.ProbeBurst,
		},
		SeenCacheSize: cfg.Sync.SeenCacheSize,
		StaleAfter:    cfg.Sync.StaleAfter,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s := &session{engine: eng, store: store, metrics: m, identity: identity}
	if err := eng.Start(ctx); err != nil {
		// The channel keeps redialing; REST-backed commands still work.
		logging.Warn().Err(err).Msg("event channel unavailable")
	}
	if err := eng.SwitchIdentity(ctx, identity); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := eng.LoadConversations(ctx); err != nil {
		_ = s.Close()
		if transport.IsStatus(err, http.StatusUnauthorized) || transport.IsStatus(err, http.StatusForbidden) {
			return nil, &PreflightError{
				Message:  fmt.Sprintf("backend rejected the credentials for %s", identity),
				Hint:     "Check server.token or CHATSYNC_SERVER_TOKEN",
				NextStep: "chatsync profile show",
			}
		}
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return s, nil
}

func (s *session) Close() error {
	err := s.engine.Close()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}
