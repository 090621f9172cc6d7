package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	maxFrameSize        = 1 << 20
)

// WebSocketConfig configures a WebSocketChannel.
type WebSocketConfig struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// WebSocketChannel implements Channel over a gorilla websocket. It keeps
// redialing with exponential backoff until Close and publishes a connect
// event after every successful dial.
type WebSocketChannel struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

var _ Channel = (*WebSocketChannel)(nil)

// NewWebSocketChannel builds an unconnected channel.
func NewWebSocketChannel(cfg WebSocketConfig) (*WebSocketChannel, error) {
	url := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("socket url must be ws or wss, got %q", cfg.URL)
	}
	cfg.URL = url
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}

	return &WebSocketChannel{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		bus:    events.NewBus(),
		logger: logging.Component("channel"),
	}, nil
}

// Connect starts the connection loop and waits for the first dial attempt.
// A failed first dial is returned but the loop keeps retrying until Close.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(loopCtx, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers handler for events matching filter.
func (c *WebSocketChannel) On(id string, filter events.Filter, handler events.Handler) error {
	return c.bus.Subscribe(id, filter, handler)
}

// Off removes a handler.
func (c *WebSocketChannel) Off(id string) error {
	return c.bus.Unsubscribe(id)
}

// Connected reports whether a connection is currently established.
func (c *WebSocketChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends one event frame. It fails fast with ErrNotConnected instead of
// queueing while disconnected.
func (c *WebSocketChannel) Emit(event string, payload any) error {
	frame, err := EncodeEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("emit %s: %w: %w", event, models.ErrTransientNetwork, err)
	}
	return nil
}

// Close stops the connection loop and waits for it to exit.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *WebSocketChannel) run(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = c.cfg.ReconnectMin
	schedule.MaxInterval = c.cfg.ReconnectMax
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	for {
		conn, err := c.dial(ctx)
		if first != nil {
			first <- err
			first = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := schedule.NextBackOff()
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("channel dial failed")
			if sleepWithContext(ctx, wait) != nil {
				return
			}
			continue
		}

		schedule.Reset()
		c.setConn(conn)
		c.logger.Info().Str("url", logging.RedactURL(c.cfg.URL)).Msg("channel connected")
		c.bus.Publish(events.Event{Name: models.EventConnect})

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()
		c.bus.Publish(events.Event{Name: models.EventDisconnect})

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("channel dropped")
		if sleepWithContext(ctx, schedule.NextBackOff()) != nil {
			return
		}
	}
}

func (c *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	c.logger.Debug().
		Str("url", logging.RedactURL(c.cfg.URL)).
		Interface("headers", logging.RedactHeaders(flattenHeader(header))).
		Msg("dialing channel")
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial channel: status %d: %w: %w", resp.StatusCode, models.ErrTransientNetwork, err)
		}
		return nil, fmt.Errorf("dial channel: %w: %w", models.ErrTransientNetwork, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

func flattenHeader(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key := range header {
		out[key] = header.Get(key)
	}
	return out
}

func (c *WebSocketChannel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		if env.Event == models.EventConnect || env.Event == models.EventDisconnect {
			// Lifecycle events are local only.
			continue
		}
		c.bus.Publish(events.Event{Name: env.Event, Data: env.Data})
	}
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsNotConnected reports whether err means the channel had no connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
