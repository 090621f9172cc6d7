package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/engine"
	"github.com/tOgg1/chatsync/internal/models"
)

var (
	watchOpen        string
	watchPresence    []string
	watchMetricsAddr string
	watchStaleEvery  time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchOpen, "open", "", "open this conversation and follow its timeline")
	watchCmd.Flags().StringSliceVar(&watchPresence, "presence", nil, "identity ids whose online state to follow")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	watchCmd.Flags().DurationVar(&watchStaleEvery, "stale-check", 5*time.Second, "how often to report stale pending messages (0 disables)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live changes",
	Long: `Stay connected and print every change to the conversation list, the
open timeline, presence and the connection, until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		addr := watchMetricsAddr
		if addr == "" {
			addr = GetConfig().Metrics.Addr
		}
		if addr != "" {
			server := &http.Server{Addr: addr, Handler: s.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
		}

		if watchOpen != "" {
			if err := s.engine.Open(ctx, watchOpen); err != nil {
				return fmt.Errorf("open %s: %w", watchOpen, err)
			}
		}
		for _, id := range watchPresence {
			s.engine.WatchPresence(id)
		}

		streamer := NewChangeStreamer(s.engine, cmd.OutOrStdout(), StreamConfig{StaleEvery: watchStaleEvery})
		return streamer.Stream(ctx)
	},
}

// StreamConfig configures change streaming behavior.
type StreamConfig struct {
	// StaleEvery is how often pending sends are checked for staleness.
	// Zero disables the check.
	StaleEvery time.Duration
}

// ChangeStreamer prints engine changes, as JSONL with --jsonl.
type ChangeStreamer struct {
	engine *engine.Engine
	out    io.Writer
	config StreamConfig
	logger func(string, ...any)

	reported map[string]bool
}

// NewChangeStreamer creates a streamer over e.
func NewChangeStreamer(e *engine.Engine, out io.Writer, config StreamConfig) *ChangeStreamer {
	return &ChangeStreamer{
		engine:   e,
		out:      out,
		config:   config,
		reported: make(map[string]bool),
		logger: func(format string, args ...any) {
			if IsVerbose() {
				fmt.Fprintf(os.Stderr, format+"\n", args...)
			}
		},
	}
}

// Stream prints changes until ctx is done. Returns nil on graceful shutdown.
func (s *ChangeStreamer) Stream(ctx context.Context) error {
	changes, cancel := s.engine.Subscribe()
	defer cancel()

	var staleC <-chan time.Time
	if s.config.StaleEvery > 0 {
		ticker := time.NewTicker(s.config.StaleEvery)
		defer ticker.Stop()
		staleC = ticker.C
	}

	s.logger("Streaming changes for %s", s.engine.Active())
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if err := s.writeChange(change); err != nil {
				return fmt.Errorf("failed to write change: %w", err)
			}
		case <-staleC:
			if err := s.reportStale(); err != nil {
				return fmt.Errorf("failed to write change: %w", err)
			}
		}
	}
}

// changeRecord is one streamed line.
type changeRecord struct {
	Kind           engine.ChangeKind      `json:"kind"`
	Identity       string                 `json:"identity,omitempty"`
	Epoch          uint64                 `json:"epoch"`
	ConversationID string                 `json:"conversationId,omitempty"`
	Connected      *bool                  `json:"connected,omitempty"`
	UnreadTotal    *int                   `json:"unreadTotal,omitempty"`
	Last           *models.Message        `json:"last,omitempty"`
	Presence       []models.PresenceEntry `json:"presence,omitempty"`
	Stale          []string               `json:"stale,omitempty"`
}

func (s *ChangeStreamer) record(change engine.Change) changeRecord {
	rec := changeRecord{
		Kind:           change.Kind,
		Identity:       change.Scope.Identity.String(),
		Epoch:          change.Scope.Epoch,
		ConversationID: change.ConversationID,
	}
	switch change.Kind {
	case engine.ChangeConnection:
		connected := change.Connected
		rec.Connected = &connected
	case engine.ChangeConversations:
		total := s.engine.UnreadTotal(change.Scope.Identity.ID)
		rec.UnreadTotal = &total
	case engine.ChangeTimeline:
		msgs := s.engine.Messages(change.ConversationID)
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			rec.Last = &last
		}
	case engine.ChangePresence:
		rec.Presence = s.engine.Snapshot().Presence
	}
	return rec
}

func (s *ChangeStreamer) writeChange(change engine.Change) error {
	return s.write(s.record(change))
}

func (s *ChangeStreamer) reportStale() error {
	var ids []string
	for _, msg := range s.engine.StalePending() {
		if s.reported[msg.ID] {
			continue
		}
		s.reported[msg.ID] = true
		ids = append(ids, msg.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	scope := s.engine.Scope()
	return s.write(changeRecord{
		Kind:           engine.ChangeTimeline,
		Identity:       scope.Identity.String(),
		Epoch:          scope.Epoch,
		ConversationID: s.engine.OpenConversation(),
		Stale:          ids,
	})
}

func (s *ChangeStreamer) write(rec changeRecord) error {
	if IsJSONLOutput() || IsJSONOutput() {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(s.out, string(data))
		return err
	}
	_, err := fmt.Fprintln(s.out, describe(rec))
	return err
}

// describe renders rec as one human-readable line.
func describe(rec changeRecord) string {
	stamp := time.Now().Format(timestampShort)
	switch {
	case rec.Connected != nil:
		return fmt.Sprintf("%s  connection   %s", stamp, map[bool]string{true: "online", false: "offline"}[*rec.Connected])
	case len(rec.Stale) > 0:
		return fmt.Sprintf("%s  timeline     %d message(s) still unconfirmed", stamp, len(rec.Stale))
	case rec.Last != nil:
		return fmt.Sprintf("%s  timeline     %s  %s: %s [%s]", stamp, rec.ConversationID,
			rec.Last.SenderID, truncateCells(previewOf(*rec.Last), previewWidth), rec.Last.Status)
	case rec.UnreadTotal != nil:
		return fmt.Sprintf("%s  conversations  %d unread", stamp, *rec.UnreadTotal)
	case rec.Kind == engine.ChangePresence:
		online := 0
		for _, p := range rec.Presence {
			if p.IsOnline {
				online++
			}
		}
		return fmt.Sprintf("%s  presence     %d/%d online", stamp, online, len(rec.Presence))
	default:
		return fmt.Sprintf("%s  %s  %s", stamp, rec.Kind, rec.Identity)
	}
}
