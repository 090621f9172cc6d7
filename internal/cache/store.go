// Package cache persists the last authoritative conversation list and
// histories in SQLite so the client can render before the network answers.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tOgg1/chatsync/internal/models"
)

// ErrClosed is returned by operations on a nil or closed store.
var ErrClosed = errors.New("cache store unavailable")

// Store is the SQLite-backed warm-start cache. Only durable entries are
// stored; speculative and failed sends never reach disk.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			identity_id TEXT NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (identity_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (conversation_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_order_idx ON conversations(identity_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS messages_order_idx ON messages(conversation_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize cache schema: %w", err)
		}
	}
	return nil
}

// SaveConversations replaces the cached list of identityID.
func (s *Store) SaveConversations(ctx context.Context, identityID string, convs []models.Conversation) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE identity_id = ?`, identityID); err != nil {
			return fmt.Errorf("failed to clear cached conversations: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO conversations (identity_id, id, payload, updated_at)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare conversation insert: %w", err)
		}
		defer stmt.Close()

		for _, conv := range convs {
			payload, err := json.Marshal(conv)
			if err != nil {
				return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, identityID, conv.ID, string(payload), formatTime(conv.UpdatedAt)); err != nil {
				return fmt.Errorf("failed to store conversation %s: %w", conv.ID, err)
			}
		}
		return nil
	})
}

// LoadConversations returns the cached list of identityID, newest first.
func (s *Store) LoadConversations(ctx context.Context, identityID string) ([]models.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM conversations
		WHERE identity_id = ?
		ORDER BY updated_at DESC, id ASC
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil {
			return nil, fmt.Errorf("failed to decode cached conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// SaveMessages replaces the cached history of conversationID with the
// durable entries of msgs.
func (s *Store) SaveMessages(ctx context.Context, conversationID string, msgs []models.Message) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("failed to clear cached messages: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO messages (conversation_id, id, payload, created_at)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare message insert: %w", err)
		}
		defer stmt.Close()

		for _, msg := range msgs {
			if !Durable(msg) {
				continue
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, conversationID, msg.ID, string(payload), formatTime(msg.CreatedAt)); err != nil {
				return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
			}
		}
		return nil
	})
}

// LoadMessages returns the cached history of conversationID, oldest
// first. A positive limit keeps only the newest limit entries.
func (s *Store) LoadMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	query := `
		SELECT payload FROM (
			SELECT payload, created_at, id FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query += `
		) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode cached message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Purge drops everything cached for identityID's conversations.
func (s *Store) Purge(ctx context.Context, identityID string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE conversation_id IN (
				SELECT id FROM conversations WHERE identity_id = ?
			)`, identityID); err != nil {
			return fmt.Errorf("failed to purge cached messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE identity_id = ?`, identityID); err != nil {
			return fmt.Errorf("failed to purge cached conversations: %w", err)
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache transaction: %w", err)
	}
	return nil
}

// Durable reports whether msg may be cached: it carries a server id and
// has left the pending and error states.
func Durable(msg models.Message) bool {
	if msg.ID == "" || msg.IsSpeculative() {
		return false
	}
	return msg.Status.AtLeast(models.StatusSent)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
