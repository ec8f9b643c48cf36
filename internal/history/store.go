// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/morganforge/ragchat/internal/model"
	"github.com/morganforge/ragchat/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNotFound      = errors.New("conversation not cached")
	ErrDatabaseError = errors.New("database error")
)

// =============================================================================
// CONVERSATION CACHE
// =============================================================================

// Store caches conversations and their transcripts in a local SQLite
// database so they replay instantly and survive restarts.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	cfg *Config

	folder cases.Caser
}

// Config holds cache configuration
type Config struct {
	// DatabasePath is where to store the SQLite database
	DatabasePath string

	// MaxConversations caps how many conversations are kept per scope.
	// The oldest (by updated_at) are pruned first.
	MaxConversations int
}

// DefaultConfig returns default configuration
func DefaultConfig() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to determine home directory: %w", err)
	}
	return &Config{
		DatabasePath:     filepath.Join(home, ".ragchat", "history.db"),
		MaxConversations: 200,
	}, nil
}

// NewStore opens (creating if necessary) the conversation cache.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.MaxConversations < 1 {
		cfg.MaxConversations = 200
	}

	dbDir := filepath.Dir(cfg.DatabasePath)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		folder: cases.Fold(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return err
	}
	_, err := s.db.Exec(InitMetadata)
	return err
}

// Close closes the cache and releases resources
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// WRITING
// =============================================================================

// SaveTranscript upserts a conversation and replaces its cached messages.
// Called after a turn settles or after a server fetch; the transcript is
// the source of truth, the cache is a mirror.
func (s *Store) SaveTranscript(ctx context.Context, scope string, t *model.Transcript) error {
	if t == nil || t.ConversationID == "" {
		return errors.New("transcript has no conversation ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	createdAt := t.CreatedAt.UnixMilli()
	if t.CreatedAt.IsZero() {
		createdAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, scope, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
	`, t.ConversationID, scope, t.Title, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	// Replace rather than diff: transcripts are small and the cache is
	// a mirror, not a merge target.
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", t.ConversationID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	for i, msg := range t.Messages {
		content := msg.GetDisplayContent()
		interrupted := 0
		if msg.Interrupted {
			interrupted = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, position, role, content, content_folded, interrupted, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, t.ConversationID, i, string(msg.Role), content, s.folder.String(content), interrupted, msg.Timestamp.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := s.pruneScope(ctx, tx, scope); err != nil {
		return err
	}

	return tx.Commit()
}

// pruneScope removes the oldest conversations beyond the configured cap.
func (s *Store) pruneScope(ctx context.Context, tx *sql.Tx, scope string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations WHERE scope = ?
			ORDER BY updated_at DESC
			LIMIT -1 OFFSET ?
		)
	`, scope, s.cfg.MaxConversations)
	if err != nil {
		return fmt.Errorf("failed to prune conversations: %w", err)
	}
	return nil
}

// Delete removes a conversation and its messages from the cache.
// Deleting an uncached conversation is not an error.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// =============================================================================
// READING
// =============================================================================

// Entry summarizes a cached conversation
type Entry struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// Conversations lists cached conversations for a scope, most recent first.
func (s *Store) Conversations(ctx context.Context, scope string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.scope = ?
		ORDER BY c.updated_at DESC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created, updated int64
		if err := rows.Scan(&e.ID, &e.Title, &created, &updated, &e.MessageCount); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		e.CreatedAt = time.UnixMilli(created)
		e.UpdatedAt = time.UnixMilli(updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transcript rebuilds a cached conversation as a settled transcript.
// Returns ErrNotFound when the conversation is not in the cache.
func (s *Store) Transcript(ctx context.Context, conversationID string) (*model.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var title string
	var created int64
	err := s.db.QueryRowContext(ctx,
		"SELECT title, created_at FROM conversations WHERE id = ?", conversationID,
	).Scan(&title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, interrupted, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY position
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	t := model.NewTranscript()
	t.ConversationID = conversationID
	t.Title = title
	t.CreatedAt = time.UnixMilli(created)
	for rows.Next() {
		var id, role, content string
		var interrupted int
		var ts int64
		if err := rows.Scan(&id, &role, &content, &interrupted, &ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		msg := &model.Message{
			ID:          id,
			Role:        model.Role(role),
			Content:     content,
			Interrupted: interrupted != 0,
			Timestamp:   time.UnixMilli(ts),
		}
		t.Restore(msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// =============================================================================
// SEARCH
// =============================================================================

// SearchResult is a message matching a search query
type SearchResult struct {
	ConversationID string
	Title          string
	MessageID      string
	Role           model.Role
	Snippet        string
}

const snippetRunes = 120

// Search finds cached messages containing the query, case-insensitively.
// UNICODE: Matching uses full case folding, so "STRASSE" matches "straße".
func (s *Store) Search(ctx context.Context, scope, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	folded := s.folder.String(query)
	pattern := "%" + escapeLike(folded) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, c.title, m.id, m.role, m.content
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.scope = ? AND m.content_folded LIKE ? ESCAPE '\'
		ORDER BY c.updated_at DESC, m.position
	`, scope, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var role, content string
		if err := rows.Scan(&r.ConversationID, &r.Title, &r.MessageID, &role, &content); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		r.Role = model.Role(role)
		r.Snippet = snippet(content, snippetRunes)
		results = append(results, r)
	}
	return results, rows.Err()
}

// escapeLike escapes SQL LIKE metacharacters in user input.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func snippet(content string, maxRunes int) string {
	content = strings.Join(strings.Fields(content), " ")
	if util.RuneLen(content) <= maxRunes {
		return content
	}
	return util.TruncateRunesNoEllipsis(content, maxRunes) + "..."
}
