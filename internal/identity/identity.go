// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity persists who this installation is to the backend.
//
// Identity is scoped: each embed key gets its own anonymous session id,
// and the account surface keeps its credential separately. Scopes are
// directories under the base dir (~/.ragchat by default), so clearing one
// site's identity never touches another's.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morganforge/ragchat/internal/util"
)

const (
	// AccountScope is the scope directory for the authenticated surface.
	AccountScope = "account"

	// sessionFile holds the anonymous session identity inside a scope dir.
	sessionFile = "session.json"

	// conversationFile holds the scope's last active conversation id, so
	// a relaunch lands back in the same conversation.
	conversationFile = "conversation"
)

// ErrNoIdentity indicates the scope has no persisted identity yet.
var ErrNoIdentity = errors.New("no identity stored")

// WidgetScope derives the scope directory name for an embed key. The key
// itself never appears on disk; only a short fingerprint does.
func WidgetScope(embedKey string) string {
	h := sha256.Sum256([]byte(embedKey))
	return "widget-" + hex.EncodeToString(h[:4])
}

// DefaultBaseDir returns ~/.ragchat.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".ragchat"), nil
}

// =============================================================================
// STORE
// =============================================================================

// Store reads and writes the identity of one scope.
//
// RELIABILITY: every read-then-write sequence (session minting, key
// minting, credential and pointer updates) holds mu, so concurrent
// callers within one process always observe a single identity.
type Store struct {
	baseDir string
	scope   string

	mu sync.Mutex
}

// NewStore creates a store for one scope under baseDir.
// An empty baseDir selects DefaultBaseDir.
func NewStore(baseDir, scope string) (*Store, error) {
	if baseDir == "" {
		var err error
		baseDir, err = DefaultBaseDir()
		if err != nil {
			return nil, err
		}
	}
	return &Store{baseDir: baseDir, scope: scope}, nil
}

// Dir returns the scope directory.
func (s *Store) Dir() string {
	return filepath.Join(s.baseDir, s.scope)
}

// Scope returns the scope name.
func (s *Store) Scope() string {
	return s.scope
}

// sessionRecord is the on-disk shape of the anonymous session identity.
type sessionRecord struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EnsureSessionID returns the scope's session id, generating and persisting
// a fresh UUID v4 on first use. A corrupt or invalid session file is
// replaced rather than failing the launch; the cost of a lost session is
// one empty conversation history on the server.
func (s *Store) EnsureSessionID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.Dir(), sessionFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var rec sessionRecord
		if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil {
			if _, parseErr := uuid.Parse(rec.SessionID); parseErr == nil {
				return rec.SessionID, nil
			}
		}
		// fall through and regenerate
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read session file: %w", err)
	}

	rec := sessionRecord{
		SessionID: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	// SECURITY: identity files are private to the user
	if err := util.AtomicWriteFileWithDir(path, out, 0600, 0700); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}
	return rec.SessionID, nil
}

// ResetSession discards the persisted session id. The next EnsureSessionID
// call mints a new one.
func (s *Store) ResetSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.Dir(), sessionFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// =============================================================================
// CONVERSATION POINTER
// =============================================================================

// LastConversationID returns the scope's last active conversation id.
// Returns ErrNoIdentity when none is stored.
func (s *Store) LastConversationID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.Dir(), conversationFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoIdentity
		}
		return "", fmt.Errorf("failed to read conversation pointer: %w", err)
	}
	id := string(data)
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// SetLastConversationID persists the scope's active conversation id.
func (s *Store) SetLastConversationID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.Dir(), conversationFile)
	if err := util.AtomicWriteFileWithDir(path, []byte(id), 0600, 0700); err != nil {
		return fmt.Errorf("failed to persist conversation pointer: %w", err)
	}
	return nil
}

// ClearLastConversation forgets the active conversation. The next launch
// starts fresh.
func (s *Store) ClearLastConversation() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.Dir(), conversationFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove conversation pointer: %w", err)
	}
	return nil
}
