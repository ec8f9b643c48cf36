// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session drives conversation turns against the backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/morganforge/ragchat/internal/api"
	"github.com/morganforge/ragchat/internal/identity"
	"github.com/morganforge/ragchat/internal/model"
	"github.com/morganforge/ragchat/internal/stream"
)

// ErrEmptyMessage indicates a send with no content after trimming.
var ErrEmptyMessage = errors.New("message is empty")

// =============================================================================
// CONFIG
// =============================================================================

// Config holds configuration for the session manager.
type Config struct {
	// PacingRate is a local advisory send rate. When exceeded the manager
	// warns through OnPacingWarning but still sends; the server's 429 is
	// the real authority. Zero disables local pacing.
	PacingRate rate.Limit

	// PacingBurst is the burst allowance for local pacing.
	PacingBurst int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		PacingRate:  0, // disabled
		PacingBurst: 1,
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns one transcript and runs its turns: conversation creation,
// message send, reply streaming, and failure classification.
//
// All methods are safe for concurrent use. Turn mutation is serialized by
// the transcript's own state machine: a second Send while one is in flight
// fails with model.ErrTurnActive instead of queueing.
type Manager struct {
	mu         sync.Mutex
	client     *api.Client
	ids        *identity.Store
	transcript *model.Transcript

	conversationID string
	creating       chan struct{} // non-nil while a create is in flight

	limiter *rate.Limiter

	// Callbacks fire on the goroutine running the turn.
	onFragment      func(fragment string)
	onStateChange   func(state model.TurnState)
	onAuthExpired   func()
	onPacingWarning func()
}

// NewManager creates a manager over one client and identity scope.
func NewManager(client *api.Client, ids *identity.Store, cfg Config) *Manager {
	m := &Manager{
		client:     client,
		ids:        ids,
		transcript: model.NewTranscript(),
	}
	if cfg.PacingRate > 0 {
		m.limiter = rate.NewLimiter(cfg.PacingRate, cfg.PacingBurst)
	}
	return m
}

// SetOnFragment installs the per-fragment callback.
func (m *Manager) SetOnFragment(fn func(fragment string)) {
	m.mu.Lock()
	m.onFragment = fn
	m.mu.Unlock()
}

// SetOnStateChange installs the turn-state callback.
func (m *Manager) SetOnStateChange(fn func(state model.TurnState)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// SetOnAuthExpired installs the credential-expiry callback. By the time it
// fires the stored credential is already discarded.
func (m *Manager) SetOnAuthExpired(fn func()) {
	m.mu.Lock()
	m.onAuthExpired = fn
	m.mu.Unlock()
}

// SetOnPacingWarning installs the local pacing callback.
func (m *Manager) SetOnPacingWarning(fn func()) {
	m.mu.Lock()
	m.onPacingWarning = fn
	m.mu.Unlock()
}

// =============================================================================
// STATE ACCESS
// =============================================================================

// State returns the transcript's turn state.
func (m *Manager) State() model.TurnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript.State()
}

// CanSend reports whether a new turn may be started.
func (m *Manager) CanSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript.CanSend()
}

// ConversationID returns the server conversation id ("" before creation).
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// Messages returns a snapshot of the transcript's messages. Values are
// copied field by field while the lock is held, so callers can read them
// on another goroutine while a turn mutates the originals.
func (m *Manager) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Message, len(m.transcript.Messages))
	for i, msg := range m.transcript.Messages {
		out[i] = model.Message{
			ID:            msg.ID,
			Role:          msg.Role,
			Timestamp:     msg.Timestamp,
			Content:       msg.GetDisplayContent(),
			Interrupted:   msg.Interrupted,
			IsStreaming:   msg.IsStreaming,
			TTFT:          msg.TTFT,
			TotalDuration: msg.TotalDuration,
			FragmentCount: msg.FragmentCount,
		}
	}
	return out
}

// Title returns the transcript title.
func (m *Manager) Title() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript.Title
}

// Transcript returns the live transcript. Callers must only read it while
// no turn is in flight, for example to cache it after a turn settles.
func (m *Manager) Transcript() *model.Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript
}

// Adopt installs a previously built transcript, typically replayed from
// the local cache. The transcript must be settled (no turn in flight).
func (m *Manager) Adopt(tr *model.Transcript) {
	m.mu.Lock()
	m.transcript = tr
	m.conversationID = tr.ConversationID
	m.mu.Unlock()
	if tr.ConversationID != "" {
		m.rememberConversation(tr.ConversationID)
	}
	m.notifyState()
}

// =============================================================================
// CONVERSATION LIFECYCLE
// =============================================================================

// EnsureConversation returns the conversation id, creating the conversation
// on first use. Concurrent callers share one in-flight create request; the
// backend never sees duplicate creates from one session.
func (m *Manager) EnsureConversation(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		if m.conversationID != "" {
			id := m.conversationID
			m.mu.Unlock()
			return id, nil
		}
		if m.creating != nil {
			ch := m.creating
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-ch:
				// The creator finished; loop to pick up the result. If it
				// failed, this caller becomes the next creator.
				continue
			}
		}
		ch := make(chan struct{})
		m.creating = ch
		m.mu.Unlock()

		conv, err := m.client.CreateConversation(ctx)

		m.mu.Lock()
		if err == nil {
			m.conversationID = conv.ID
			m.transcript.ConversationID = conv.ID
		}
		m.creating = nil
		close(ch)
		m.mu.Unlock()

		if err != nil {
			return "", err
		}
		m.rememberConversation(conv.ID)
		return conv.ID, nil
	}
}

// Resume attaches the manager to an existing conversation and loads its
// stored messages into a fresh transcript. The account surface also picks
// up the server-side title; the widget only has the messages endpoint.
func (m *Manager) Resume(ctx context.Context, conversationID string) error {
	var msgs []api.WireMessage
	var title string
	if m.client.Mode() == api.ModeAccount {
		detail, err := m.client.GetConversation(ctx, conversationID)
		if err != nil {
			return m.classify(err)
		}
		msgs = detail.Messages
		title = detail.Title
	} else {
		var err error
		msgs, err = m.client.ConversationMessages(ctx, conversationID)
		if err != nil {
			return m.classify(err)
		}
	}

	tr := model.NewTranscript()
	tr.ConversationID = conversationID
	for _, wm := range msgs {
		msg := &model.Message{
			ID:        wm.ID,
			Role:      model.Role(wm.Role),
			Content:   wm.Content,
			Timestamp: wm.CreatedAt,
		}
		tr.Restore(msg)
	}
	if title != "" {
		tr.Title = title
	}

	m.mu.Lock()
	m.transcript = tr
	m.conversationID = conversationID
	m.mu.Unlock()
	m.rememberConversation(conversationID)
	m.notifyState()
	return nil
}

// rememberConversation persists the active conversation pointer so the
// next launch resumes it. Losing the pointer only costs a fresh start,
// so failures are swallowed.
func (m *Manager) rememberConversation(id string) {
	if m.ids != nil {
		_ = m.ids.SetLastConversationID(id)
	}
}

// =============================================================================
// SENDING
// =============================================================================

// Send runs one full turn: append the user message, ensure the conversation
// exists, stream the reply, and settle or fail the turn. It blocks until
// the turn finishes and returns the turn's error, already classified.
//
// Send never retries. A failed turn leaves the transcript sendable again
// (except after a rate limit, which is sticky); retrying is the user's call.
func (m *Manager) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	_, err := m.transcript.BeginTurn(content)
	limiter, onPacing := m.limiter, m.onPacingWarning
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notifyState()

	if limiter != nil && !limiter.Allow() && onPacing != nil {
		// Advisory only; the send proceeds and the server stays the
		// authority on real limits.
		onPacing()
	}

	conversationID, err := m.EnsureConversation(ctx)
	if err != nil {
		return m.failTurn(err)
	}

	rs, err := m.client.StreamMessage(ctx, conversationID, content)
	if err != nil {
		return m.failTurn(err)
	}
	defer rs.Close()

	stats := model.NewStatistics()
	err = rs.Process(ctx, func(fragment string) error {
		m.mu.Lock()
		first := m.transcript.State() == model.TurnAwaitingReply
		_, appendErr := m.transcript.AppendFragment(fragment)
		onFragment := m.onFragment
		m.mu.Unlock()
		if appendErr != nil {
			return appendErr
		}
		if first {
			stats.RecordFirstFragment()
			m.notifyState()
		}
		if onFragment != nil {
			onFragment(fragment)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, stream.ErrTruncated) {
			err = fmt.Errorf("%w: %v", api.ErrStreamInterrupted, err)
		}
		return m.failTurn(err)
	}

	stats.Finalize(rs.Fragments())
	m.mu.Lock()
	m.transcript.CompleteTurn(stats)
	m.mu.Unlock()
	m.notifyState()
	return nil
}

// failTurn settles a failed turn according to the error category and
// returns the classified error.
func (m *Manager) failTurn(err error) error {
	err = m.classify(err)

	m.mu.Lock()
	if errors.Is(err, api.ErrRateLimited) {
		m.transcript.MarkRateLimited()
	} else {
		m.transcript.FailTurn()
	}
	m.mu.Unlock()
	m.notifyState()
	return err
}

// classify handles the cross-cutting consequences of an error. An expired
// credential is discarded immediately so a restart cannot reuse it.
func (m *Manager) classify(err error) error {
	if errors.Is(err, api.ErrAuthExpired) {
		m.client.ClearToken()
		if m.ids != nil {
			m.ids.ClearToken()
		}
		m.mu.Lock()
		onExpired := m.onAuthExpired
		m.mu.Unlock()
		if onExpired != nil {
			onExpired()
		}
	}
	return err
}

func (m *Manager) notifyState() {
	m.mu.Lock()
	fn := m.onStateChange
	state := m.transcript.State()
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}
