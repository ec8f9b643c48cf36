// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for transcripts and messages.
package model

import (
	"errors"
	"time"
)

// MaxMessages is the maximum number of messages to keep in a transcript.
// When exceeded, old messages are pruned to prevent unbounded memory growth.
const MaxMessages = 1000

// =============================================================================
// TURN STATE
// =============================================================================

// TurnState tracks where the transcript is in the request/reply cycle.
//
// The cycle is: idle -> awaitingReply -> streaming -> one of
// {settled, rateLimited, errored}. Settled and errored transcripts accept
// another turn; rateLimited is terminal and refuses all further sends.
type TurnState int

const (
	// TurnIdle means no turn is in flight.
	TurnIdle TurnState = iota
	// TurnAwaitingReply means the user message is appended and the reply
	// stream has not produced a fragment yet.
	TurnAwaitingReply
	// TurnStreaming means at least one reply fragment has arrived.
	TurnStreaming
	// TurnSettled means the reply completed normally.
	TurnSettled
	// TurnRateLimited means the server rejected a turn with a rate limit.
	// This state is sticky: the transcript never leaves it.
	TurnRateLimited
	// TurnErrored means the turn failed; a new turn may still be started.
	TurnErrored
)

// String returns the state name for logs and status lines.
func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnAwaitingReply:
		return "awaiting_reply"
	case TurnStreaming:
		return "streaming"
	case TurnSettled:
		return "settled"
	case TurnRateLimited:
		return "rate_limited"
	case TurnErrored:
		return "errored"
	default:
		return "unknown"
	}
}

var (
	// ErrTurnActive indicates a send was attempted while a turn is in flight.
	ErrTurnActive = errors.New("a turn is already in progress")
	// ErrRateLimited indicates the transcript is rate limited and refuses sends.
	ErrRateLimited = errors.New("rate limited: sending is disabled")
	// ErrNoActiveTurn indicates a stream event arrived with no turn in flight.
	ErrNoActiveTurn = errors.New("no turn in progress")
)

// =============================================================================
// TRANSCRIPT TYPE
// =============================================================================

// Transcript holds the ordered messages of one conversation plus the turn
// state machine that gates sending.
//
// Transcript is not goroutine safe; the session manager serializes access.
type Transcript struct {
	// ConversationID is the server-assigned conversation identifier.
	// Empty until the first turn creates the conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []*Message `json:"messages"`

	state TurnState
	reply *Message // streaming assistant placeholder, nil until first fragment
}

// NewTranscript creates an empty transcript in the idle state.
func NewTranscript() *Transcript {
	return &Transcript{
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Messages:  make([]*Message, 0),
	}
}

// Restore appends a previously settled message without starting a turn,
// filling the title from the first user message. Used when rebuilding a
// transcript from the server or the local cache.
func (t *Transcript) Restore(msg *Message) {
	t.Messages = append(t.Messages, msg)
	if t.Title == "" && msg.Role == RoleUser {
		t.Title = msg.Preview(50)
	}
}

// State returns the current turn state.
func (t *Transcript) State() TurnState {
	return t.state
}

// CanSend reports whether a new turn may be started.
func (t *Transcript) CanSend() bool {
	switch t.state {
	case TurnIdle, TurnSettled, TurnErrored:
		return true
	default:
		return false
	}
}

// =============================================================================
// TURN LIFECYCLE
// =============================================================================

// BeginTurn appends the user message optimistically and moves to
// awaitingReply. The message is appended before any network activity so the
// user sees their words immediately; it stays in the transcript even if the
// turn later fails.
func (t *Transcript) BeginTurn(content string) (*Message, error) {
	if t.state == TurnRateLimited {
		return nil, ErrRateLimited
	}
	if !t.CanSend() {
		return nil, ErrTurnActive
	}

	msg := NewUserMessage(content)
	t.append(msg)
	t.state = TurnAwaitingReply
	t.reply = nil
	return msg, nil
}

// AppendFragment delivers one reply fragment. The assistant placeholder is
// created lazily on the first fragment, so an errored turn that never
// produced output leaves no empty assistant message behind.
func (t *Transcript) AppendFragment(fragment string) (*Message, error) {
	switch t.state {
	case TurnAwaitingReply:
		t.reply = NewAssistantMessage()
		t.append(t.reply)
		t.state = TurnStreaming
	case TurnStreaming:
		// placeholder already exists
	default:
		return nil, ErrNoActiveTurn
	}

	t.reply.AppendFragment(fragment)
	t.UpdatedAt = time.Now()
	return t.reply, nil
}

// CompleteTurn finalizes the streaming reply and settles the turn.
// A turn that completed without any fragments settles with no assistant
// message; that is a valid empty reply.
func (t *Transcript) CompleteTurn(stats *Statistics) error {
	switch t.state {
	case TurnAwaitingReply, TurnStreaming:
	default:
		return ErrNoActiveTurn
	}

	if t.reply != nil {
		t.reply.FinalizeStream(stats)
	}
	t.reply = nil
	t.state = TurnSettled
	t.UpdatedAt = time.Now()
	return nil
}

// FailTurn records a failed turn. Partial reply content is kept and marked
// interrupted rather than discarded.
func (t *Transcript) FailTurn() error {
	switch t.state {
	case TurnAwaitingReply, TurnStreaming:
	default:
		return ErrNoActiveTurn
	}

	if t.reply != nil {
		t.reply.MarkInterrupted()
	}
	t.reply = nil
	t.state = TurnErrored
	t.UpdatedAt = time.Now()
	return nil
}

// MarkRateLimited moves the transcript to the sticky rate-limited state.
// Any in-flight reply is kept and marked interrupted.
func (t *Transcript) MarkRateLimited() {
	if t.reply != nil {
		t.reply.MarkInterrupted()
		t.reply = nil
	}
	t.state = TurnRateLimited
	t.UpdatedAt = time.Now()
}

// =============================================================================
// MESSAGE ACCESS
// =============================================================================

// GetLastMessage returns the most recent message, or nil if empty.
func (t *Transcript) GetLastMessage() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return t.Messages[len(t.Messages)-1]
}

// GetLastAssistantMessage returns the most recent assistant message.
func (t *Transcript) GetLastAssistantMessage() *Message {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleAssistant {
			return t.Messages[i]
		}
	}
	return nil
}

// GetMessageByID returns a message by its ID, or nil.
func (t *Transcript) GetMessageByID(id string) *Message {
	for _, msg := range t.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// Len returns the number of messages in the transcript.
func (t *Transcript) Len() int {
	return len(t.Messages)
}

func (t *Transcript) append(msg *Message) {
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = time.Now()
	if t.Title == "" && msg.Role == RoleUser {
		t.Title = msg.Preview(50)
	}
	t.pruneOldMessages()
}

// pruneOldMessages drops the oldest messages beyond MaxMessages.
func (t *Transcript) pruneOldMessages() {
	if len(t.Messages) <= MaxMessages {
		return
	}
	excess := len(t.Messages) - MaxMessages
	t.Messages = append([]*Message(nil), t.Messages[excess:]...)
}
