// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"testing"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewUserMessage(t *testing.T) {
	msg := NewUserMessage("hello")

	if msg.Role != RoleUser {
		t.Errorf("Role = %v, want %v", msg.Role, RoleUser)
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello")
	}
	if msg.IsStreaming {
		t.Error("user message should not be streaming")
	}
	if !strings.HasPrefix(msg.ID, "msg_") {
		t.Errorf("ID = %q, want msg_ prefix", msg.ID)
	}
}

func TestMessage_StreamingLifecycle(t *testing.T) {
	msg := NewAssistantMessage()

	if !msg.IsStreaming {
		t.Fatal("assistant placeholder should start streaming")
	}

	msg.AppendFragment("Hello")
	msg.AppendFragment(", ")
	msg.AppendFragment("world")

	if got := msg.GetDisplayContent(); got != "Hello, world" {
		t.Errorf("display content = %q, want %q", got, "Hello, world")
	}
	if msg.Content != "" {
		t.Errorf("Content should be empty during streaming, got %q", msg.Content)
	}

	msg.FinalizeStream(nil)

	if msg.IsStreaming {
		t.Error("message still streaming after finalize")
	}
	if msg.Content != "Hello, world" {
		t.Errorf("Content = %q, want %q", msg.Content, "Hello, world")
	}
	if msg.FragmentCount != 3 {
		t.Errorf("FragmentCount = %d, want 3", msg.FragmentCount)
	}
}

func TestMessage_AppendAfterFinalizeIgnored(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendFragment("done")
	msg.FinalizeStream(nil)
	msg.AppendFragment("late")

	if msg.Content != "done" {
		t.Errorf("Content = %q, want %q", msg.Content, "done")
	}
}

func TestMessage_MarkInterrupted(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendFragment("partial answ")
	msg.MarkInterrupted()

	if msg.IsStreaming {
		t.Error("interrupted message should not be streaming")
	}
	if !msg.Interrupted {
		t.Error("Interrupted flag not set")
	}
	if msg.Content != "partial answ" {
		t.Errorf("partial content lost: got %q", msg.Content)
	}
}

func TestMessage_Preview(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		maxLen  int
		want    string
	}{
		{"short", "hi", 10, "hi"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 8, "hello..."},
		{"unicode", "日本語のテキストです", 5, "日本..."},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := NewUserMessage(tc.content)
			if got := msg.Preview(tc.maxLen); got != tc.want {
				t.Errorf("Preview(%d) = %q, want %q", tc.maxLen, got, tc.want)
			}
		})
	}
}

func TestRole_DisplayName(t *testing.T) {
	if got := RoleUser.DisplayName(); got != "You" {
		t.Errorf("RoleUser.DisplayName() = %q", got)
	}
	if got := RoleAssistant.DisplayName(); got != "Assistant" {
		t.Errorf("RoleAssistant.DisplayName() = %q", got)
	}
}

// =============================================================================
// TURN STATE MACHINE TESTS
// =============================================================================

func TestTranscript_HappyPath(t *testing.T) {
	tr := NewTranscript()

	if tr.State() != TurnIdle {
		t.Fatalf("initial state = %v, want idle", tr.State())
	}

	userMsg, err := tr.BeginTurn("what is rag?")
	if err != nil {
		t.Fatalf("BeginTurn failed: %v", err)
	}
	if userMsg.Role != RoleUser {
		t.Errorf("BeginTurn message role = %v", userMsg.Role)
	}
	if tr.State() != TurnAwaitingReply {
		t.Errorf("state after BeginTurn = %v, want awaiting_reply", tr.State())
	}
	// User message visible immediately, before any reply arrives.
	if tr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tr.Len())
	}

	if _, err := tr.AppendFragment("Retrieval"); err != nil {
		t.Fatalf("AppendFragment failed: %v", err)
	}
	if tr.State() != TurnStreaming {
		t.Errorf("state after first fragment = %v, want streaming", tr.State())
	}
	// Placeholder created lazily on first fragment.
	if tr.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tr.Len())
	}

	tr.AppendFragment(" augmented generation.")

	if err := tr.CompleteTurn(nil); err != nil {
		t.Fatalf("CompleteTurn failed: %v", err)
	}
	if tr.State() != TurnSettled {
		t.Errorf("state after complete = %v, want settled", tr.State())
	}

	reply := tr.GetLastAssistantMessage()
	if reply == nil {
		t.Fatal("no assistant message after settled turn")
	}
	if reply.Content != "Retrieval augmented generation." {
		t.Errorf("reply content = %q", reply.Content)
	}
	if reply.IsStreaming {
		t.Error("reply still marked streaming after settle")
	}
	if !tr.CanSend() {
		t.Error("settled transcript should accept another turn")
	}
}

func TestTranscript_EmptyReplySettlesWithoutPlaceholder(t *testing.T) {
	tr := NewTranscript()
	tr.BeginTurn("hello?")

	if err := tr.CompleteTurn(nil); err != nil {
		t.Fatalf("CompleteTurn failed: %v", err)
	}
	if tr.State() != TurnSettled {
		t.Errorf("state = %v, want settled", tr.State())
	}
	// No fragments arrived, so no empty assistant message was created.
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1 (user message only)", tr.Len())
	}
}

func TestTranscript_SecondSendBlockedWhileStreaming(t *testing.T) {
	tr := NewTranscript()
	tr.BeginTurn("first")
	tr.AppendFragment("reply...")

	if tr.CanSend() {
		t.Error("CanSend true while streaming")
	}
	if _, err := tr.BeginTurn("second"); err != ErrTurnActive {
		t.Errorf("BeginTurn error = %v, want ErrTurnActive", err)
	}
	// The blocked send must not have appended anything.
	if tr.Len() != 2 {
		t.Errorf("Len = %d, want 2", tr.Len())
	}
}

func TestTranscript_FailTurnKeepsPartialContent(t *testing.T) {
	tr := NewTranscript()
	tr.BeginTurn("explain quantum")
	tr.AppendFragment("Quantum mechanics descri")

	if err := tr.FailTurn(); err != nil {
		t.Fatalf("FailTurn failed: %v", err)
	}
	if tr.State() != TurnErrored {
		t.Errorf("state = %v, want errored", tr.State())
	}

	reply := tr.GetLastAssistantMessage()
	if reply == nil {
		t.Fatal("partial reply discarded")
	}
	if !reply.Interrupted {
		t.Error("partial reply not marked interrupted")
	}
	if reply.Content != "Quantum mechanics descri" {
		t.Errorf("partial content = %q", reply.Content)
	}
	if !tr.CanSend() {
		t.Error("errored transcript should accept a retry turn")
	}
}

func TestTranscript_FailBeforeFirstFragment(t *testing.T) {
	tr := NewTranscript()
	tr.BeginTurn("hello")

	if err := tr.FailTurn(); err != nil {
		t.Fatalf("FailTurn failed: %v", err)
	}
	// No placeholder was created, so the transcript has only the user message.
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
	if tr.State() != TurnErrored {
		t.Errorf("state = %v, want errored", tr.State())
	}
}

func TestTranscript_RateLimitedIsSticky(t *testing.T) {
	tr := NewTranscript()
	tr.BeginTurn("spam")
	tr.MarkRateLimited()

	if tr.State() != TurnRateLimited {
		t.Fatalf("state = %v, want rate_limited", tr.State())
	}
	if tr.CanSend() {
		t.Error("CanSend true after rate limit")
	}
	if _, err := tr.BeginTurn("again"); err != ErrRateLimited {
		t.Errorf("BeginTurn error = %v, want ErrRateLimited", err)
	}

	// Stream events after the limit are rejected too.
	if _, err := tr.AppendFragment("late"); err != ErrNoActiveTurn {
		t.Errorf("AppendFragment error = %v, want ErrNoActiveTurn", err)
	}
	if err := tr.CompleteTurn(nil); err != ErrNoActiveTurn {
		t.Errorf("CompleteTurn error = %v, want ErrNoActiveTurn", err)
	}
}

func TestTranscript_RateLimitKeepsPartialReply(t *testing.T) {
	tr := NewTranscript()
	tr.BeginTurn("question")
	tr.AppendFragment("partial")
	tr.MarkRateLimited()

	reply := tr.GetLastAssistantMessage()
	if reply == nil || reply.Content != "partial" {
		t.Fatal("partial reply lost on rate limit")
	}
	if !reply.Interrupted {
		t.Error("reply not marked interrupted")
	}
}

func TestTranscript_FragmentWithoutTurn(t *testing.T) {
	tr := NewTranscript()
	if _, err := tr.AppendFragment("stray"); err != ErrNoActiveTurn {
		t.Errorf("AppendFragment error = %v, want ErrNoActiveTurn", err)
	}
	if tr.Len() != 0 {
		t.Errorf("stray fragment appended a message")
	}
}

func TestTranscript_TitleFromFirstUserMessage(t *testing.T) {
	tr := NewTranscript()
	tr.BeginTurn("How do I configure the widget embed key for my site?")

	if tr.Title == "" {
		t.Fatal("title not derived from first message")
	}
	if len([]rune(tr.Title)) > 50 {
		t.Errorf("title too long: %q", tr.Title)
	}
}

func TestTranscript_PruneOldMessages(t *testing.T) {
	tr := NewTranscript()
	for i := 0; i < MaxMessages+10; i++ {
		tr.Messages = append(tr.Messages, NewUserMessage("m"))
	}
	tr.pruneOldMessages()

	if len(tr.Messages) != MaxMessages {
		t.Errorf("len = %d, want %d", len(tr.Messages), MaxMessages)
	}
}

func TestTurnState_String(t *testing.T) {
	testCases := []struct {
		state TurnState
		want  string
	}{
		{TurnIdle, "idle"},
		{TurnAwaitingReply, "awaiting_reply"},
		{TurnStreaming, "streaming"},
		{TurnSettled, "settled"},
		{TurnRateLimited, "rate_limited"},
		{TurnErrored, "errored"},
	}

	for _, tc := range testCases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
