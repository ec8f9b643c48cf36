// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morganforge/ragchat/internal/api"
	"github.com/morganforge/ragchat/internal/identity"
	"github.com/morganforge/ragchat/internal/model"
)

// backendOptions configures the fake backend for one test.
type backendOptions struct {
	createStatus  int    // 0 means 200
	streamStatus  int    // 0 means stream normally
	errorBody     string // body for non-2xx responses
	words         []string
	truncateAfter int // >0: drop connection after N fragments, no [DONE]
}

// newBackend runs a minimal widget-surface backend and counts creates.
func newBackend(t *testing.T, opts backendOptions) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var creates atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/widget/conversations", func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		if opts.createStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(opts.createStatus)
			io.WriteString(w, opts.errorBody)
			return
		}
		// Simulate server latency so concurrent callers overlap.
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"conv-123"}`)
	})
	mux.HandleFunc("/api/widget/conversations/conv-123/messages", func(w http.ResponseWriter, r *http.Request) {
		if opts.streamStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(opts.streamStatus)
			io.WriteString(w, opts.errorBody)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i, word := range opts.words {
			if opts.truncateAfter > 0 && i == opts.truncateAfter {
				return // connection closes without [DONE]
			}
			io.WriteString(w, "data: "+word+"\n")
			flusher.Flush()
		}
		io.WriteString(w, "data: [DONE]\n")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &creates
}

func newTestManager(t *testing.T, server *httptest.Server) *Manager {
	t.Helper()
	client := api.NewWidgetClient(server.URL, "ek_test", "session-1")
	ids, err := identity.NewStore(t.TempDir(), identity.WidgetScope("ek_test"))
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(client, ids, DefaultConfig())
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestSend_HappyPath(t *testing.T) {
	server, creates := newBackend(t, backendOptions{words: []string{"Refunds ", "take ", "5 days."}})
	mgr := newTestManager(t, server)

	var fragments []string
	var states []model.TurnState
	mgr.SetOnFragment(func(f string) { fragments = append(fragments, f) })
	mgr.SetOnStateChange(func(s model.TurnState) { states = append(states, s) })

	if err := mgr.Send(context.Background(), "How do refunds work?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if mgr.State() != model.TurnSettled {
		t.Errorf("state = %v, want settled", mgr.State())
	}
	if mgr.ConversationID() != "conv-123" {
		t.Errorf("conversation id = %q", mgr.ConversationID())
	}
	if creates.Load() != 1 {
		t.Errorf("creates = %d, want 1", creates.Load())
	}
	if len(fragments) != 3 {
		t.Errorf("fragments = %v", fragments)
	}

	msgs := mgr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].Content != "How do refunds work?" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != model.RoleAssistant || msgs[1].Content != "Refunds take 5 days." {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	// State progression includes awaiting, streaming, settled in order.
	joined := ""
	for _, s := range states {
		joined += s.String() + ","
	}
	if !strings.Contains(joined, "awaiting_reply,") ||
		!strings.Contains(joined, "streaming,") ||
		!strings.HasSuffix(joined, "settled,") {
		t.Errorf("state sequence = %v", states)
	}
}

func TestSend_SecondTurnReusesConversation(t *testing.T) {
	server, creates := newBackend(t, backendOptions{words: []string{"ok"}})
	mgr := newTestManager(t, server)

	if err := mgr.Send(context.Background(), "one"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Send(context.Background(), "two"); err != nil {
		t.Fatal(err)
	}
	if creates.Load() != 1 {
		t.Errorf("creates = %d, want 1 (conversation reused)", creates.Load())
	}
	if len(mgr.Messages()) != 4 {
		t.Errorf("messages = %d, want 4", len(mgr.Messages()))
	}
}

func TestSend_EmptyMessage(t *testing.T) {
	server, _ := newBackend(t, backendOptions{words: []string{"ok"}})
	mgr := newTestManager(t, server)

	if err := mgr.Send(context.Background(), "   \n "); err != ErrEmptyMessage {
		t.Errorf("Send = %v, want ErrEmptyMessage", err)
	}
	if len(mgr.Messages()) != 0 {
		t.Error("empty send appended a message")
	}
}

func TestMessages_SnapshotDuringStream(t *testing.T) {
	server, _ := newBackend(t, backendOptions{words: []string{"one ", "two ", "three"}})
	mgr := newTestManager(t, server)

	// Snapshot the transcript from the fragment callback, the way the UI
	// polls it while the stream goroutine is still appending.
	var sawStreaming bool
	var partial string
	mgr.SetOnFragment(func(string) {
		msgs := mgr.Messages()
		last := msgs[len(msgs)-1]
		if last.IsStreaming {
			sawStreaming = true
			partial = last.Content
		}
	})

	if err := mgr.Send(context.Background(), "count"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if !sawStreaming {
		t.Fatal("snapshot never observed the in-flight reply")
	}
	if partial == "" || !strings.HasPrefix("one two three", partial) {
		t.Errorf("mid-stream snapshot content = %q", partial)
	}

	// The snapshot is detached; mutating it never touches the transcript.
	msgs := mgr.Messages()
	last := msgs[len(msgs)-1]
	if last.IsStreaming {
		t.Error("settled message still marked streaming")
	}
	if last.Content != "one two three" {
		t.Errorf("content = %q", last.Content)
	}
	msgs[len(msgs)-1].Content = "mutated"
	if got := mgr.Messages(); got[len(got)-1].Content != "one two three" {
		t.Error("snapshot mutation leaked into the transcript")
	}
}

// =============================================================================
// SINGLE-FLIGHT CONVERSATION CREATION
// =============================================================================

func TestEnsureConversation_SingleFlight(t *testing.T) {
	server, creates := newBackend(t, backendOptions{words: []string{"ok"}})
	mgr := newTestManager(t, server)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := mgr.EnsureConversation(context.Background())
			if err != nil {
				t.Errorf("EnsureConversation failed: %v", err)
				return
			}
			if id != "conv-123" {
				t.Errorf("id = %q", id)
			}
		}()
	}
	wg.Wait()

	if creates.Load() != 1 {
		t.Errorf("creates = %d, want 1", creates.Load())
	}
}

func TestEnsureConversation_RetryAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var creates atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/widget/conversations", func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"boom","status":500}`)
			return
		}
		io.WriteString(w, `{"id":"conv-123"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	mgr := newTestManager(t, server)

	if _, err := mgr.EnsureConversation(context.Background()); err == nil {
		t.Fatal("expected create failure")
	}

	fail.Store(false)
	id, err := mgr.EnsureConversation(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if id != "conv-123" {
		t.Errorf("id = %q", id)
	}
	if creates.Load() != 2 {
		t.Errorf("creates = %d, want 2", creates.Load())
	}
}

// =============================================================================
// FAILURE CLASSIFICATION
// =============================================================================

func TestSend_RateLimitedIsSticky(t *testing.T) {
	server, _ := newBackend(t, backendOptions{
		streamStatus: http.StatusTooManyRequests,
		errorBody:    `{"error":"rate limit exceeded","status":429}`,
	})
	mgr := newTestManager(t, server)

	err := mgr.Send(context.Background(), "hello")
	if !errors.Is(err, api.ErrRateLimited) {
		t.Fatalf("Send = %v, want ErrRateLimited", err)
	}
	if mgr.State() != model.TurnRateLimited {
		t.Errorf("state = %v, want rate_limited", mgr.State())
	}
	if mgr.CanSend() {
		t.Error("CanSend true after rate limit")
	}

	// The next send is refused locally, before any HTTP traffic.
	if err := mgr.Send(context.Background(), "again"); err != model.ErrRateLimited {
		t.Errorf("second Send = %v, want model.ErrRateLimited", err)
	}
}

func TestSend_StreamInterrupted(t *testing.T) {
	server, _ := newBackend(t, backendOptions{
		words:         []string{"The ", "answer ", "is ", "never sent"},
		truncateAfter: 2,
	})
	mgr := newTestManager(t, server)

	err := mgr.Send(context.Background(), "question")
	if !errors.Is(err, api.ErrStreamInterrupted) {
		t.Fatalf("Send = %v, want ErrStreamInterrupted", err)
	}
	if mgr.State() != model.TurnErrored {
		t.Errorf("state = %v, want errored", mgr.State())
	}

	// Partial content is kept and marked interrupted.
	msgs := mgr.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleAssistant || last.Content != "The answer " {
		t.Errorf("partial reply = %+v", last)
	}
	if !last.Interrupted {
		t.Error("partial reply not marked interrupted")
	}
	if !mgr.CanSend() {
		t.Error("errored transcript should allow a retry send")
	}
}

func TestSend_NetworkFailure(t *testing.T) {
	client := api.NewWidgetClient("http://127.0.0.1:0", "ek", "s")
	mgr := NewManager(client, nil, DefaultConfig())

	err := mgr.Send(context.Background(), "hello")
	if !errors.Is(err, api.ErrNetwork) {
		t.Fatalf("Send = %v, want ErrNetwork", err)
	}
	if mgr.State() != model.TurnErrored {
		t.Errorf("state = %v, want errored", mgr.State())
	}
	// The optimistic user message stays in the transcript.
	msgs := mgr.Messages()
	if len(msgs) != 1 || msgs[0].Role != model.RoleUser {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSend_AuthExpiredClearsCredential(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"token expired","status":401}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ids, err := identity.NewStore(t.TempDir(), identity.AccountScope)
	if err != nil {
		t.Fatal(err)
	}
	if err := ids.SaveToken("tok_stale"); err != nil {
		t.Fatal(err)
	}

	client := api.NewAccountClient(server.URL)
	client.SetToken("tok_stale")
	mgr := NewManager(client, ids, DefaultConfig())

	var expired atomic.Bool
	mgr.SetOnAuthExpired(func() { expired.Store(true) })

	sendErr := mgr.Send(context.Background(), "hello")
	if !errors.Is(sendErr, api.ErrAuthExpired) {
		t.Fatalf("Send = %v, want ErrAuthExpired", sendErr)
	}
	if !expired.Load() {
		t.Error("OnAuthExpired not fired")
	}
	if client.IsAuthenticated() {
		t.Error("client token not cleared")
	}
	if _, err := ids.LoadToken(); err != identity.ErrNoCredential {
		t.Errorf("stored credential = %v, want cleared", err)
	}
	if mgr.State() != model.TurnErrored {
		t.Errorf("state = %v, want errored", mgr.State())
	}
}

// =============================================================================
// RESUME
// =============================================================================

func TestResume_LoadsStoredMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/conv-9", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "conv-9",
			"title": "Greetings",
			"messages": [
				{"id":"m1","role":"user","content":"hi","created_at":"2026-08-01T10:00:00Z"},
				{"id":"m2","role":"assistant","content":"hello","created_at":"2026-08-01T10:00:05Z"}
			]
		}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := api.NewAccountClient(server.URL)
	client.SetToken("tok")
	mgr := NewManager(client, nil, DefaultConfig())

	if err := mgr.Resume(context.Background(), "conv-9"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if mgr.ConversationID() != "conv-9" {
		t.Errorf("conversation id = %q", mgr.ConversationID())
	}
	msgs := mgr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Content != "hi" || msgs[1].Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}
	if mgr.Title() != "Greetings" {
		t.Errorf("title = %q", mgr.Title())
	}
	if mgr.State() != model.TurnIdle {
		t.Errorf("state = %v, want idle", mgr.State())
	}
}

func TestResume_WidgetUsesMessagesEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/widget/conversations/conv-w/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"id":"m1","role":"user","content":"hola","created_at":"2026-08-01T10:00:00Z"}
		]`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := api.NewWidgetClient(server.URL, "ek_test", "session-1")
	mgr := NewManager(client, nil, DefaultConfig())

	if err := mgr.Resume(context.Background(), "conv-w"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got := mgr.Messages(); len(got) != 1 || got[0].Content != "hola" {
		t.Errorf("messages = %+v", got)
	}
	if mgr.Title() != "hola" {
		t.Errorf("title = %q", mgr.Title())
	}
}

// =============================================================================
// PACING
// =============================================================================

func TestSend_PacingWarnsButSends(t *testing.T) {
	server, _ := newBackend(t, backendOptions{words: []string{"ok"}})
	client := api.NewWidgetClient(server.URL, "ek_test", "session-1")
	// One send per minute: the second send immediately exceeds the budget.
	mgr := NewManager(client, nil, Config{PacingRate: 1.0 / 60.0, PacingBurst: 1})

	var warned atomic.Int32
	mgr.SetOnPacingWarning(func() { warned.Add(1) })

	if err := mgr.Send(context.Background(), "one"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Send(context.Background(), "two"); err != nil {
		t.Fatalf("paced send failed: %v (pacing must not block sends)", err)
	}
	if warned.Load() != 1 {
		t.Errorf("warnings = %d, want 1", warned.Load())
	}
}
