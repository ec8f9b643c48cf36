// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/morganforge/ragchat/internal/model"
)

func newTestStore(t *testing.T, maxConversations int) *Store {
	t.Helper()
	s, err := NewStore(&Config{
		DatabasePath:     filepath.Join(t.TempDir(), "history.db"),
		MaxConversations: maxConversations,
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTranscript(id string, pairs ...[2]string) *model.Transcript {
	tr := model.NewTranscript()
	tr.ConversationID = id
	for i, p := range pairs {
		tr.Restore(&model.Message{
			ID:        fmt.Sprintf("msg_%s_u%d", id, i),
			Role:      model.RoleUser,
			Content:   p[0],
			Timestamp: time.Now(),
		})
		tr.Restore(&model.Message{
			ID:        fmt.Sprintf("msg_%s_a%d", id, i),
			Role:      model.RoleAssistant,
			Content:   p[1],
			Timestamp: time.Now(),
		})
	}
	return tr
}

func TestSaveAndReplay(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	tr := testTranscript("conv_1", [2]string{"How do refunds work?", "Refunds take 5-7 days."})
	if err := s.SaveTranscript(ctx, "widget-abc", tr); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}

	got, err := s.Transcript(ctx, "conv_1")
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if got.ConversationID != "conv_1" {
		t.Errorf("ConversationID = %q", got.ConversationID)
	}
	if got.Title != tr.Title {
		t.Errorf("Title = %q, want %q", got.Title, tr.Title)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(got.Messages))
	}
	if got.Messages[0].Role != model.RoleUser || got.Messages[0].Content != "How do refunds work?" {
		t.Errorf("first message = %+v", got.Messages[0])
	}
	if got.Messages[1].Role != model.RoleAssistant {
		t.Errorf("second message role = %q", got.Messages[1].Role)
	}
	if got.State() != model.TurnIdle {
		t.Errorf("replayed transcript state = %v, want idle", got.State())
	}
	if !got.CanSend() {
		t.Error("replayed transcript should accept sends")
	}
}

func TestSaveIsUpsert(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	tr := testTranscript("conv_1", [2]string{"first question", "first answer"})
	if err := s.SaveTranscript(ctx, "account", tr); err != nil {
		t.Fatal(err)
	}

	tr.Restore(&model.Message{ID: "msg_x", Role: model.RoleUser, Content: "second question", Timestamp: time.Now()})
	tr.Restore(&model.Message{ID: "msg_y", Role: model.RoleAssistant, Content: "second answer", Timestamp: time.Now()})
	if err := s.SaveTranscript(ctx, "account", tr); err != nil {
		t.Fatal(err)
	}

	got, err := s.Transcript(ctx, "conv_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 4 {
		t.Errorf("len(Messages) = %d, want 4 (no duplicates)", len(got.Messages))
	}

	entries, err := s.Conversations(ctx, "account")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(entries))
	}
}

func TestInterruptedFlagSurvivesRoundTrip(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	tr := model.NewTranscript()
	tr.ConversationID = "conv_1"
	tr.Restore(&model.Message{ID: "msg_1", Role: model.RoleUser, Content: "hello", Timestamp: time.Now()})
	tr.Restore(&model.Message{ID: "msg_2", Role: model.RoleAssistant, Content: "partial rep", Interrupted: true, Timestamp: time.Now()})

	if err := s.SaveTranscript(ctx, "account", tr); err != nil {
		t.Fatal(err)
	}
	got, err := s.Transcript(ctx, "conv_1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Messages[1].Interrupted {
		t.Error("interrupted flag lost in round trip")
	}
}

func TestTranscriptNotFound(t *testing.T) {
	s := newTestStore(t, 10)
	_, err := s.Transcript(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestScopesIsolated(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "widget-abc", testTranscript("conv_w", [2]string{"widget q", "widget a"})); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTranscript(ctx, "account", testTranscript("conv_a", [2]string{"account q", "account a"})); err != nil {
		t.Fatal(err)
	}

	widget, err := s.Conversations(ctx, "widget-abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(widget) != 1 || widget[0].ID != "conv_w" {
		t.Errorf("widget scope = %+v", widget)
	}

	account, err := s.Conversations(ctx, "account")
	if err != nil {
		t.Fatal(err)
	}
	if len(account) != 1 || account[0].ID != "conv_a" {
		t.Errorf("account scope = %+v", account)
	}
}

func TestConversationsOrderAndCount(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("conv_%d", i)
		if err := s.SaveTranscript(ctx, "account", testTranscript(id, [2]string{"q " + id, "a " + id})); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := s.Conversations(ctx, "account")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].ID != "conv_3" {
		t.Errorf("most recent = %q, want conv_3", entries[0].ID)
	}
	if entries[0].MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", entries[0].MessageCount)
	}
}

func TestPruneKeepsMostRecent(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("conv_%d", i)
		if err := s.SaveTranscript(ctx, "account", testTranscript(id, [2]string{"q " + id, "a " + id})); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := s.Conversations(ctx, "account")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 after prune", len(entries))
	}
	for _, e := range entries {
		if e.ID == "conv_1" {
			t.Error("oldest conversation should have been pruned")
		}
	}

	// Pruned conversation's messages are gone too (cascade)
	if _, err := s.Transcript(ctx, "conv_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned transcript err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "account", testTranscript("conv_1", [2]string{"q", "a"})); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "conv_1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Transcript(ctx, "conv_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	// Deleting again is not an error
	if err := s.Delete(ctx, "conv_1"); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "account", testTranscript("conv_1",
		[2]string{"How do REFUNDS work?", "Refunds take 5-7 business days."},
		[2]string{"What about exchanges?", "Exchanges are free within 30 days."},
	)); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "account", "refunds")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (question + answer)", len(results))
	}
	for _, r := range results {
		if r.ConversationID != "conv_1" {
			t.Errorf("ConversationID = %q", r.ConversationID)
		}
		if !strings.Contains(strings.ToLower(r.Snippet), "refund") {
			t.Errorf("snippet %q does not contain match", r.Snippet)
		}
	}
}

func TestSearchCaseFolding(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "account", testTranscript("conv_1",
		[2]string{"Wie heißt die Straße?", "Die Straße heißt Hauptstraße."},
	)); err != nil {
		t.Fatal(err)
	}

	// Full case folding maps both ß and SS to "ss"
	results, err := s.Search(ctx, "account", "STRASSE")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Error("case-folded search found no results for STRASSE vs straße")
	}
}

func TestSearchEscapesLikeWildcards(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "account", testTranscript("conv_1",
		[2]string{"is 100% uptime possible?", "No system offers 100% uptime."},
	)); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "account", "100% uptime")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("len(results) = %d, want 2", len(results))
	}

	// A bare % must not match everything
	results, err = s.Search(ctx, "account", "zzz%")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("wildcard leak: got %d results for literal %%", len(results))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	s := newTestStore(t, 10)
	results, err := s.Search(context.Background(), "account", "   ")
	if err != nil {
		t.Fatal(err)
	}
	if results != nil {
		t.Errorf("empty query returned %d results", len(results))
	}
}

func TestExportMarkdown(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	tr := model.NewTranscript()
	tr.ConversationID = "conv_1"
	tr.Restore(&model.Message{ID: "msg_1", Role: model.RoleUser, Content: "How do refunds work?", Timestamp: time.Now()})
	tr.Restore(&model.Message{ID: "msg_2", Role: model.RoleAssistant, Content: "Refunds take 5-7 days.", Interrupted: true, Timestamp: time.Now()})
	if err := s.SaveTranscript(ctx, "account", tr); err != nil {
		t.Fatal(err)
	}

	var buf strings.Builder
	if err := s.ExportMarkdown(ctx, "conv_1", &buf); err != nil {
		t.Fatalf("ExportMarkdown failed: %v", err)
	}
	out := buf.String()

	if !strings.HasPrefix(out, "# How do refunds work?") {
		t.Errorf("export missing title header:\n%s", out)
	}
	if !strings.Contains(out, "## You\n") {
		t.Errorf("export missing user heading:\n%s", out)
	}
	if !strings.Contains(out, "## Assistant\n") {
		t.Errorf("export missing assistant heading:\n%s", out)
	}
	if !strings.Contains(out, "_[reply interrupted]_") {
		t.Errorf("export missing interrupted marker:\n%s", out)
	}
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")
	ctx := context.Background()

	s, err := NewStore(&Config{DatabasePath: path, MaxConversations: 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTranscript(ctx, "account", testTranscript("conv_1", [2]string{"q", "a"})); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(&Config{DatabasePath: path, MaxConversations: 10})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.Transcript(ctx, "conv_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 {
		t.Errorf("len(Messages) = %d after reopen", len(got.Messages))
	}
}
