// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/morganforge/ragchat/internal/api"
	"github.com/morganforge/ragchat/internal/identity"
	"github.com/morganforge/ragchat/internal/model"
)

// =============================================================================
// AUTH EXPIRY
// =============================================================================

func TestREPL_AuthExpiryClearsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ids, err := identity.NewStore(t.TempDir(), identity.AccountScope)
	if err != nil {
		t.Fatal(err)
	}
	if err := ids.SaveToken("tok_stale"); err != nil {
		t.Fatal(err)
	}

	client := api.NewAccountClient(srv.URL)
	client.SetToken("tok_stale")

	repl := NewREPL(client, ids, false)
	repl.out = io.Discard

	err = repl.runTurn(context.Background(), "hello")
	if !errors.Is(err, api.ErrAuthExpired) {
		t.Fatalf("runTurn = %v, want ErrAuthExpired", err)
	}

	// A 401 mid-chat must discard the stale token everywhere, not just
	// print a login hint.
	if client.Token() != "" {
		t.Error("client still holds the expired token")
	}
	if _, err := ids.LoadToken(); !errors.Is(err, identity.ErrNoCredential) {
		t.Errorf("LoadToken after expiry = %v, want ErrNoCredential", err)
	}

	// Auth expiry is not a rate limit; the transcript stays retryable.
	if repl.transcript.State() != model.TurnErrored {
		t.Errorf("state = %v, want TurnErrored", repl.transcript.State())
	}
}

func TestREPL_AuthExpiryWithoutStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := api.NewAccountClient(srv.URL)
	client.SetToken("tok_stale")

	// No identity store wired; erasure degrades to the client alone.
	repl := NewREPL(client, nil, false)
	repl.out = io.Discard

	if err := repl.runTurn(context.Background(), "hello"); !errors.Is(err, api.ErrAuthExpired) {
		t.Fatalf("runTurn = %v, want ErrAuthExpired", err)
	}
	if client.Token() != "" {
		t.Error("client still holds the expired token")
	}
}
