// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history provides a local SQLite cache of conversations so
// transcripts replay instantly on startup and survive restarts.
//
// The cache is a mirror of server state, never the source of truth:
// transcripts are saved after a turn settles or after a fetch, and a
// cache miss just means the conversation loads from the server instead.
// Conversations are partitioned by identity scope so widget and account
// histories never mix.
//
// # Key Types
//
//   - Store: the SQLite-backed cache (modernc.org/sqlite, pure Go)
//   - Entry: a conversation summary for listings
//   - SearchResult: a case-folded full-text match
//
// # Usage
//
//	cfg, _ := history.DefaultConfig()
//	store, err := history.NewStore(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	store.SaveTranscript(ctx, scope, transcript)
//	entries, _ := store.Conversations(ctx, scope)
package history
