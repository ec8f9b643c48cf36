// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session drives conversation turns against the backend.
//
// The Manager owns one transcript and runs each turn end to end: it lazily
// creates the server conversation (concurrent callers share one create),
// posts the user message, consumes the reply stream fragment by fragment,
// and settles or fails the turn through the transcript's state machine.
//
// # Key Types
//
//   - Manager: turn driver over an api.Client and a model.Transcript
//   - Config: local pacing configuration (advisory, never blocks a send)
//
// # Usage
//
// Run one turn and observe fragments as they arrive:
//
//	mgr := session.NewManager(client, ids, session.DefaultConfig())
//	mgr.SetOnFragment(func(fragment string) { render(fragment) })
//	err := mgr.Send(ctx, "How do refunds work?")
//
// # Failure handling
//
// Send never retries. Errors come back classified with the api package's
// taxonomy; a 429 leaves the transcript permanently rate limited, and a
// 401 discards the stored credential before the error is returned.
package session
