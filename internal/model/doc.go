// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for transcripts and messages.
//
// This package defines the core domain types used throughout the application
// for representing a chat transcript, its messages, and the turn state
// machine that gates sending.
//
// # Key Types
//
//   - Transcript: ordered messages plus the turn lifecycle state
//   - Message: single message with role, content, and streaming state
//   - TurnState: idle, awaitingReply, streaming, settled, rateLimited, errored
//   - Statistics: timing for a streamed reply (time to first fragment, total)
//
// # Usage
//
// Drive one turn through a transcript:
//
//	tr := model.NewTranscript()
//	tr.BeginTurn("Hello!")
//	tr.AppendFragment("Hi ")
//	tr.AppendFragment("there.")
//	tr.CompleteTurn(nil)
//
// The rate-limited state is sticky: after MarkRateLimited, CanSend reports
// false for the rest of the transcript's life.
package model
