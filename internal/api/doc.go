// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for the ragchat backend.
//
// The backend exposes two surfaces. The widget surface is unauthenticated
// and keyed by an embed key plus an anonymous per-visitor session id; the
// account surface authenticates with a bearer token from login. One Client
// talks to exactly one surface for its whole lifetime.
//
// Failures map onto a small taxonomy the rest of the application branches
// on: ErrNetwork (no HTTP response), ErrAuthExpired (401 outside the auth
// endpoints), ErrRateLimited (429), ErrStreamInterrupted (reply stream cut
// short), and *APIError for everything else the server reports. The
// transport never retries a request; retry is a user decision.
//
// Reply text arrives as a server-sent event stream, decoded by the stream
// package. StreamMessage hands the caller an open ReplyStream; reading and
// closing it are the caller's responsibility.
package api
