// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the Bubble Tea chat view.
//
// The view binds a session.Manager to a terminal UI: a viewport holding
// the rendered transcript, a textarea for input, and a status bar with
// turn state and shortcuts. Reply fragments arrive on a background
// goroutine, are batched by a StreamingBuffer, and are flushed into the
// view at a capped frame rate so fast streams render without flicker.
//
// # Key Types
//
//   - Model: the tea.Model for the chat view
//   - Options: wiring (api client, history cache, theme, markdown)
//   - StreamingBuffer: thread-safe fragment batcher
//
// Settled assistant replies are optionally rendered as markdown via
// glamour; the in-flight reply always renders raw because re-rendering
// partial markdown every frame is wasteful and unstable.
package chat
